// Package validate implements the validate command, which checks a graph
// file without opening an audio device.
package validate

import (
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiograph/internal/audiograph"
	"github.com/tphakala/audiograph/internal/buildinfo"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/watch"
)

// ErrInvalid is returned when a graph file has errors
var ErrInvalid = errors.New(errors.NewStd("graph file is invalid")).
	Component("validate").
	Category(errors.CategoryValidation).
	Build()

// Command creates the validate command.
func Command(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a graph file",
		Long:  "Decode a graph file and check every node type, parameter, edge and local buffer path. Exits non-zero when the file has errors.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(settings, args[0], cmd.OutOrStdout())
		},
	}
}

// Run validates path and prints the findings to out.
func Run(settings *conf.Settings, path string, out io.Writer) error {
	registry, err := audiograph.NewRegistry(settings.Engine.Strict, logger.Global().Module("validate"))
	if err != nil {
		return err
	}
	g, err := watch.Load(path, registry)
	if err != nil {
		return err
	}

	result := Check(g, registry, filepath.Dir(path))
	for _, w := range result.Warnings {
		_, _ = fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, e := range result.Errors {
		_, _ = fmt.Fprintf(out, "error: %s\n", e)
	}
	if !result.Valid {
		return fmt.Errorf("%w: %d errors", ErrInvalid, len(result.Errors))
	}
	_, _ = fmt.Fprintf(out, "%s: %d nodes, %d edges, ok\n", path, len(g.Nodes), len(g.Edges))
	return nil
}

// Check inspects a decoded graph. Decoding already rejects unknown types,
// unknown parameter names on edges and dangling edges; Check covers what the
// engine would only discover while applying the graph. Relative buffer paths
// are resolved against baseDir.
func Check(g graph.Graph, registry *nodetype.Registry, baseDir string) *buildinfo.ValidationResult {
	result := buildinfo.NewValidationResult()

	for _, id := range g.NodeIDs() {
		node := g.Nodes[id]
		desc, err := registry.Describe(node.Type)
		if err != nil {
			result.AddError("node %s: %v", id, err)
			continue
		}
		for _, name := range slices.Sorted(maps.Keys(node.Params)) {
			checkParam(result, id, desc, name, node.Params[name], baseDir)
		}
	}

	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		from, err := registry.Describe(g.Nodes[e.From.Node].Type)
		if err != nil {
			continue
		}
		if e.From.Index < 0 || e.From.Index >= from.NumberOfOutputs {
			result.AddError("edge %s: %s has no output %d", id, e.From.Node, e.From.Index)
		}
		to, err := registry.Describe(g.Nodes[e.To.Node].Type)
		if err != nil {
			continue
		}
		if e.To.Index < 0 || e.To.Index >= to.NumberOfInputs+len(to.Automatable()) {
			result.AddError("edge %s: %s has no input or parameter slot %d", id, e.To.Node, e.To.Index)
		}
	}

	return result
}

func checkParam(result *buildinfo.ValidationResult, id graph.NodeID, desc nodetype.Description, name string, v any, baseDir string) {
	spec, ok := desc.Param(name)
	if !ok {
		result.AddWarning("node %s: %s is not a declared parameter and is only passed to the constructor", id, name)
		return
	}

	switch spec.Kind {
	case nodetype.Automatable:
		f, ok := graph.ToFloat(v)
		if !ok {
			result.AddError("node %s: %s must be numeric, got %T", id, name, v)
			return
		}
		if (spec.Min != nil && f < *spec.Min) || (spec.Max != nil && f > *spec.Max) {
			result.AddWarning("node %s: %s = %g is outside %s and will be clamped", id, name, f, bounds(spec))
		}
	case nodetype.Buffer:
		if v == nil {
			return
		}
		url, ok := v.(string)
		if !ok {
			result.AddError("node %s: %s must be a URL or null, got %T", id, name, v)
			return
		}
		if path, local := localPath(url, baseDir); local {
			if _, err := os.Stat(path); err != nil {
				result.AddWarning("node %s: %s file %s is not readable: %v", id, name, path, err)
			}
		}
	case nodetype.Plain:
	}
}

// localPath returns the filesystem path of a file:// or bare path URL.
func localPath(url, baseDir string) (string, bool) {
	switch {
	case strings.HasPrefix(url, "file://"):
		return strings.TrimPrefix(url, "file://"), true
	case strings.Contains(url, "://"), strings.HasPrefix(url, "data:"):
		return "", false
	case filepath.IsAbs(url):
		return url, true
	default:
		return filepath.Join(baseDir, url), true
	}
}

func bounds(spec nodetype.ParamSpec) string {
	lo, hi := "-inf", "+inf"
	if spec.Min != nil {
		lo = fmt.Sprintf("%g", *spec.Min)
	}
	if spec.Max != nil {
		hi = fmt.Sprintf("%g", *spec.Max)
	}
	return "[" + lo + ", " + hi + "]"
}
