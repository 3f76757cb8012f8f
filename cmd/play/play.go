// Package play implements the play command, which runs a graph file on the
// output device.
package play

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/audiograph/internal/audiograph"
	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/watch"
)

// Options holds the play command flags
type Options struct {
	Watch    bool
	Duration time.Duration
	// Factory replaces the device context factory; nil uses the configured backend.
	Factory audiograph.ContextFactory
}

// Command creates the play command.
func Command(settings *conf.Settings) *cobra.Command {
	var opts Options

	cmd := &cobra.Command{
		Use:   "play FILE",
		Short: "Play a graph file",
		Long:  "Play a graph file on the output device until interrupted. With --watch the graph is reapplied whenever the file changes.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), settings, args[0], opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.Watch, "watch", "w", false, "Reapply the graph when the file changes")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "Stop after this long, 0 plays until interrupted")

	return cmd
}

// Run plays path until ctx ends or the duration elapses, then pauses and
// closes the engine once the output has faded.
func Run(ctx context.Context, settings *conf.Settings, path string, opts Options) error {
	log := logger.Global().Module("play")

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", path, err)
	}

	factory := opts.Factory
	if factory == nil {
		factory = audiograph.DefaultContextFactory(settings)
	}
	engine, err := audiograph.New(
		audiograph.WithSettings(settings),
		audiograph.WithContextFactory(factory),
		audiograph.WithBaseDir(filepath.Dir(abs)),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			log.Warn("closing engine", logger.Error(err))
		}
	}()

	g, err := watch.Load(abs, engine.Registry())
	if err != nil {
		return err
	}
	if err := engine.Update(g, false); err != nil {
		return err
	}
	if _, err := engine.Ready().Wait(ctx); err != nil {
		return err
	}
	if err := engine.Play(); err != nil {
		return err
	}
	log.Info("playing",
		logger.String("file", abs),
		logger.Int("nodes", len(g.Nodes)),
		logger.Int("edges", len(g.Edges)))

	if opts.Watch {
		w, err := watch.New(abs, func(next graph.Graph) {
			if err := engine.Update(next, false); err != nil {
				log.Warn("graph update rejected", logger.Error(err))
				return
			}
			log.Info("graph reloaded", logger.Int("nodes", len(next.Nodes)))
		}, watch.Config{Resolver: engine.Registry(), Logger: log})
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
	}

	var deadline <-chan time.Time
	if opts.Duration > 0 {
		timer := time.NewTimer(opts.Duration)
		defer timer.Stop()
		deadline = timer.C
	}
	select {
	case <-ctx.Done():
	case <-deadline:
	}

	if err := engine.Pause(); err != nil {
		return err
	}
	// closing before the fade has finished clicks
	time.Sleep(settings.Engine.SuspendDelay)
	log.Info("stopped")
	return nil
}
