package graph

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk and over-the-wire form of a graph:
//
//	nodes:
//	  - {id: OSC, type: OscillatorNode, params: {frequency: 220}}
//	  - {id: LFO, type: OscillatorNode, params: {frequency: 2}}
//	  - {id: OUT, type: AudioDestinationNode}
//	edges:
//	  - {from: OSC, to: OUT}
//	  - {from: "LFO:0", to: "OSC:detune"}
//
// Endpoints are "NODE", "NODE:index" or, on the destination side, "NODE:param".
// Edges without an id are numbered E0, E1, ... in file order.
type File struct {
	Nodes []FileNode `json:"nodes" yaml:"nodes"`
	Edges []FileEdge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// FileNode is a node entry in a graph file
type FileNode struct {
	ID     NodeID `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`
}

// FileEdge is an edge entry in a graph file
type FileEdge struct {
	ID   EdgeID `json:"id,omitempty" yaml:"id,omitempty"`
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Decode reads a YAML (or JSON) graph file and resolves it into a Graph.
func Decode(r io.Reader, resolver Resolver) (Graph, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return Graph{}, fmt.Errorf("decoding graph file: %w", err)
	}
	return f.Resolve(resolver)
}

// Resolve turns the file form into a Graph, filling defaults and resolving parameter names.
func (f File) Resolve(resolver Resolver) (Graph, error) {
	return Build(func(b *Builder) {
		for _, n := range f.Nodes {
			if n.ID == "" {
				b.err = fmt.Errorf("node of type %s has no id", n.Type)
				return
			}
			if _, dup := b.nodes[n.ID]; dup {
				b.err = fmt.Errorf("duplicate node id %s", n.ID)
				return
			}
			b.Node(n.ID, n.Type, normalizeParams(n.Params))
		}
		for _, e := range f.Edges {
			from, fromIndex, err := parseEndpoint(e.From)
			if err != nil {
				b.err = fmt.Errorf("edge %q: %w", e.From, err)
				return
			}
			fromSlot, ok := fromIndex.(int)
			if !ok {
				b.err = fmt.Errorf("edge from %q: source must be an output index", e.From)
				return
			}
			to, toIndex, err := parseEndpoint(e.To)
			if err != nil {
				b.err = fmt.Errorf("edge %q: %w", e.To, err)
				return
			}
			b.edge(e.ID, from, fromSlot, to, toIndex)
		}
	}, resolver)
}

// ToFile converts g into its file form with nodes and edges in id order.
func ToFile(g Graph) File {
	f := File{Nodes: make([]FileNode, 0, len(g.Nodes))}
	for _, id := range g.NodeIDs() {
		n := g.Nodes[id]
		f.Nodes = append(f.Nodes, FileNode{ID: n.ID, Type: n.Type, Params: n.Params})
	}
	for _, id := range g.EdgeIDs() {
		e := g.Edges[id]
		f.Edges = append(f.Edges, FileEdge{
			ID:   e.ID,
			From: fmt.Sprintf("%s:%d", e.From.Node, e.From.Index),
			To:   fmt.Sprintf("%s:%d", e.To.Node, e.To.Index),
		})
	}
	return f
}

// Encode writes g as YAML.
func Encode(w io.Writer, g Graph) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(ToFile(g)); err != nil {
		return fmt.Errorf("encoding graph file: %w", err)
	}
	return enc.Close()
}

// parseEndpoint splits "NODE", "NODE:3" or "NODE:gain". The index is an int or a string.
func parseEndpoint(s string) (NodeID, any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", nil, fmt.Errorf("empty endpoint")
	}
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return NodeID(s), 0, nil
	}
	node, slot := s[:i], s[i+1:]
	if node == "" || slot == "" {
		return "", nil, fmt.Errorf("malformed endpoint")
	}
	if n, err := strconv.Atoi(slot); err == nil {
		if n < 0 {
			return "", nil, fmt.Errorf("negative slot index %d", n)
		}
		return NodeID(node), n, nil
	}
	return NodeID(node), slot, nil
}

// normalizeParams turns YAML's generic sequences into []float64 where every element is numeric,
// so curves and filter coefficients arrive in the form units expect.
func normalizeParams(p Params) Params {
	if p == nil {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
		seq, ok := v.([]any)
		if !ok {
			continue
		}
		nums := make([]float64, len(seq))
		numeric := true
		for i, item := range seq {
			f, ok := ToFloat(item)
			if !ok {
				numeric = false
				break
			}
			nums[i] = f
		}
		if numeric {
			out[k] = nums
		}
	}
	return out
}

// ToFloat converts any Go numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
