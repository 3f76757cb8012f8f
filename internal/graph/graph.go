// Package graph defines the declarative audio graph snapshot the engine reconciles against.
//
// Snapshots are treated as immutable values. The engine decides what changed by
// identity, not by deep comparison:
//
//   - if Nodes (or Edges) is the same map as in the previous snapshot, the whole
//     node (or edge) pass is skipped;
//   - otherwise a node is updated when its *Node pointer differs, and a parameter
//     is reapplied when its value differs under ParamEqual.
//
// Callers must therefore build a new map and a new *Node whenever contents change,
// and must never mutate a map or node after passing it to the engine. The With*
// and Without* helpers do this copy-on-write bookkeeping.
package graph

import (
	"maps"
	"reflect"
	"slices"
)

// NodeID identifies a node within a graph
type NodeID string

// EdgeID identifies an edge within a graph
type EdgeID string

// Params holds a node's parameter values by name. Automatable parameters hold
// numbers, buffer parameters hold a URL string or nil, plain parameters hold anything.
type Params map[string]any

// Node is a declarative processing unit
type Node struct {
	ID     NodeID `json:"id" yaml:"id"`
	Type   string `json:"type" yaml:"type"`
	Params Params `json:"params,omitempty" yaml:"params,omitempty"`
}

// Endpoint addresses a slot on a node. On the source side Index is an output.
// On the destination side Index below the node's input count is an input; at or
// above it, Index-NumberOfInputs selects an automatable parameter in declaration order.
type Endpoint struct {
	Node  NodeID `json:"node" yaml:"node"`
	Index int    `json:"index" yaml:"index"`
}

// Edge is a declarative connection
type Edge struct {
	ID   EdgeID   `json:"id" yaml:"id"`
	From Endpoint `json:"from" yaml:"from"`
	To   Endpoint `json:"to" yaml:"to"`
}

// Graph is an immutable snapshot of nodes and edges
type Graph struct {
	Nodes map[NodeID]*Node
	Edges map[EdgeID]*Edge
}

// Empty returns a graph with no nodes or edges. Each call allocates fresh maps.
func Empty() Graph {
	return Graph{
		Nodes: map[NodeID]*Node{},
		Edges: map[EdgeID]*Edge{},
	}
}

// SameNodes reports whether a and b share the same node collection.
func SameNodes(a, b Graph) bool {
	return sameMap(a.Nodes, b.Nodes)
}

// SameEdges reports whether a and b share the same edge collection.
func SameEdges(a, b Graph) bool {
	return sameMap(a.Edges, b.Edges)
}

func sameMap[K comparable, V any](a, b map[K]V) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.ValueOf(a).UnsafePointer() == reflect.ValueOf(b).UnsafePointer()
}

// ParamEqual compares two parameter values the way the reconciler does: by value
// for comparable kinds, by identity for slices, maps and pointers. A caller that
// wants a new curve or coefficient list applied must supply a new slice.
func ParamEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	switch va.Kind() {
	case reflect.Slice, reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() && vb.IsNil()
		}
		if va.Kind() == reflect.Slice && va.Len() != vb.Len() {
			return false
		}
		return va.UnsafePointer() == vb.UnsafePointer()
	}

	if va.Type().Comparable() {
		return a == b
	}
	// structs or arrays holding slices: no identity to compare, treat as changed
	return false
}

// Node returns the node with the given id, or nil.
func (g Graph) Node(id NodeID) *Node {
	return g.Nodes[id]
}

// NodeIDs returns the node ids in sorted order.
func (g Graph) NodeIDs() []NodeID {
	return slices.Sorted(maps.Keys(g.Nodes))
}

// EdgeIDs returns the edge ids in sorted order.
func (g Graph) EdgeIDs() []EdgeID {
	return slices.Sorted(maps.Keys(g.Edges))
}

// WithNode returns a new graph with n added or replaced. Edges are shared.
func (g Graph) WithNode(n *Node) Graph {
	nodes := maps.Clone(g.Nodes)
	if nodes == nil {
		nodes = map[NodeID]*Node{}
	}
	nodes[n.ID] = n
	return Graph{Nodes: nodes, Edges: g.Edges}
}

// WithParams returns a new graph where node id carries params merged over its current ones.
// It returns g unchanged when id is absent.
func (g Graph) WithParams(id NodeID, params Params) Graph {
	current, ok := g.Nodes[id]
	if !ok {
		return g
	}
	merged := maps.Clone(current.Params)
	if merged == nil {
		merged = Params{}
	}
	maps.Copy(merged, params)
	return g.WithNode(&Node{ID: current.ID, Type: current.Type, Params: merged})
}

// WithoutNode returns a new graph without node id and without any edge touching it.
func (g Graph) WithoutNode(id NodeID) Graph {
	if _, ok := g.Nodes[id]; !ok {
		return g
	}
	nodes := maps.Clone(g.Nodes)
	delete(nodes, id)

	edges := g.Edges
	for eid, e := range g.Edges {
		if e.From.Node != id && e.To.Node != id {
			continue
		}
		if sameMap(edges, g.Edges) {
			edges = maps.Clone(g.Edges)
		}
		delete(edges, eid)
	}
	return Graph{Nodes: nodes, Edges: edges}
}

// WithEdge returns a new graph with e added or replaced. Nodes are shared.
func (g Graph) WithEdge(e *Edge) Graph {
	edges := maps.Clone(g.Edges)
	if edges == nil {
		edges = map[EdgeID]*Edge{}
	}
	edges[e.ID] = e
	return Graph{Nodes: g.Nodes, Edges: edges}
}

// WithoutEdge returns a new graph without edge id.
func (g Graph) WithoutEdge(id EdgeID) Graph {
	if _, ok := g.Edges[id]; !ok {
		return g
	}
	edges := maps.Clone(g.Edges)
	delete(edges, id)
	return Graph{Nodes: g.Nodes, Edges: edges}
}

// Dangling returns the ids of edges whose endpoints are not nodes of g, sorted.
func (g Graph) Dangling() []EdgeID {
	var out []EdgeID
	for id, e := range g.Edges {
		_, fromOK := g.Nodes[e.From.Node]
		_, toOK := g.Nodes[e.To.Node]
		if !fromOK || !toOK {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}
