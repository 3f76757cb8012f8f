package graph

import (
	"fmt"
	"maps"
)

// Resolver supplies the schema knowledge the builder needs. nodetype.Registry implements it.
type Resolver interface {
	// Defaults returns a fresh map of every declared parameter's default for typ.
	Defaults(typ string) (Params, error)
	// ParamIndex returns NumberOfInputs plus the position of name among typ's
	// automatable parameters.
	ParamIndex(typ, name string) (int, error)
}

// Builder accumulates nodes and edges for Build. The first error sticks and
// makes every later call a no-op.
type Builder struct {
	resolver Resolver
	nodes    map[NodeID]*Node
	edges    map[EdgeID]*Edge
	nextEdge int
	err      error
}

// Build runs fn against a fresh Builder and returns the resulting graph with
// defaults filled in and edges numbered E0, E1, ... in call order.
func Build(fn func(b *Builder), resolver Resolver) (Graph, error) {
	b := &Builder{
		resolver: resolver,
		nodes:    map[NodeID]*Node{},
		edges:    map[EdgeID]*Edge{},
	}
	if fn != nil {
		fn(b)
	}
	if b.err != nil {
		return Graph{}, b.err
	}
	g := Graph{Nodes: b.nodes, Edges: b.edges}
	if dangling := g.Dangling(); len(dangling) > 0 {
		e := g.Edges[dangling[0]]
		return Graph{}, fmt.Errorf("edge %s from %s to %s references an undeclared node", e.ID, e.From.Node, e.To.Node)
	}
	return g, nil
}

// Node declares a node. Parameters not given take the type's declared defaults.
func (b *Builder) Node(id NodeID, typ string, params Params) *Builder {
	if b.err != nil {
		return b
	}
	defaults, err := b.resolver.Defaults(typ)
	if err != nil {
		b.err = fmt.Errorf("node %s: %w", id, err)
		return b
	}
	maps.Copy(defaults, params)
	b.nodes[id] = &Node{ID: id, Type: typ, Params: defaults}
	return b
}

// Edge connects output fromIndex of from to to. toIndexOrParam is either an int
// slot index or the name of an automatable parameter on to.
func (b *Builder) Edge(from NodeID, fromIndex int, to NodeID, toIndexOrParam any) *Builder {
	return b.edge("", from, fromIndex, to, toIndexOrParam)
}

func (b *Builder) edge(id EdgeID, from NodeID, fromIndex int, to NodeID, toIndexOrParam any) *Builder {
	if b.err != nil {
		return b
	}
	index, err := b.resolveIndex(to, toIndexOrParam)
	if err != nil {
		b.err = err
		return b
	}
	if id == "" {
		id = EdgeID(fmt.Sprintf("E%d", b.nextEdge))
		b.nextEdge++
	}
	if _, exists := b.edges[id]; exists {
		b.err = fmt.Errorf("duplicate edge id %s", id)
		return b
	}
	b.edges[id] = &Edge{
		ID:   id,
		From: Endpoint{Node: from, Index: fromIndex},
		To:   Endpoint{Node: to, Index: index},
	}
	return b
}

// Err returns the first error recorded by the builder.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) resolveIndex(to NodeID, toIndexOrParam any) (int, error) {
	switch v := toIndexOrParam.(type) {
	case int:
		return v, nil
	case string:
		node, ok := b.nodes[to]
		if !ok {
			return 0, fmt.Errorf("param %s not available on node %s: node not declared", v, to)
		}
		index, err := b.resolver.ParamIndex(node.Type, v)
		if err != nil {
			return 0, fmt.Errorf("param %s not available on node %s: %w", v, to, err)
		}
		return index, nil
	default:
		return 0, fmt.Errorf("edge to %s: destination must be an int index or parameter name, got %T", to, toIndexOrParam)
	}
}
