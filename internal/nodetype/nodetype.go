// Package nodetype describes processing-unit types: their structure, their
// parameter schema and the constructor that builds a live unit.
package nodetype

import (
	"fmt"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
)

// Kind tags a parameter with how the reconciler applies it.
type Kind int

const (
	// Automatable parameters are numeric and may be modulated and ramped.
	Automatable Kind = iota
	// Buffer parameters hold a nullable URL resolved to a decoded buffer.
	Buffer
	// Plain parameters are assigned as-is.
	Plain
)

func (k Kind) String() string {
	switch k {
	case Automatable:
		return "automatable"
	case Buffer:
		return "buffer"
	case Plain:
		return "plain"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParamSpec declares one parameter of a type.
type ParamSpec struct {
	Name    string
	Kind    Kind
	Default any
	// Min and Max bound automatable values; nil means unbounded.
	Min, Max *float64
	// WriteOnce marks buffer parameters that may only be assigned once per unit.
	WriteOnce bool
}

// Description is the structural schema of a type.
type Description struct {
	NumberOfInputs        int
	NumberOfOutputs       int
	OutputChannelCount    []int
	ChannelCount          int
	ChannelCountMode      audio.ChannelCountMode
	ChannelInterpretation audio.ChannelInterpretation
	// Params is ordered. Parameter-slot addressing follows this order.
	Params []ParamSpec
}

// Param returns the spec named name.
func (d Description) Param(name string) (ParamSpec, bool) {
	for _, p := range d.Params {
		if p.Name == name {
			return p, true
		}
	}
	return ParamSpec{}, false
}

// Automatable returns the automatable parameters in declaration order.
func (d Description) Automatable() []ParamSpec {
	var out []ParamSpec
	for _, p := range d.Params {
		if p.Kind == Automatable {
			out = append(out, p)
		}
	}
	return out
}

// Defaults returns a fresh map holding every parameter's default.
func (d Description) Defaults() graph.Params {
	out := make(graph.Params, len(d.Params))
	for _, p := range d.Params {
		out[p.Name] = p.Default
	}
	return out
}

// UnitOptions converts the structural part of d into options for audio.Base.
func (d Description) UnitOptions() audio.Options {
	opts := audio.Options{
		Inputs:                d.NumberOfInputs,
		Outputs:               d.NumberOfOutputs,
		OutputChannels:        d.OutputChannelCount,
		ChannelCount:          d.ChannelCount,
		ChannelCountMode:      d.ChannelCountMode,
		ChannelInterpretation: d.ChannelInterpretation,
	}
	for _, p := range d.Automatable() {
		def, _ := graph.ToFloat(p.Default)
		opts.Params = append(opts.Params, audio.ParamOptions{Name: p.Name, Default: def, Min: p.Min, Max: p.Max})
	}
	return opts
}

// Constructor builds a live unit in ctx from the node's initial parameters.
// Buffer parameters are never passed here; they arrive later through Set.
type Constructor func(ctx audio.Context, params graph.Params) (audio.Unit, error)

// Extension registers a type: its constructor, description and an optional
// processor module that must be loaded before the first instance is built.
type Extension struct {
	Type         string
	Constructor  Constructor
	Description  Description
	ProcessorURI string
}

// Bound returns a pointer to v, for ParamSpec limits.
func Bound(v float64) *float64 {
	return &v
}
