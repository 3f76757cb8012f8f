// Package units implements the built-in processing-unit types and their
// descriptions, modelled on the Web Audio node set.
package units

import (
	"fmt"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

const componentUnits = "units"

// Type names of the built-in units.
const (
	TypeAnalyser           = "AnalyserNode"
	TypeBufferSource       = "AudioBufferSourceNode"
	TypeDestination        = "AudioDestinationNode"
	TypeBiquadFilter       = "BiquadFilterNode"
	TypeChannelMerger      = "ChannelMergerNode"
	TypeChannelSplitter    = "ChannelSplitterNode"
	TypeConstantSource     = "ConstantSourceNode"
	TypeConvolver          = "ConvolverNode"
	TypeDelay              = "DelayNode"
	TypeDynamicsCompressor = "DynamicsCompressorNode"
	TypeGain               = "GainNode"
	TypeIIRFilter          = "IIRFilterNode"
	TypeOscillator         = "OscillatorNode"
	TypePanner             = "PannerNode"
	TypeStereoPanner       = "StereoPannerNode"
	TypeWaveShaper         = "WaveShaperNode"
)

// Builtins returns the extensions for every built-in type, in a stable order.
func Builtins() []nodetype.Extension {
	return []nodetype.Extension{
		{Type: TypeAnalyser, Description: analyserDescription, Constructor: NewAnalyser},
		{Type: TypeBufferSource, Description: bufferSourceDescription, Constructor: NewBufferSource},
		{Type: TypeDestination, Description: destinationDescription, Constructor: NewDestination},
		{Type: TypeBiquadFilter, Description: biquadDescription, Constructor: NewBiquadFilter},
		{Type: TypeChannelMerger, Description: mergerDescription, Constructor: NewChannelMerger},
		{Type: TypeChannelSplitter, Description: splitterDescription, Constructor: NewChannelSplitter},
		{Type: TypeConstantSource, Description: constantSourceDescription, Constructor: NewConstantSource},
		{Type: TypeConvolver, Description: convolverDescription, Constructor: NewConvolver},
		{Type: TypeDelay, Description: delayDescription, Constructor: NewDelay},
		{Type: TypeDynamicsCompressor, Description: compressorDescription, Constructor: NewDynamicsCompressor},
		{Type: TypeGain, Description: gainDescription, Constructor: NewGain},
		{Type: TypeIIRFilter, Description: iirDescription, Constructor: NewIIRFilter},
		{Type: TypeOscillator, Description: oscillatorDescription, Constructor: NewOscillator},
		{Type: TypePanner, Description: pannerDescription, Constructor: NewPanner},
		{Type: TypeStereoPanner, Description: stereoPannerDescription, Constructor: NewStereoPanner},
		{Type: TypeWaveShaper, Description: waveShaperDescription, Constructor: NewWaveShaper},
	}
}

// NewRegistry returns a registry holding every built-in type.
func NewRegistry(opts ...nodetype.RegistryOption) *nodetype.Registry {
	reg := nodetype.NewRegistry(opts...)
	reg.MustRegister(Builtins()...)
	return reg
}

// Describe returns the description of a built-in type.
func Describe(typ string) (nodetype.Description, bool) {
	for _, ext := range Builtins() {
		if ext.Type == typ {
			return ext.Description, true
		}
	}
	return nodetype.Description{}, false
}

// initUnit attaches base to ctx using desc's structure and applies the
// initial parameter values. Automatable values snap, everything else goes
// through Set. Buffer parameters are skipped.
func initUnit(ctx audio.Context, base *audio.Base, proc audio.Processor, desc nodetype.Description, params graph.Params) error {
	base.Init(ctx, proc, desc.UnitOptions())
	return applyInitial(base, desc, params)
}

func applyInitial(base *audio.Base, desc nodetype.Description, params graph.Params) error {
	for _, spec := range desc.Params {
		v, ok := params[spec.Name]
		if !ok {
			continue
		}
		switch spec.Kind {
		case nodetype.Automatable:
			f, ok := graph.ToFloat(v)
			if !ok {
				return typeError(spec.Name, "number", v)
			}
			p, _ := base.Param(spec.Name)
			p.SetValue(f)
		case nodetype.Plain:
			if err := base.Set(spec.Name, v); err != nil {
				return err
			}
		case nodetype.Buffer:
		}
	}
	return nil
}

func typeError(name, want string, got any) error {
	return errors.Newf("parameter %s: expected %s, got %T", name, want, got).
		Component(componentUnits).
		Category(errors.CategoryValidation).
		Build()
}

func unknownValue(name string) error {
	return errors.Newf("unit has no plain parameter %s", name).
		Component(componentUnits).
		Category(errors.CategoryValidation).
		Build()
}

func asFloat(name string, v any) (float64, error) {
	f, ok := graph.ToFloat(v)
	if !ok {
		return 0, typeError(name, "number", v)
	}
	return f, nil
}

func asBool(name string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, typeError(name, "bool", v)
	}
	return b, nil
}

func asString(name string, v any, allowed ...string) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", typeError(name, "string", v)
	}
	for _, a := range allowed {
		if s == a {
			return s, nil
		}
	}
	return "", errors.Newf("parameter %s: %q is not one of %v", name, s, allowed).
		Component(componentUnits).
		Category(errors.CategoryValidation).
		Build()
}

// asFloats accepts []float64, []float32 or a sequence of numbers. nil yields nil.
func asFloats(name string, v any) ([]float64, error) {
	switch s := v.(type) {
	case nil:
		return nil, nil
	case []float64:
		return s, nil
	case []float32:
		out := make([]float64, len(s))
		for i, f := range s {
			out[i] = float64(f)
		}
		return out, nil
	case []any:
		out := make([]float64, len(s))
		for i, item := range s {
			f, ok := graph.ToFloat(item)
			if !ok {
				return nil, typeError(fmt.Sprintf("%s[%d]", name, i), "number", item)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, typeError(name, "number list", v)
	}
}

// asBuffer accepts a decoded buffer or nil.
func asBuffer(name string, v any) (*audio.Buffer, error) {
	switch b := v.(type) {
	case nil:
		return nil, nil
	case *audio.Buffer:
		return b, nil
	default:
		return nil, typeError(name, "decoded buffer", v)
	}
}

func ensureBus(b audio.Bus, channels int) audio.Bus {
	if len(b) == channels {
		return b
	}
	out := make(audio.Bus, channels)
	for i := range out {
		if i < len(b) {
			out[i] = b[i]
		} else {
			out[i] = make([]float32, audio.RenderQuantum)
		}
	}
	return out
}
