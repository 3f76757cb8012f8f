package units

import (
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// WaveShaper maps each sample through a transfer curve. Oversampling is
// accepted as a value but the curve is applied at the context rate.
type WaveShaper struct {
	audio.Base
	curve      []float32
	oversample string
}

var waveShaperDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "curve", Kind: nodetype.Plain, Default: nil},
		{Name: "oversample", Kind: nodetype.Plain, Default: "none"},
	},
}

// NewWaveShaper is the WaveShaperNode constructor.
func NewWaveShaper(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	w := &WaveShaper{oversample: "none"}
	if err := initUnit(ctx, &w.Base, w, waveShaperDescription, params); err != nil {
		return nil, err
	}
	return w, nil
}

// SetValue implements audio.Setter.
func (w *WaveShaper) SetValue(name string, v any) error {
	switch name {
	case "curve":
		curve, err := asFloats(name, v)
		if err != nil {
			return err
		}
		if curve == nil {
			w.curve = nil
			return nil
		}
		w.curve = make([]float32, len(curve))
		for i, c := range curve {
			w.curve[i] = float32(c)
		}
		return nil
	case "oversample":
		o, err := asString(name, v, "none", "2x", "4x")
		if err != nil {
			return err
		}
		w.oversample = o
		return nil
	default:
		return unknownValue(name)
	}
}

func (w *WaveShaper) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	curve := w.curve
	for c := range in {
		if len(curve) == 0 {
			copy(out[c], in[c])
			continue
		}
		for i, s := range in[c] {
			out[c][i] = shape(curve, s)
		}
	}
}

// shape maps x in [-1, 1] onto curve with linear interpolation; values
// outside clamp to the curve's ends.
func shape(curve []float32, x float32) float32 {
	n := len(curve)
	if n == 1 {
		return curve[0]
	}
	v := float32(n-1) / 2 * (x + 1)
	if v <= 0 {
		return curve[0]
	}
	if v >= float32(n-1) {
		return curve[n-1]
	}
	k := int(v)
	f := v - float32(k)
	return curve[k] + (curve[k+1]-curve[k])*f
}
