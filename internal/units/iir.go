package units

import (
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

const maxIIRCoefficients = 20

// IIRFilter is a general IIR filter. Its coefficients are fixed at
// construction from the feedforward and feedback construction values.
type IIRFilter struct {
	audio.Base
	b, a []float64
	// per-channel histories
	x, y [][]float64
	pos  int
}

var iirDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	// read once by the constructor; the filter has no settable values
	Params: []nodetype.ParamSpec{
		{Name: "feedforward", Kind: nodetype.Plain, Default: nil},
		{Name: "feedback", Kind: nodetype.Plain, Default: nil},
	},
}

// NewIIRFilter is the IIRFilterNode constructor. params may carry
// "feedforward" and "feedback" coefficient lists; both default to [1].
func NewIIRFilter(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	ff, err := asFloats("feedforward", params["feedforward"])
	if err != nil {
		return nil, err
	}
	fb, err := asFloats("feedback", params["feedback"])
	if err != nil {
		return nil, err
	}
	if ff == nil {
		ff = []float64{1}
	}
	if fb == nil {
		fb = []float64{1}
	}
	if len(ff) == 0 || len(ff) > maxIIRCoefficients || len(fb) == 0 || len(fb) > maxIIRCoefficients || fb[0] == 0 {
		return nil, errors.Newf("IIR filter needs 1 to %d coefficients per side and a non-zero feedback[0]", maxIIRCoefficients).
			Component(componentUnits).
			Category(errors.CategoryValidation).
			Build()
	}

	f := &IIRFilter{b: make([]float64, len(ff)), a: make([]float64, len(fb))}
	for i := range ff {
		f.b[i] = ff[i] / fb[0]
	}
	for i := range fb {
		f.a[i] = fb[i] / fb[0]
	}
	f.Init(ctx, f, iirDescription.UnitOptions())
	return f, nil
}

func (f *IIRFilter) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	for len(f.x) < len(in) {
		f.x = append(f.x, make([]float64, maxIIRCoefficients))
		f.y = append(f.y, make([]float64, maxIIRCoefficients))
	}
	n := maxIIRCoefficients
	for i := range audio.RenderQuantum {
		p := (f.pos + i) % n
		for ch := range in {
			x, y := f.x[ch], f.y[ch]
			x[p] = float64(in[ch][i])
			var acc float64
			for k, bk := range f.b {
				acc += bk * x[(p-k+n)%n]
			}
			for k := 1; k < len(f.a); k++ {
				acc -= f.a[k] * y[(p-k+n)%n]
			}
			y[p] = flushDenormal(acc)
			out[ch][i] = float32(acc)
		}
	}
	f.pos = (f.pos + audio.RenderQuantum) % n
}
