package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// BiquadFilter is a second-order IIR filter with coefficients from Robert
// Bristow-Johnson's audio EQ cookbook.
type BiquadFilter struct {
	audio.Base
	kind string
	// per-channel state
	x1, x2, y1, y2 []float64
}

var biquadDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "frequency", Kind: nodetype.Automatable, Default: 350.0, Min: nodetype.Bound(0), Max: nodetype.Bound(24000)},
		{Name: "detune", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "Q", Kind: nodetype.Automatable, Default: 1.0},
		{Name: "gain", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "type", Kind: nodetype.Plain, Default: "lowpass"},
	},
}

var biquadKinds = []string{"lowpass", "highpass", "bandpass", "lowshelf", "highshelf", "peaking", "notch", "allpass"}

// NewBiquadFilter is the BiquadFilterNode constructor.
func NewBiquadFilter(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	f := &BiquadFilter{kind: "lowpass"}
	if err := initUnit(ctx, &f.Base, f, biquadDescription, params); err != nil {
		return nil, err
	}
	return f, nil
}

// SetValue implements audio.Setter.
func (f *BiquadFilter) SetValue(name string, v any) error {
	if name != "type" {
		return unknownValue(name)
	}
	kind, err := asString(name, v, biquadKinds...)
	if err != nil {
		return err
	}
	f.kind = kind
	return nil
}

// coefficients holds normalized biquad coefficients (a0 divided out).
type coefficients struct {
	b0, b1, b2, a1, a2 float64
}

// biquadCoefficients computes normalized coefficients for kind. frequency is
// in Hz, q is the Q (or, for lowpass and highpass, resonance in dB) and gain
// is in dB.
func biquadCoefficients(kind string, sampleRate, frequency, q, gain float64) coefficients {
	nyquist := sampleRate / 2
	f0 := math.Max(0, math.Min(frequency, nyquist)) / nyquist
	if f0 <= 0 || f0 >= 1 {
		// cutoff at 0 or nyquist: the limit of each response
		switch {
		case kind == "lowpass" && f0 >= 1, kind == "highpass" && f0 <= 0,
			kind == "allpass", kind == "notch", kind == "peaking",
			kind == "lowshelf" && f0 <= 0, kind == "highshelf" && f0 >= 1:
			return coefficients{b0: 1}
		case kind == "lowshelf", kind == "highshelf":
			return coefficients{b0: math.Pow(10, gain/20)}
		default:
			return coefficients{}
		}
	}

	w0 := math.Pi * f0
	cosw, sinw := math.Cos(w0), math.Sin(w0)
	A := math.Pow(10, gain/40)

	var b0, b1, b2, a0, a1, a2 float64
	switch kind {
	case "lowpass", "highpass":
		// Q is resonance in dB here
		alpha := sinw / (2 * math.Pow(10, q/20))
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
		if kind == "lowpass" {
			b0, b1, b2 = (1-cosw)/2, 1-cosw, (1-cosw)/2
		} else {
			b0, b1, b2 = (1+cosw)/2, -(1 + cosw), (1+cosw)/2
		}
	case "bandpass":
		alpha := sinw / (2 * math.Max(q, 1e-4))
		b0, b1, b2 = alpha, 0, -alpha
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case "notch":
		alpha := sinw / (2 * math.Max(q, 1e-4))
		b0, b1, b2 = 1, -2*cosw, 1
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case "allpass":
		alpha := sinw / (2 * math.Max(q, 1e-4))
		b0, b1, b2 = 1-alpha, -2*cosw, 1+alpha
		a0, a1, a2 = 1+alpha, -2*cosw, 1-alpha
	case "peaking":
		alpha := sinw / (2 * math.Max(q, 1e-4))
		b0, b1, b2 = 1+alpha*A, -2*cosw, 1-alpha*A
		a0, a1, a2 = 1+alpha/A, -2*cosw, 1-alpha/A
	case "lowshelf", "highshelf":
		// shelf slope S = 1
		alpha := sinw / 2 * math.Sqrt2
		k := 2 * math.Sqrt(A) * alpha
		if kind == "lowshelf" {
			b0 = A * ((A + 1) - (A-1)*cosw + k)
			b1 = 2 * A * ((A - 1) - (A+1)*cosw)
			b2 = A * ((A + 1) - (A-1)*cosw - k)
			a0 = (A + 1) + (A-1)*cosw + k
			a1 = -2 * ((A - 1) + (A+1)*cosw)
			a2 = (A + 1) + (A-1)*cosw - k
		} else {
			b0 = A * ((A + 1) + (A-1)*cosw + k)
			b1 = -2 * A * ((A - 1) + (A+1)*cosw)
			b2 = A * ((A + 1) + (A-1)*cosw - k)
			a0 = (A + 1) - (A-1)*cosw + k
			a1 = 2 * ((A - 1) - (A+1)*cosw)
			a2 = (A + 1) - (A-1)*cosw - k
		}
	}
	return coefficients{b0: b0 / a0, b1: b1 / a0, b2: b2 / a0, a1: a1 / a0, a2: a2 / a0}
}

func (f *BiquadFilter) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	if len(f.x1) != len(in) {
		f.x1 = make([]float64, len(in))
		f.x2 = make([]float64, len(in))
		f.y1 = make([]float64, len(in))
		f.y2 = make([]float64, len(in))
	}

	// coefficients follow the parameters once per quantum
	freq := float64(q.Param("frequency")[0]) * math.Exp2(float64(q.Param("detune")[0])/1200)
	c := biquadCoefficients(f.kind, q.SampleRate, freq, float64(q.Param("Q")[0]), float64(q.Param("gain")[0]))

	for ch := range in {
		x1, x2, y1, y2 := f.x1[ch], f.x2[ch], f.y1[ch], f.y2[ch]
		for i, s := range in[ch] {
			x := float64(s)
			y := c.b0*x + c.b1*x1 + c.b2*x2 - c.a1*y1 - c.a2*y2
			x2, x1 = x1, x
			y2, y1 = y1, y
			out[ch][i] = float32(y)
		}
		f.x1[ch], f.x2[ch], f.y1[ch], f.y2[ch] = x1, x2, flushDenormal(y1), flushDenormal(y2)
	}
}

// FrequencyResponse evaluates the filter's current magnitude (linear) and
// phase (radians) response at each frequency in Hz.
func (f *BiquadFilter) FrequencyResponse(freqs []float64) (mag, phase []float64) {
	mag = make([]float64, len(freqs))
	phase = make([]float64, len(freqs))
	sr := f.Context().SampleRate()
	freqParam, _ := f.Param("frequency")
	detune, _ := f.Param("detune")
	qParam, _ := f.Param("Q")
	gain, _ := f.Param("gain")
	var kind string
	f.Locked(func() { kind = f.kind })
	c := biquadCoefficients(kind, sr, freqParam.Value()*math.Exp2(detune.Value()/1200), qParam.Value(), gain.Value())
	for i, hz := range freqs {
		w := 2 * math.Pi * hz / sr
		z1 := complex(math.Cos(-w), math.Sin(-w))
		z2 := z1 * z1
		h := (complex(c.b0, 0) + complex(c.b1, 0)*z1 + complex(c.b2, 0)*z2) /
			(1 + complex(c.a1, 0)*z1 + complex(c.a2, 0)*z2)
		mag[i] = cmplxAbs(h)
		phase[i] = math.Atan2(imag(h), real(h))
	}
	return mag, phase
}

func cmplxAbs(c complex128) float64 {
	return math.Hypot(real(c), imag(c))
}

func flushDenormal(v float64) float64 {
	if math.Abs(v) < 1e-30 {
		return 0
	}
	return v
}
