package units

import (
	"math"
	"math/cmplx"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Analyser passes its input through unchanged while keeping the most recent
// fftSize frames for time-domain, spectrum and level readings.
type Analyser struct {
	audio.Base
	fftSize     int
	minDB       float64
	maxDB       float64
	smoothing   float64
	window      [][]float32 // per channel ring of the last fftSize frames
	write       int
	smoothed    []float64
	lastQuantum audio.Levels
}

var analyserDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "fftSize", Kind: nodetype.Plain, Default: 2048.0},
		{Name: "minDecibels", Kind: nodetype.Plain, Default: -100.0},
		{Name: "maxDecibels", Kind: nodetype.Plain, Default: -30.0},
		{Name: "smoothingTimeConstant", Kind: nodetype.Plain, Default: 0.8},
	},
}

// NewAnalyser is the AnalyserNode constructor.
func NewAnalyser(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	a := &Analyser{fftSize: 2048, minDB: -100, maxDB: -30, smoothing: 0.8}
	if err := initUnit(ctx, &a.Base, a, analyserDescription, params); err != nil {
		return nil, err
	}
	return a, nil
}

// SetValue implements audio.Setter.
func (a *Analyser) SetValue(name string, v any) error {
	f, err := asFloat(name, v)
	if err != nil {
		return err
	}
	switch name {
	case "fftSize":
		n := int(f)
		if float64(n) != f || n < 32 || n > 32768 || !isPowerOfTwo(n) {
			return rangeError(name, "a power of two between 32 and 32768", v)
		}
		if n != a.fftSize {
			a.fftSize = n
			a.window = nil
			a.write = 0
			a.smoothed = nil
		}
	case "minDecibels":
		if f >= a.maxDB {
			return rangeError(name, "below maxDecibels", v)
		}
		a.minDB = f
	case "maxDecibels":
		if f <= a.minDB {
			return rangeError(name, "above minDecibels", v)
		}
		a.maxDB = f
	case "smoothingTimeConstant":
		if f < 0 || f > 1 {
			return rangeError(name, "between 0 and 1", v)
		}
		a.smoothing = f
	default:
		return unknownValue(name)
	}
	return nil
}

func rangeError(name, want string, got any) error {
	return errors.Newf("parameter %s: %v is not %s", name, got, want).
		Component(componentUnits).
		Category(errors.CategoryValidation).
		Build()
}

func (a *Analyser) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	if len(a.window) != len(in) {
		a.window = make([][]float32, len(in))
		for ch := range a.window {
			a.window[ch] = make([]float32, a.fftSize)
		}
		a.write = 0
	}
	for ch := range in {
		copy(out[ch], in[ch])
		ring := a.window[ch]
		for i, s := range in[ch] {
			ring[(a.write+i)%len(ring)] = s
		}
	}
	a.write = (a.write + audio.RenderQuantum) % a.fftSize
	a.lastQuantum = audio.MeasureLevels(in)
}

// FFTSize returns the analysis window length.
func (a *Analyser) FFTSize() int {
	var n int
	a.Locked(func() { n = a.fftSize })
	return n
}

// Levels returns RMS and peak per channel of the most recent quantum.
func (a *Analyser) Levels() audio.Levels {
	var lv audio.Levels
	a.Locked(func() {
		lv = audio.Levels{
			RMS:  append([]float64(nil), a.lastQuantum.RMS...),
			Peak: append([]float64(nil), a.lastQuantum.Peak...),
		}
	})
	return lv
}

// FloatTimeDomainData copies the most recent frames, downmixed to mono and
// oldest first, into dst. It returns the number of frames written.
func (a *Analyser) FloatTimeDomainData(dst []float32) int {
	var n int
	a.Locked(func() {
		frames := a.monoWindow()
		n = copy(dst, frames)
	})
	return n
}

// FloatFrequencyData writes the smoothed magnitude spectrum in dB into dst,
// one value per bin up to fftSize/2. It returns the number of bins written.
func (a *Analyser) FloatFrequencyData(dst []float32) int {
	var n int
	a.Locked(func() {
		spectrum := a.spectrum()
		for i := range min(len(dst), len(spectrum)) {
			dst[i] = float32(linearToDB(spectrum[i]))
			n++
		}
	})
	return n
}

// ByteFrequencyData scales the dB spectrum into [0, 255] between minDecibels and maxDecibels.
func (a *Analyser) ByteFrequencyData(dst []byte) int {
	var n int
	a.Locked(func() {
		spectrum := a.spectrum()
		span := a.maxDB - a.minDB
		for i := range min(len(dst), len(spectrum)) {
			v := 255 * (linearToDB(spectrum[i]) - a.minDB) / span
			dst[i] = byte(math.Max(0, math.Min(255, math.Floor(v))))
			n++
		}
	})
	return n
}

func (a *Analyser) monoWindow() []float32 {
	frames := make([]float32, a.fftSize)
	if len(a.window) == 0 {
		return frames
	}
	ordered := make(audio.Bus, len(a.window))
	for ch, ring := range a.window {
		ordered[ch] = append(append([]float32(nil), ring[a.write:]...), ring[:a.write]...)
	}
	audio.Downmix(frames, ordered)
	return frames
}

// spectrum applies a Blackman window, transforms, and smooths against the
// previous reading.
func (a *Analyser) spectrum() []float64 {
	frames := a.monoWindow()
	n := len(frames)
	x := make([]complex128, n)
	for i, s := range frames {
		x[i] = complex(float64(s)*blackman(i, n), 0)
	}
	fft(x, false)

	bins := n / 2
	if len(a.smoothed) != bins {
		a.smoothed = make([]float64, bins)
	}
	for k := range bins {
		mag := cmplx.Abs(x[k]) / float64(n)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
	}
	return a.smoothed
}

func blackman(i, n int) float64 {
	const alpha = 0.16
	a0, a1, a2 := (1-alpha)/2, 0.5, alpha/2
	x := 2 * math.Pi * float64(i) / float64(n)
	return a0 - a1*math.Cos(x) + a2*math.Cos(2*x)
}
