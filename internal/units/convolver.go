package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Normalization constants for impulse responses.
const (
	gainCalibration           = 0.00125
	gainCalibrationSampleRate = 44100
	minPower                  = 0.000125
)

// Convolver applies an impulse response using uniformly partitioned
// overlap-save convolution with one partition per render quantum.
type Convolver struct {
	audio.Base
	buffer    *audio.Buffer
	normalize bool
	kernel    *convolutionKernel
}

var convolverDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{2},
	ChannelCount:       2,
	ChannelCountMode:   audio.ModeClampedMax,
	Params: []nodetype.ParamSpec{
		{Name: "buffer", Kind: nodetype.Buffer, Default: nil},
		{Name: "normalize", Kind: nodetype.Plain, Default: true},
	},
}

// NewConvolver is the ConvolverNode constructor.
func NewConvolver(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	c := &Convolver{normalize: true}
	if err := initUnit(ctx, &c.Base, c, convolverDescription, params); err != nil {
		return nil, err
	}
	return c, nil
}

// Buffer returns the impulse response, or nil.
func (c *Convolver) Buffer() *audio.Buffer {
	var b *audio.Buffer
	c.Locked(func() { b = c.buffer })
	return b
}

// SetValue implements audio.Setter. A new buffer resets the convolution state.
func (c *Convolver) SetValue(name string, v any) error {
	switch name {
	case "buffer":
		b, err := asBuffer(name, v)
		if err != nil {
			return err
		}
		c.buffer = b
	case "normalize":
		n, err := asBool(name, v)
		if err != nil {
			return err
		}
		if n == c.normalize {
			return nil
		}
		c.normalize = n
	default:
		return unknownValue(name)
	}
	c.kernel = newConvolutionKernel(c.buffer, c.normalize, c.Context().SampleRate())
	return nil
}

func (c *Convolver) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	if c.kernel == nil {
		q.Resize(0, len(in))
		return
	}
	k := c.kernel
	channels := max(len(in), len(k.partitions))
	out := q.Resize(0, channels)
	for len(k.states) < channels {
		k.states = append(k.states, newConvolutionState(len(k.partitions[0])))
	}
	for ch := range channels {
		src := in[min(ch, len(in)-1)]
		ir := k.partitions[min(ch, len(k.partitions)-1)]
		k.states[ch].process(src, out[ch], ir)
	}
}

const (
	partitionSize = audio.RenderQuantum
	fftSize       = 2 * partitionSize
)

// convolutionKernel holds the transformed partitions of an impulse response,
// one slice of partitions per channel.
type convolutionKernel struct {
	partitions [][][]complex128
	states     []*convolutionState
}

func newConvolutionKernel(buf *audio.Buffer, normalize bool, sampleRate float64) *convolutionKernel {
	if buf == nil || buf.Length() == 0 {
		return nil
	}
	scale := 1.0
	if normalize {
		scale = normalizationScale(buf, sampleRate)
	}

	channels := min(buf.NumberOfChannels(), 2)
	count := (buf.Length() + partitionSize - 1) / partitionSize
	k := &convolutionKernel{partitions: make([][][]complex128, channels)}
	for ch := range channels {
		data := buf.Channel(ch)
		parts := make([][]complex128, count)
		for p := range count {
			spec := make([]complex128, fftSize)
			for i := range partitionSize {
				j := p*partitionSize + i
				if j >= len(data) {
					break
				}
				spec[i] = complex(float64(data[j])*scale, 0)
			}
			fft(spec, false)
			parts[p] = spec
		}
		k.partitions[ch] = parts
	}
	return k
}

// normalizationScale equalizes the perceived loudness of impulse responses.
func normalizationScale(buf *audio.Buffer, sampleRate float64) float64 {
	var power float64
	for _, ch := range buf.Channels() {
		for _, s := range ch {
			power += float64(s) * float64(s)
		}
	}
	power = math.Sqrt(power / float64(buf.NumberOfChannels()*buf.Length()))
	if math.IsNaN(power) || math.IsInf(power, 0) || power < minPower {
		power = minPower
	}
	scale := gainCalibration / power
	if sampleRate > 0 {
		scale *= gainCalibrationSampleRate / sampleRate
	}
	if buf.NumberOfChannels() == 4 {
		scale *= 0.5
	}
	return scale
}

// convolutionState is the per-channel overlap-save history.
type convolutionState struct {
	prev    []float64
	history [][]complex128 // input spectra, newest first
	block   []complex128
	acc     []complex128
}

func newConvolutionState(partitions int) *convolutionState {
	return &convolutionState{
		prev:    make([]float64, partitionSize),
		history: make([][]complex128, partitions),
		block:   make([]complex128, fftSize),
		acc:     make([]complex128, fftSize),
	}
}

func (s *convolutionState) process(in, out []float32, ir [][]complex128) {
	for i := range partitionSize {
		s.block[i] = complex(s.prev[i], 0)
		s.block[partitionSize+i] = complex(float64(in[i]), 0)
		s.prev[i] = float64(in[i])
	}
	fft(s.block, false)

	// rotate the spectrum history, reusing the oldest slot
	oldest := s.history[len(s.history)-1]
	copy(s.history[1:], s.history[:len(s.history)-1])
	if oldest == nil {
		oldest = make([]complex128, fftSize)
	}
	copy(oldest, s.block)
	s.history[0] = oldest

	clear(s.acc)
	for p, h := range ir {
		x := s.history[p]
		if x == nil {
			continue
		}
		for i := range s.acc {
			s.acc[i] += x[i] * h[i]
		}
	}
	fft(s.acc, true)
	for i := range partitionSize {
		out[i] = float32(real(s.acc[partitionSize+i]))
	}
}
