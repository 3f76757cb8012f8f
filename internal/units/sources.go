package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// ErrAlreadyStarted is returned when a source is started twice
var ErrAlreadyStarted = errors.New(errors.NewStd("source already started")).
	Component(componentUnits).
	Category(errors.CategoryState).
	Build()

// schedule tracks the start and stop times of a timed source. Its fields are
// guarded by the render lock.
type schedule struct {
	started bool
	start   float64
	stop    float64
}

func (s *schedule) begin(when float64) error {
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	s.start = max(when, 0)
	s.stop = math.Inf(1)
	return nil
}

func (s *schedule) end(when float64) error {
	if !s.started {
		return errors.Newf("source stopped before it was started").
			Component(componentUnits).
			Category(errors.CategoryState).
			Build()
	}
	s.stop = max(when, s.start)
	return nil
}

// playing reports whether frame i of q falls inside the scheduled window.
func (s *schedule) playing(q *audio.Quantum, i int) bool {
	if !s.started {
		return false
	}
	t := q.Time(i)
	return t >= s.start && t < s.stop
}

// Oscillator generates a periodic waveform.
type Oscillator struct {
	audio.Base
	sched    schedule
	waveform string
	phase    float64
}

var oscillatorDescription = nodetype.Description{
	NumberOfInputs:     0,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "frequency", Kind: nodetype.Automatable, Default: 440.0, Min: nodetype.Bound(-24000), Max: nodetype.Bound(24000)},
		{Name: "detune", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "type", Kind: nodetype.Plain, Default: "sine"},
	},
}

var waveforms = []string{"sine", "square", "sawtooth", "triangle"}

// NewOscillator is the OscillatorNode constructor.
func NewOscillator(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	o := &Oscillator{waveform: "sine"}
	if err := initUnit(ctx, &o.Base, o, oscillatorDescription, params); err != nil {
		return nil, err
	}
	return o, nil
}

// SetValue implements audio.Setter.
func (o *Oscillator) SetValue(name string, v any) error {
	if name != "type" {
		return unknownValue(name)
	}
	w, err := asString(name, v, waveforms...)
	if err != nil {
		return err
	}
	o.waveform = w
	return nil
}

// Start schedules output to begin at when.
func (o *Oscillator) Start(when float64) (err error) {
	o.Locked(func() { err = o.sched.begin(when) })
	return err
}

// Stop schedules output to end at when.
func (o *Oscillator) Stop(when float64) (err error) {
	o.Locked(func() { err = o.sched.end(when) })
	return err
}

func (o *Oscillator) Process(q *audio.Quantum) {
	out := q.Outputs[0][0]
	freq := q.Param("frequency")
	detune := q.Param("detune")
	nyquist := q.SampleRate / 2
	for i := range out {
		if !o.sched.playing(q, i) {
			continue
		}
		f := float64(freq[i])
		if detune[i] != 0 {
			f *= math.Exp2(float64(detune[i]) / 1200)
		}
		if math.Abs(f) >= nyquist {
			f = 0
		}
		dt := f / q.SampleRate
		out[i] = float32(oscillate(o.waveform, o.phase, math.Abs(dt)))
		o.phase += dt
		o.phase -= math.Floor(o.phase)
	}
}

func oscillate(waveform string, phase, dt float64) float64 {
	switch waveform {
	case "square":
		v := -1.0
		if phase < 0.5 {
			v = 1
		}
		v += polyBLEP(phase, dt)
		v -= polyBLEP(math.Mod(phase+0.5, 1), dt)
		return v
	case "sawtooth":
		return 2*phase - 1 - polyBLEP(math.Mod(phase+0.5, 1), dt)
	case "triangle":
		return 1 - 4*math.Abs(math.Round(phase-0.25)-(phase-0.25))
	default:
		return math.Sin(2 * math.Pi * phase)
	}
}

// polyBLEP smooths the discontinuity at phase 0 of a naive waveform.
func polyBLEP(t, dt float64) float64 {
	if dt <= 0 {
		return 0
	}
	switch {
	case t < dt:
		t /= dt
		return t + t - t*t - 1
	case t > 1-dt:
		t = (t - 1) / dt
		return t*t + t + t + 1
	default:
		return 0
	}
}

// ConstantSource outputs its offset parameter.
type ConstantSource struct {
	audio.Base
	sched schedule
}

var constantSourceDescription = nodetype.Description{
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "offset", Kind: nodetype.Automatable, Default: 1.0},
	},
}

// NewConstantSource is the ConstantSourceNode constructor.
func NewConstantSource(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	c := &ConstantSource{}
	if err := initUnit(ctx, &c.Base, c, constantSourceDescription, params); err != nil {
		return nil, err
	}
	return c, nil
}

// Start schedules output to begin at when.
func (c *ConstantSource) Start(when float64) (err error) {
	c.Locked(func() { err = c.sched.begin(when) })
	return err
}

// Stop schedules output to end at when.
func (c *ConstantSource) Stop(when float64) (err error) {
	c.Locked(func() { err = c.sched.end(when) })
	return err
}

func (c *ConstantSource) Process(q *audio.Quantum) {
	out := q.Outputs[0][0]
	offset := q.Param("offset")
	for i := range out {
		if c.sched.playing(q, i) {
			out[i] = offset[i]
		}
	}
}

// BufferSource plays a decoded buffer, optionally looping.
type BufferSource struct {
	audio.Base
	sched     schedule
	buffer    *audio.Buffer
	bufferSet bool
	loop      bool
	loopStart float64
	loopEnd   float64
	position  float64
	ended     bool
}

var bufferSourceDescription = nodetype.Description{
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "buffer", Kind: nodetype.Buffer, Default: nil, WriteOnce: true},
		{Name: "loop", Kind: nodetype.Plain, Default: false},
		{Name: "loopStart", Kind: nodetype.Plain, Default: 0.0},
		{Name: "loopEnd", Kind: nodetype.Plain, Default: 0.0},
		{Name: "detune", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "playbackRate", Kind: nodetype.Automatable, Default: 1.0},
	},
}

// NewBufferSource is the AudioBufferSourceNode constructor.
func NewBufferSource(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	b := &BufferSource{}
	if err := initUnit(ctx, &b.Base, b, bufferSourceDescription, params); err != nil {
		return nil, err
	}
	return b, nil
}

// SetValue implements audio.Setter. The buffer may be assigned once with a
// non-nil value; later assignments fail with audio.ErrWriteOnce.
func (b *BufferSource) SetValue(name string, v any) error {
	switch name {
	case "buffer":
		buf, err := asBuffer(name, v)
		if err != nil {
			return err
		}
		if buf == nil {
			return nil
		}
		if b.bufferSet {
			return audio.ErrWriteOnce
		}
		b.buffer, b.bufferSet = buf, true
		return nil
	case "loop":
		loop, err := asBool(name, v)
		b.loop = loop
		return err
	case "loopStart":
		f, err := asFloat(name, v)
		b.loopStart = f
		return err
	case "loopEnd":
		f, err := asFloat(name, v)
		b.loopEnd = f
		return err
	default:
		return unknownValue(name)
	}
}

// Buffer returns the assigned buffer, or nil.
func (b *BufferSource) Buffer() (buf *audio.Buffer) {
	b.Locked(func() { buf = b.buffer })
	return buf
}

// Ended reports whether a non-looping buffer has played to its end.
func (b *BufferSource) Ended() (ended bool) {
	b.Locked(func() { ended = b.ended })
	return ended
}

// Start schedules playback to begin at when.
func (b *BufferSource) Start(when float64) (err error) {
	b.Locked(func() { err = b.sched.begin(when) })
	return err
}

// Stop schedules playback to end at when.
func (b *BufferSource) Stop(when float64) (err error) {
	b.Locked(func() { err = b.sched.end(when) })
	return err
}

func (b *BufferSource) Process(q *audio.Quantum) {
	if b.buffer == nil || b.ended || b.buffer.Length() == 0 {
		return
	}
	out := q.Resize(0, b.buffer.NumberOfChannels())
	length := float64(b.buffer.Length())
	bufRate := b.buffer.SampleRate()

	// playbackRate and detune are evaluated once per quantum
	rate := float64(q.Param("playbackRate")[0]) * math.Exp2(float64(q.Param("detune")[0])/1200)
	step := rate * bufRate / q.SampleRate

	loopStart, loopEnd := 0.0, length
	if b.loop && b.loopEnd > b.loopStart && b.loopStart >= 0 {
		loopStart = math.Min(b.loopStart*bufRate, length)
		loopEnd = math.Min(b.loopEnd*bufRate, length)
		if loopEnd <= loopStart {
			loopStart, loopEnd = 0, length
		}
	}

	for i := range audio.RenderQuantum {
		if !b.sched.playing(q, i) {
			continue
		}
		if b.loop {
			span := loopEnd - loopStart
			if span > 0 && b.position >= loopEnd {
				b.position = loopStart + math.Mod(b.position-loopStart, span)
			} else if span > 0 && b.position < 0 {
				b.position = loopEnd - math.Mod(-b.position, span)
			}
		} else if b.position >= length || b.position < 0 {
			b.ended = true
			return
		}

		j := int(b.position)
		frac := float32(b.position - float64(j))
		for ch := range out {
			data := b.buffer.Channel(ch)
			s := data[j]
			if j+1 < len(data) {
				s += (data[j+1] - s) * frac
			}
			out[ch][i] = s
		}
		b.position += step
	}
}

var (
	_ audio.Scheduled = (*Oscillator)(nil)
	_ audio.Scheduled = (*ConstantSource)(nil)
	_ audio.Scheduled = (*BufferSource)(nil)
)
