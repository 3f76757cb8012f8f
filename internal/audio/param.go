package audio

import (
	"math"
	"slices"
)

// ParamOptions declares an automatable parameter of a unit.
type ParamOptions struct {
	Name    string
	Default float64
	Min     *float64
	Max     *float64
}

type targetEvent struct {
	start  float64
	target float64
	tc     float64
	v0     float64
}

// Param is an automatable, a-rate parameter. Its rendered value is the
// intrinsic value (set or automated) plus the sum of connected modulation.
type Param struct {
	name   string
	owner  *Base
	def    float64
	min    float64
	max    float64
	value  float64
	events []targetEvent

	inputs []source
	values []float32
}

func newParam(owner *Base, opts ParamOptions) *Param {
	p := &Param{
		name:   opts.Name,
		owner:  owner,
		def:    opts.Default,
		min:    math.Inf(-1),
		max:    math.Inf(1),
		values: make([]float32, RenderQuantum),
	}
	if opts.Min != nil {
		p.min = *opts.Min
	}
	if opts.Max != nil {
		p.max = *opts.Max
	}
	p.value = p.clamp(opts.Default)
	return p
}

// Name returns the parameter name.
func (p *Param) Name() string { return p.name }

// Default returns the declared default.
func (p *Param) Default() float64 { return p.def }

// Value returns the intrinsic value at the context's current time.
func (p *Param) Value() float64 {
	c := p.owner.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.valueAt(c.time())
}

// ValueAt returns the intrinsic value at time t in seconds.
func (p *Param) ValueAt(t float64) float64 {
	c := p.owner.c
	c.mu.Lock()
	defer c.mu.Unlock()
	return p.valueAt(t)
}

// SetValue snaps the intrinsic value and cancels pending automation.
func (p *Param) SetValue(v float64) {
	c := p.owner.c
	c.mu.Lock()
	defer c.mu.Unlock()
	p.value = p.clamp(v)
	p.events = p.events[:0]
}

// SetTargetAtTime approaches target exponentially from start with time
// constant tc seconds. Automation scheduled at or after start is replaced.
func (p *Param) SetTargetAtTime(target, start, tc float64) {
	c := p.owner.c
	c.mu.Lock()
	defer c.mu.Unlock()

	v0 := p.valueAt(start)
	p.events = slices.DeleteFunc(p.events, func(e targetEvent) bool { return e.start >= start })

	// Only the latest event already under way matters for earlier times.
	now := c.time()
	for len(p.events) > 1 && p.events[1].start <= now {
		p.events = p.events[1:]
	}
	p.events = append(p.events, targetEvent{start: start, target: p.clamp(target), tc: tc, v0: v0})
}

func (p *Param) valueAt(t float64) float64 {
	for i := len(p.events) - 1; i >= 0; i-- {
		e := p.events[i]
		if t < e.start {
			continue
		}
		if e.tc <= 0 {
			return e.target
		}
		return p.clamp(e.target + (e.v0-e.target)*math.Exp(-(t-e.start)/e.tc))
	}
	return p.value
}

func (p *Param) clamp(v float64) float64 {
	return math.Max(p.min, math.Min(p.max, v))
}

// render fills p.values for the quantum starting at frame. Caller holds the render lock.
func (p *Param) render(frame int64, sampleRate float64) []float32 {
	if len(p.events) == 0 {
		v := float32(p.value)
		for i := range p.values {
			p.values[i] = v
		}
	} else {
		for i := range p.values {
			p.values[i] = float32(p.valueAt(float64(frame+int64(i)) / sampleRate))
		}
	}

	for _, src := range p.inputs {
		src.unit.pull(frame)
		bus := src.unit.outputs[src.output]
		if len(bus) == 0 {
			continue
		}
		// modulation is mixed down to mono
		scale := float32(1) / float32(len(bus))
		for _, ch := range bus {
			for i, s := range ch {
				p.values[i] += s * scale
			}
		}
	}

	if !math.IsInf(p.min, -1) || !math.IsInf(p.max, 1) {
		lo, hi := float32(p.min), float32(p.max)
		for i, v := range p.values {
			p.values[i] = min(hi, max(lo, v))
		}
	}
	return p.values
}

// constant reports whether the parameter renders a single value for the whole
// quantum, which lets units skip per-sample coefficient work.
func (p *Param) constant() bool {
	return len(p.events) == 0 && len(p.inputs) == 0
}
