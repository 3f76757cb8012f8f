package audio

import (
	"fmt"
	"slices"
)

// Options describes the structure of a unit for Base.Init.
type Options struct {
	Inputs  int
	Outputs int
	// OutputChannels gives each output's initial channel count. Missing entries default to 1.
	OutputChannels        []int
	ChannelCount          int
	ChannelCountMode      ChannelCountMode
	ChannelInterpretation ChannelInterpretation
	Params                []ParamOptions
}

// Processor renders one quantum. Inputs are already mixed; Outputs are zeroed
// at their current channel count and may be resized with Quantum.Resize.
type Processor interface {
	Process(q *Quantum)
}

// Setter receives plain and buffer values from Base.Set. Units without
// non-automatable parameters need not implement it.
type Setter interface {
	SetValue(name string, value any) error
}

// Quantum is the render state handed to Processor.Process.
type Quantum struct {
	// Frame is the index of the first frame of the quantum.
	Frame      int64
	SampleRate float64
	Inputs     []Bus
	Outputs    []Bus
	// Connected reports per input whether any source feeds it.
	Connected []bool
	params    map[string][]float32
	base      *Base
}

// Time returns the time in seconds of frame i within the quantum.
func (q *Quantum) Time(i int) float64 {
	return float64(q.Frame+int64(i)) / q.SampleRate
}

// Param returns the per-frame values of the named parameter.
func (q *Quantum) Param(name string) []float32 {
	return q.params[name]
}

// ParamConstant reports whether the named parameter holds one value for the whole quantum.
func (q *Quantum) ParamConstant(name string) bool {
	p, ok := q.base.params[name]
	return ok && p.constant()
}

// Resize sets output's channel count and returns the zeroed bus.
func (q *Quantum) Resize(output, channels int) Bus {
	q.base.resizeOutput(output, channels)
	q.Outputs[output] = q.base.outputs[output]
	return q.Outputs[output]
}

type source struct {
	unit   *Base
	output int
}

type edgeKey struct {
	dst    *Base
	param  *Param
	output int
	input  int
}

// Base implements the connection bookkeeping, mixing and pull rendering shared by every unit.
type Base struct {
	c    *core
	proc Processor
	set  Setter

	numInputs    int
	channelCount int
	mode         ChannelCountMode
	interp       ChannelInterpretation

	inputs     [][]source
	inputBuses []Bus
	connected  []bool
	outputs    []Bus

	params     map[string]*Param
	paramOrder []*Param

	outgoing []edgeKey

	renderedFrame int64
	rendering     bool
	q             Quantum
}

// Init attaches b to ctx. proc is the unit embedding b; when it also
// implements Setter, Set routes plain and buffer values to it.
func (b *Base) Init(ctx Context, proc Processor, opts Options) {
	b.c = ctx.core()
	b.proc = proc
	if s, ok := proc.(Setter); ok {
		b.set = s
	}
	b.numInputs = opts.Inputs
	b.channelCount = max(opts.ChannelCount, 1)
	b.mode = opts.ChannelCountMode
	b.interp = opts.ChannelInterpretation

	b.inputs = make([][]source, opts.Inputs)
	b.inputBuses = make([]Bus, opts.Inputs)
	b.connected = make([]bool, opts.Inputs)
	b.outputs = make([]Bus, opts.Outputs)
	for i := range b.outputs {
		channels := 1
		if i < len(opts.OutputChannels) && opts.OutputChannels[i] > 0 {
			channels = opts.OutputChannels[i]
		}
		b.resizeOutput(i, channels)
	}

	b.params = make(map[string]*Param, len(opts.Params))
	for _, po := range opts.Params {
		p := newParam(b, po)
		b.params[po.Name] = p
		b.paramOrder = append(b.paramOrder, p)
	}
	b.renderedFrame = -1
	b.q = Quantum{
		SampleRate: b.c.sampleRate,
		Inputs:     b.inputBuses,
		Outputs:    make([]Bus, opts.Outputs),
		Connected:  b.connected,
		params:     make(map[string][]float32, len(opts.Params)),
		base:       b,
	}
}

func (b *Base) base() *Base { return b }

// Context returns the context the unit lives in.
func (b *Base) Context() Context { return b.c.owner }

// NumberOfInputs returns the input count
func (b *Base) NumberOfInputs() int { return b.numInputs }

// NumberOfOutputs returns the output count
func (b *Base) NumberOfOutputs() int { return len(b.outputs) }

// Param returns the automatable parameter named name.
func (b *Base) Param(name string) (*Param, bool) {
	p, ok := b.params[name]
	return p, ok
}

// Params returns the automatable parameters in declaration order.
func (b *Base) Params() []*Param {
	return slices.Clone(b.paramOrder)
}

// Set assigns a plain or buffer value through the unit's Setter under the render lock.
func (b *Base) Set(name string, value any) error {
	if b.set == nil {
		return fmt.Errorf("unit has no settable value %q", name)
	}
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return b.set.SetValue(name, value)
}

// Locked runs fn under the render lock, for units mutating render state outside Set.
func (b *Base) Locked(fn func()) {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	fn()
}

// Connect routes output of b into input of dst. Connecting twice is a no-op.
func (b *Base) Connect(dst Unit, output, input int) error {
	d := dst.base()
	if d.c != b.c {
		return ErrForeignUnit
	}
	if output < 0 || output >= len(b.outputs) {
		return slotError("output %d of %d", output, len(b.outputs))
	}
	if input < 0 || input >= d.numInputs {
		return slotError("input %d of %d", input, d.numInputs)
	}

	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	key := edgeKey{dst: d, output: output, input: input}
	if slices.Contains(b.outgoing, key) {
		return nil
	}
	b.outgoing = append(b.outgoing, key)
	d.inputs[input] = append(d.inputs[input], source{unit: b, output: output})
	return nil
}

// ConnectParam routes output of b into p.
func (b *Base) ConnectParam(p *Param, output int) error {
	if p.owner.c != b.c {
		return ErrForeignUnit
	}
	if output < 0 || output >= len(b.outputs) {
		return slotError("output %d of %d", output, len(b.outputs))
	}

	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	key := edgeKey{param: p, output: output}
	if slices.Contains(b.outgoing, key) {
		return nil
	}
	b.outgoing = append(b.outgoing, key)
	p.inputs = append(p.inputs, source{unit: b, output: output})
	return nil
}

// Disconnect removes the connection from output of b to input of dst, if present.
func (b *Base) Disconnect(dst Unit, output, input int) error {
	d := dst.base()
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	b.removeEdge(edgeKey{dst: d, output: output, input: input})
	return nil
}

// DisconnectParam removes the connection from output of b to p, if present.
func (b *Base) DisconnectParam(p *Param, output int) error {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	b.removeEdge(edgeKey{param: p, output: output})
	return nil
}

// DisconnectAll severs every connection leaving or entering b.
func (b *Base) DisconnectAll() {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()

	for _, key := range slices.Clone(b.outgoing) {
		b.removeEdge(key)
	}
	for input, sources := range b.inputs {
		for _, src := range slices.Clone(sources) {
			src.unit.removeEdge(edgeKey{dst: b, output: src.output, input: input})
		}
	}
	for _, p := range b.paramOrder {
		for _, src := range slices.Clone(p.inputs) {
			src.unit.removeEdge(edgeKey{param: p, output: src.output})
		}
	}
}

// Outgoing returns the number of connections leaving b.
func (b *Base) Outgoing() int {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return len(b.outgoing)
}

func (b *Base) removeEdge(key edgeKey) {
	i := slices.Index(b.outgoing, key)
	if i < 0 {
		return
	}
	b.outgoing = slices.Delete(b.outgoing, i, i+1)
	src := source{unit: b, output: key.output}
	if key.param != nil {
		if j := slices.Index(key.param.inputs, src); j >= 0 {
			key.param.inputs = slices.Delete(key.param.inputs, j, j+1)
		}
		return
	}
	in := key.dst.inputs[key.input]
	if j := slices.Index(in, src); j >= 0 {
		key.dst.inputs[key.input] = slices.Delete(in, j, j+1)
	}
}

func (b *Base) resizeOutput(output, channels int) {
	bus := b.outputs[output]
	if len(bus) == channels {
		bus.Zero()
		return
	}
	bus = make(Bus, channels)
	for i := range bus {
		bus[i] = make([]float32, RenderQuantum)
	}
	b.outputs[output] = bus
}

// pull renders b for the quantum at frame unless already rendered. A unit
// reached again while rendering (a cycle) contributes its previous output.
func (b *Base) pull(frame int64) {
	if b.renderedFrame == frame || b.rendering {
		return
	}
	b.rendering = true
	defer func() {
		b.rendering = false
		b.renderedFrame = frame
	}()

	for i, sources := range b.inputs {
		for _, src := range sources {
			src.unit.pull(frame)
		}
		b.inputBuses[i] = b.mixInput(i, sources)
		b.connected[i] = len(sources) > 0
	}
	for _, p := range b.paramOrder {
		b.q.params[p.name] = p.render(frame, b.c.sampleRate)
	}
	for i := range b.outputs {
		b.outputs[i].Zero()
		b.q.Outputs[i] = b.outputs[i]
	}
	b.q.Frame = frame
	b.proc.Process(&b.q)
}
