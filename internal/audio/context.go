package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

// core is the render state shared by a context and every unit in it. mu is
// the render lock.
type core struct {
	mu         sync.Mutex
	owner      Context
	sampleRate float64
	channels   int
	frame      int64
	state      State
	dest       *destination

	modMu   sync.RWMutex
	modules map[string]Module
	loader  ModuleLoader

	log logger.Logger
}

// destination is the context's true output. It mixes its input to the
// context channel count and is pulled once per quantum.
type destination struct {
	Base
}

func (d *destination) Process(*Quantum) {}

func newCore(owner Context, sampleRate float64, channels int, loader ModuleLoader) *core {
	c := &core{
		owner:      owner,
		sampleRate: sampleRate,
		channels:   channels,
		modules:    map[string]Module{},
		loader:     loader,
		log:        GetLogger(),
	}
	return c
}

// initDestination must run after owner.core() returns c.
func (c *core) initDestination() {
	d := &destination{}
	d.Init(c.owner, d, Options{
		Inputs:                1,
		ChannelCount:          c.channels,
		ChannelCountMode:      ModeExplicit,
		ChannelInterpretation: Speakers,
	})
	c.dest = d
}

// time returns the current time in seconds. Caller holds mu.
func (c *core) time() float64 {
	return float64(c.frame) / c.sampleRate
}

// renderQuantum pulls the graph for one quantum and copies the destination
// input into out, which must have the context channel count.
func (c *core) renderQuantum(out Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dest.pull(c.frame)
	in := c.dest.inputBuses[0]
	for ch := range out {
		copy(out[ch], in[ch])
	}
	c.frame += RenderQuantum
}

// baseContext implements the parts of Context common to offline and realtime contexts.
type baseContext struct {
	c *core
}

func (b *baseContext) core() *core { return b.c }

// SampleRate returns the context sample rate in Hz
func (b *baseContext) SampleRate() float64 { return b.c.sampleRate }

// Channels returns the destination channel count
func (b *baseContext) Channels() int { return b.c.channels }

// CurrentTime returns the time of the next frame to be rendered.
func (b *baseContext) CurrentTime() float64 {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return b.c.time()
}

// State returns the lifecycle state.
func (b *baseContext) State() State {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	return b.c.state
}

// Destination returns the true output unit.
func (b *baseContext) Destination() Unit { return b.c.dest }

// AddModule loads the processor module at uri through the context's loader.
// Loading an already loaded uri is a no-op.
func (b *baseContext) AddModule(ctx context.Context, uri string) error {
	if b.State() == StateClosed {
		return ErrContextClosed
	}
	if _, ok := b.Module(uri); ok {
		return nil
	}
	if b.c.loader == nil {
		return errors.New(fmt.Errorf("%w: no module loader for %s", ErrModuleNotLoaded, uri)).
			Component(ComponentAudio).
			Category(errors.CategoryWorklet).
			Build()
	}

	m, err := b.c.loader.LoadModule(ctx, uri)
	if err != nil {
		return errors.New(fmt.Errorf("loading processor module %s: %w", uri, err)).
			Component(ComponentAudio).
			Category(errors.CategoryWorklet).
			Context("module", uri).
			Build()
	}

	b.c.modMu.Lock()
	b.c.modules[uri] = m
	b.c.modMu.Unlock()
	b.c.log.Debug("processor module loaded", logger.String("module", uri))
	return nil
}

// Module returns a loaded module.
func (b *baseContext) Module(uri string) (Module, bool) {
	b.c.modMu.RLock()
	defer b.c.modMu.RUnlock()
	m, ok := b.c.modules[uri]
	return m, ok
}

// Decode decodes WAV or FLAC data and resamples it to the context rate.
func (b *baseContext) Decode(data []byte) (*Buffer, error) {
	return DecodeAudioData(data, b.c.sampleRate)
}

// setState moves to s unless the context is closed. It reports whether the state changed.
func (b *baseContext) setState(s State) (bool, error) {
	b.c.mu.Lock()
	defer b.c.mu.Unlock()
	if b.c.state == StateClosed {
		return false, ErrContextClosed
	}
	if b.c.state == s {
		return false, nil
	}
	b.c.state = s
	return true, nil
}
