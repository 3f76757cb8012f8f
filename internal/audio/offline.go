package audio

import (
	"context"
	"fmt"

	"github.com/tphakala/audiograph/internal/errors"
)

// ContextOption configures a context
type ContextOption func(*contextConfig)

type contextConfig struct {
	sampleRate    float64
	channels      int
	latencyFrames int
	device        DeviceFactory
	loader        ModuleLoader
}

// WithSampleRate sets the realtime context sample rate.
func WithSampleRate(rate float64) ContextOption {
	return func(c *contextConfig) { c.sampleRate = rate }
}

// WithChannels sets the realtime destination channel count.
func WithChannels(n int) ContextOption {
	return func(c *contextConfig) { c.channels = n }
}

// WithLatencyFrames sets how far the render goroutine may run ahead of the device.
func WithLatencyFrames(n int) ContextOption {
	return func(c *contextConfig) { c.latencyFrames = n }
}

// WithDevice sets the device factory of a realtime context.
func WithDevice(f DeviceFactory) ContextOption {
	return func(c *contextConfig) { c.device = f }
}

// WithModuleLoader sets the loader used by AddModule.
func WithModuleLoader(l ModuleLoader) ContextOption {
	return func(c *contextConfig) { c.loader = l }
}

// OfflineContext renders as fast as possible into a buffer.
type OfflineContext struct {
	baseContext
	length int
}

// NewOfflineContext returns a context that renders length frames per Render call.
func NewOfflineContext(channels, length int, sampleRate float64, opts ...ContextOption) (*OfflineContext, error) {
	if channels < 1 || length < 1 || sampleRate <= 0 {
		return nil, errors.Newf("invalid offline context: %d channels, %d frames at %g Hz", channels, length, sampleRate).
			Component(ComponentAudio).
			Category(errors.CategoryValidation).
			Build()
	}
	cfg := contextConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	oc := &OfflineContext{length: length}
	oc.c = newCore(oc, sampleRate, channels, cfg.loader)
	oc.c.initDestination()
	return oc, nil
}

// Realtime reports false
func (oc *OfflineContext) Realtime() bool { return false }

// Length returns the number of frames rendered per Render call.
func (oc *OfflineContext) Length() int { return oc.length }

// Resume is not valid offline
func (oc *OfflineContext) Resume() error { return ErrNotRealtime }

// Suspend is not valid offline
func (oc *OfflineContext) Suspend() error { return ErrNotRealtime }

// Close marks the context closed. Closing twice is a no-op.
func (oc *OfflineContext) Close() error {
	oc.c.mu.Lock()
	defer oc.c.mu.Unlock()
	oc.c.state = StateClosed
	return nil
}

// Render renders the next Length frames and returns them. Calling it again
// continues from where the previous call ended.
func (oc *OfflineContext) Render(ctx context.Context) (*Buffer, error) {
	if _, err := oc.setState(StateRunning); err != nil {
		return nil, err
	}
	defer func() { _, _ = oc.setState(StateSuspended) }()

	out := NewBuffer(oc.c.channels, oc.length, oc.c.sampleRate)
	quantum := make(Bus, oc.c.channels)
	for i := range quantum {
		quantum[i] = make([]float32, RenderQuantum)
	}

	for pos := 0; pos < oc.length; pos += RenderQuantum {
		if err := ctx.Err(); err != nil {
			return nil, errors.New(fmt.Errorf("offline render interrupted at frame %d: %w", pos, err)).
				Component(ComponentAudio).
				Category(errors.CategoryCancellation).
				Build()
		}
		oc.c.renderQuantum(quantum)
		for ch := range quantum {
			copy(out.channels[ch][pos:], quantum[ch])
		}
	}
	return out, nil
}

var _ Context = (*OfflineContext)(nil)
