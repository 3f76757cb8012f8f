// Package audio is a small software audio engine: contexts that render a pull
// graph of processing units in fixed 128-frame quanta, automatable parameters,
// decoded buffers, and the devices that play realtime output.
//
// Units are built by embedding Base and calling Init with the unit itself as
// the Processor. Every public mutation (connect, disconnect, parameter write,
// Set) takes the context's render lock, so it is safe to call while a realtime
// context renders on its own goroutine.
package audio

import (
	"context"
	"fmt"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

// RenderQuantum is the number of frames processed per render call.
const RenderQuantum = 128

// ComponentAudio identifies audio engine errors
const ComponentAudio = "audio"

// Bus holds planar samples, channels by frames.
type Bus [][]float32

// Channels returns the channel count.
func (b Bus) Channels() int { return len(b) }

// Zero clears every sample.
func (b Bus) Zero() {
	for _, ch := range b {
		clear(ch)
	}
}

// State is the lifecycle state of a context
type State int

const (
	StateSuspended State = iota
	StateRunning
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ChannelCountMode selects how a unit computes the channel count of its inputs.
type ChannelCountMode int

const (
	// ModeMax uses the largest channel count among connected sources.
	ModeMax ChannelCountMode = iota
	// ModeClampedMax is ModeMax limited to ChannelCount.
	ModeClampedMax
	// ModeExplicit always uses ChannelCount.
	ModeExplicit
)

// ChannelInterpretation selects up/down-mixing rules.
type ChannelInterpretation int

const (
	// Speakers mixes mono and stereo layouts; other counts fall back to discrete.
	Speakers ChannelInterpretation = iota
	// Discrete copies matching channels and fills or drops the rest.
	Discrete
)

// Levels reports per-channel signal levels in linear amplitude.
type Levels struct {
	RMS  []float64 `json:"rms"`
	Peak []float64 `json:"peak"`
}

// Module is a loaded processor module. Its concrete type belongs to the loader.
type Module interface {
	URI() string
}

// ModuleLoader loads processor modules for AddModule.
type ModuleLoader interface {
	LoadModule(ctx context.Context, uri string) (Module, error)
}

// Unit is a processing unit living in one context.
type Unit interface {
	NumberOfInputs() int
	NumberOfOutputs() int
	// Connect routes output of this unit into input of dst.
	Connect(dst Unit, output, input int) error
	// ConnectParam routes output of this unit into p as modulation.
	ConnectParam(p *Param, output int) error
	Disconnect(dst Unit, output, input int) error
	DisconnectParam(p *Param, output int) error
	// DisconnectAll severs every outgoing and incoming connection.
	DisconnectAll()
	// Param returns the automatable parameter named name.
	Param(name string) (*Param, bool)
	// Set assigns a plain or buffer value.
	Set(name string, value any) error
	base() *Base
}

// Scheduled is implemented by timed sources that produce output only after Start.
type Scheduled interface {
	Start(when float64) error
	Stop(when float64) error
}

// Context is a processing context. OfflineContext and RealtimeContext are the
// implementations; the unexported method keeps it closed to this package.
type Context interface {
	SampleRate() float64
	// CurrentTime is the time in seconds of the next frame to be rendered.
	CurrentTime() float64
	State() State
	Realtime() bool
	// Destination is the context's single true output.
	Destination() Unit
	Resume() error
	Suspend() error
	Close() error
	AddModule(ctx context.Context, uri string) error
	Module(uri string) (Module, bool)
	Decode(data []byte) (*Buffer, error)
	core() *core
}

var (
	// ErrContextClosed is returned for operations on a closed context
	ErrContextClosed = errors.New(errors.NewStd("audio context is closed")).
				Component(ComponentAudio).
				Category(errors.CategoryState).
				Build()

	// ErrNotRealtime is returned by Resume and Suspend on an offline context
	ErrNotRealtime = errors.New(errors.NewStd("operation requires a realtime context")).
			Component(ComponentAudio).
			Category(errors.CategoryState).
			Build()

	// ErrWriteOnce is returned when a write-once value is assigned a second time
	ErrWriteOnce = errors.New(errors.NewStd("value can only be set once")).
			Component(ComponentAudio).
			Category(errors.CategoryState).
			Build()

	// ErrInvalidSlot is returned for an output, input or parameter slot out of range
	ErrInvalidSlot = errors.New(errors.NewStd("slot index out of range")).
			Component(ComponentAudio).
			Category(errors.CategoryValidation).
			Build()

	// ErrForeignUnit is returned when connecting units from different contexts
	ErrForeignUnit = errors.New(errors.NewStd("unit belongs to another context")).
			Component(ComponentAudio).
			Category(errors.CategoryValidation).
			Build()

	// ErrUnsupportedFormat is returned by Decode for unrecognized data
	ErrUnsupportedFormat = errors.New(errors.NewStd("unsupported audio format")).
				Component(ComponentAudio).
				Category(errors.CategoryFileParsing).
				Build()

	// ErrModuleNotLoaded is returned when a processor module was never added
	ErrModuleNotLoaded = errors.New(errors.NewStd("processor module not loaded")).
				Component(ComponentAudio).
				Category(errors.CategoryWorklet).
				Build()
)

// GetLogger returns the audio module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("audio")
}

// slotError wraps ErrInvalidSlot with what was addressed.
func slotError(format string, args ...any) error {
	return errors.New(fmt.Errorf("%w: "+format, append([]any{ErrInvalidSlot}, args...)...)).
		Component(ComponentAudio).
		Category(errors.CategoryValidation).
		Build()
}
