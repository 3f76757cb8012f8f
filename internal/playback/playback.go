// Package playback implements the play/pause/stop/close state machine that
// governs when the engine's output is audible. Transitions ramp the master
// gain to avoid clicks and suspend the output only after a debounce delay,
// so a quick pause followed by play never suspends mid-ramp.
package playback

import (
	"time"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/observability/metrics"
)

const componentPlayback = "playback"

// Defaults for Config.
const (
	DefaultRampTimeConstant = 5 * time.Millisecond
	DefaultSuspendDelay     = 300 * time.Millisecond
	// DefaultFloor is the near-silent gain paused output ramps to. Exponential
	// approach never reaches an exact zero target cleanly.
	DefaultFloor = 1e-44
)

// ErrOfflineContext is returned by Play, Pause and Stop when the output does
// not run in real time.
var ErrOfflineContext = errors.New(errors.NewStd("playback control requires a realtime context")).
	Component(componentPlayback).
	Category(errors.CategoryState).
	Build()

// GetLogger returns the playback module logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("playback")
}

// State is the controller state.
type State int

const (
	Stopped State = iota
	Playing
	// Pausing is the debounce window between the ramp down and the suspend.
	Pausing
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Playing:
		return "playing"
	case Pausing:
		return "pausing"
	default:
		return "unknown"
	}
}

// Output is the part of an audio context the controller drives.
type Output interface {
	CurrentTime() float64
	Resume() error
	Suspend() error
	Realtime() bool
}

var _ Output = (audio.Context)(nil)

// Config tunes a Controller. Zero values take the defaults.
type Config struct {
	RampTimeConstant time.Duration
	SuspendDelay     time.Duration
	Floor            float64
	// Dispatch runs timer callbacks. The engine passes a function that takes
	// its mutex, so callbacks are serialized with every other operation.
	// Without it callbacks run on the timer goroutine.
	Dispatch func(func())
	// OnStateChange is called after every transition.
	OnStateChange func(State)
	Logger        logger.Logger
	Recorder      metrics.Recorder
}

// Controller drives the master gain and the output's suspend state. It is
// not safe for concurrent use; callers serialize it the same way they
// serialize Dispatch.
type Controller struct {
	cfg    Config
	log    logger.Logger
	rec    metrics.Recorder
	out    Output
	gain   *audio.Param
	state  State
	timer  *time.Timer
	gen    uint64
	closed bool
}

// New returns a stopped controller for out. gain is the master gain the ramps act on.
func New(out Output, gain *audio.Param, cfg Config) *Controller {
	if cfg.RampTimeConstant <= 0 {
		cfg.RampTimeConstant = DefaultRampTimeConstant
	}
	if cfg.SuspendDelay <= 0 {
		cfg.SuspendDelay = DefaultSuspendDelay
	}
	if cfg.Floor <= 0 {
		cfg.Floor = DefaultFloor
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(fn func()) { fn() }
	}
	c := &Controller{
		cfg:  cfg,
		log:  cfg.Logger,
		rec:  cfg.Recorder,
		out:  out,
		gain: gain,
	}
	if c.log == nil {
		c.log = GetLogger()
	}
	if c.rec == nil {
		c.rec = metrics.NoOpRecorder{}
	}
	return c
}

// Attach points the controller at a replacement output and gain after a
// context swap. The state is left as it is.
func (c *Controller) Attach(out Output, gain *audio.Param) {
	c.out = out
	c.gain = gain
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Playing reports whether the output is audible or ramping up.
func (c *Controller) Playing() bool { return c.state == Playing }

// Play snaps the gain to the floor, resumes the output and ramps the gain to
// unity. A pending suspend is cancelled.
func (c *Controller) Play() error {
	if err := c.check(metrics.OpPlay); err != nil {
		return err
	}
	c.cancel()

	start := c.out.CurrentTime()
	c.gain.SetValue(c.cfg.Floor)
	if err := c.out.Resume(); err != nil {
		c.rec.RecordOperation(metrics.OpPlay, metrics.StatusError)
		c.rec.RecordError(metrics.OpPlay, string(errors.CategoryAudioDevice))
		return errors.New(err).
			Component(componentPlayback).
			Category(errors.CategoryAudioDevice).
			Context("operation", "resume").
			Build()
	}
	c.gain.SetTargetAtTime(1, start, c.cfg.RampTimeConstant.Seconds())
	c.transition(Playing)
	c.rec.RecordOperation(metrics.OpPlay, metrics.StatusSuccess)
	return nil
}

// Pause ramps the gain to the floor and suspends the output once the
// debounce delay has passed.
func (c *Controller) Pause() error {
	if err := c.check(metrics.OpPause); err != nil {
		return err
	}
	c.rampDown(nil)
	c.rec.RecordOperation(metrics.OpPause, metrics.StatusSuccess)
	return nil
}

// Stop behaves like Pause and then calls after, still inside the dispatched
// callback. The engine uses after to swap in a fresh context.
func (c *Controller) Stop(after func()) error {
	if err := c.check(metrics.OpStop); err != nil {
		return err
	}
	c.rampDown(after)
	c.rec.RecordOperation(metrics.OpStop, metrics.StatusSuccess)
	return nil
}

// Close cancels any pending suspend and leaves the controller stopped for
// good. Closing twice is a no-op.
func (c *Controller) Close() {
	if c.closed {
		return
	}
	c.cancel()
	c.closed = true
	c.transition(Stopped)
}

// Closed reports whether Close has been called.
func (c *Controller) Closed() bool { return c.closed }

func (c *Controller) check(op string) error {
	if c.closed {
		return errors.Newf("playback controller is closed").
			Component(componentPlayback).
			Category(errors.CategoryState).
			Context("operation", op).
			Build()
	}
	if !c.out.Realtime() {
		c.rec.RecordOperation(op, metrics.StatusError)
		c.rec.RecordError(op, string(errors.CategoryState))
		return ErrOfflineContext
	}
	return nil
}

func (c *Controller) rampDown(after func()) {
	c.cancel()
	c.gain.SetTargetAtTime(c.cfg.Floor, c.out.CurrentTime(), c.cfg.RampTimeConstant.Seconds())
	c.transition(Pausing)

	gen := c.gen
	c.timer = time.AfterFunc(c.cfg.SuspendDelay, func() {
		c.cfg.Dispatch(func() {
			if gen != c.gen || c.closed {
				return
			}
			c.timer = nil
			c.suspend()
			if after != nil {
				after()
			}
		})
	})
}

// suspend finishes a ramp down. The gain is left exactly at the floor.
func (c *Controller) suspend() {
	c.gain.SetValue(c.cfg.Floor)
	if err := c.out.Suspend(); err != nil {
		c.log.Warn("suspending output failed", logger.Error(err))
	}
	c.transition(Stopped)
}

// cancel invalidates the pending timer. A callback already waiting in
// Dispatch sees the new generation and does nothing.
func (c *Controller) cancel() {
	c.gen++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Controller) transition(s State) {
	if c.state == s {
		return
	}
	c.log.Info("playback state changed",
		logger.String("from", c.state.String()),
		logger.String("to", s.String()))
	c.state = s
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}
