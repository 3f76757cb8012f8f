package audio

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"

	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

const (
	defaultSampleRate    = 44100
	defaultChannels      = 2
	defaultLatencyFrames = 4096
)

// RealtimeContext renders on its own goroutine into a ring buffer that the
// device callback drains. It starts suspended.
type RealtimeContext struct {
	baseContext

	device     Device
	ring       *ringbuffer.RingBuffer
	frameBytes int

	lifeMu    sync.Mutex
	wake      chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	running   atomic.Bool
	underruns atomic.Uint64
}

// NewRealtimeContext opens the device and starts the render goroutine.
func NewRealtimeContext(opts ...ContextOption) (*RealtimeContext, error) {
	cfg := contextConfig{
		sampleRate:    defaultSampleRate,
		channels:      defaultChannels,
		latencyFrames: defaultLatencyFrames,
		device:        NewNullDevice,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.latencyFrames < RenderQuantum {
		cfg.latencyFrames = RenderQuantum
	}

	rc := &RealtimeContext{
		frameBytes: cfg.channels * 4,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	rc.c = newCore(rc, cfg.sampleRate, cfg.channels, cfg.loader)
	rc.c.initDestination()
	rc.ring = ringbuffer.New(cfg.latencyFrames * rc.frameBytes)

	device, err := cfg.device(DeviceConfig{
		SampleRate:   cfg.sampleRate,
		Channels:     cfg.channels,
		PeriodFrames: min(cfg.latencyFrames/2, 1024),
		Fill:         rc.fill,
	})
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentAudio).
			Category(errors.CategoryAudioDevice).
			Context("operation", "open_device").
			Build()
	}
	rc.device = device

	rc.wg.Add(1)
	go rc.renderLoop()
	return rc, nil
}

// Realtime reports true
func (rc *RealtimeContext) Realtime() bool { return true }

// Resume starts the device and rendering.
func (rc *RealtimeContext) Resume() error {
	rc.lifeMu.Lock()
	defer rc.lifeMu.Unlock()

	changed, err := rc.setState(StateRunning)
	if err != nil || !changed {
		return err
	}
	rc.running.Store(true)
	rc.signal()
	if err := rc.device.Start(); err != nil {
		_, _ = rc.setState(StateSuspended)
		rc.running.Store(false)
		return errors.New(err).
			Component(ComponentAudio).
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Build()
	}
	rc.c.log.Debug("realtime context resumed")
	return nil
}

// Suspend stops the device. Rendering pauses, so CurrentTime stops advancing.
func (rc *RealtimeContext) Suspend() error {
	rc.lifeMu.Lock()
	defer rc.lifeMu.Unlock()

	changed, err := rc.setState(StateSuspended)
	if err != nil || !changed {
		return err
	}
	rc.running.Store(false)
	if err := rc.device.Stop(); err != nil {
		return errors.New(err).
			Component(ComponentAudio).
			Category(errors.CategoryAudioDevice).
			Context("operation", "stop_device").
			Build()
	}
	rc.c.log.Debug("realtime context suspended")
	return nil
}

// Close stops rendering and releases the device. Closing twice is a no-op.
func (rc *RealtimeContext) Close() error {
	var err error
	rc.closeOnce.Do(func() {
		rc.lifeMu.Lock()
		defer rc.lifeMu.Unlock()

		rc.c.mu.Lock()
		rc.c.state = StateClosed
		rc.c.mu.Unlock()
		rc.running.Store(false)

		close(rc.done)
		rc.wg.Wait()
		if cerr := rc.device.Close(); cerr != nil {
			err = errors.New(cerr).
				Component(ComponentAudio).
				Category(errors.CategoryAudioDevice).
				Context("operation", "close_device").
				Build()
		}
		rc.c.log.Debug("realtime context closed", logger.Uint64("underruns", rc.underruns.Load()))
	})
	return err
}

// Underruns counts device periods that found the ring buffer short.
func (rc *RealtimeContext) Underruns() uint64 {
	return rc.underruns.Load()
}

func (rc *RealtimeContext) signal() {
	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

// renderLoop keeps the ring buffer topped up while running.
func (rc *RealtimeContext) renderLoop() {
	defer rc.wg.Done()

	quantumBytes := RenderQuantum * rc.frameBytes
	quantum := make(Bus, rc.c.channels)
	for i := range quantum {
		quantum[i] = make([]float32, RenderQuantum)
	}
	scratch := make([]byte, quantumBytes)
	period := time.Duration(float64(RenderQuantum) / rc.c.sampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		for rc.running.Load() && rc.ring.Free() >= quantumBytes {
			rc.c.renderQuantum(quantum)
			interleave(scratch, quantum)
			if _, err := rc.ring.Write(scratch); err != nil {
				rc.c.log.Warn("render queue write failed", logger.Error(err))
				break
			}
		}
		select {
		case <-rc.done:
			return
		case <-rc.wake:
		case <-ticker.C:
		}
	}
}

// fill is the device callback. Missing frames play as silence.
func (rc *RealtimeContext) fill(out []byte) {
	n, _ := rc.ring.Read(out)
	if n < len(out) {
		clear(out[n:])
		if rc.running.Load() {
			rc.underruns.Add(1)
		}
	}
	rc.signal()
}

func interleave(dst []byte, bus Bus) {
	channels := len(bus)
	for i := range RenderQuantum {
		for ch := range channels {
			off := (i*channels + ch) * 4
			binary.LittleEndian.PutUint32(dst[off:], math.Float32bits(bus[ch][i]))
		}
	}
}

var _ Context = (*RealtimeContext)(nil)
