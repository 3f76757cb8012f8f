package audio

import (
	"sync"
	"time"
)

// DeviceConfig is handed to a DeviceFactory by a realtime context.
type DeviceConfig struct {
	SampleRate   float64
	Channels     int
	PeriodFrames int
	// Fill writes interleaved little-endian float32 frames into out. It is
	// called from the device's own thread and never blocks.
	Fill func(out []byte)
}

// Device plays the output of a realtime context.
type Device interface {
	Start() error
	Stop() error
	Close() error
}

// DeviceFactory opens a device for a realtime context.
type DeviceFactory func(cfg DeviceConfig) (Device, error)

// NullDevice consumes output at the realtime pace and discards it. It backs
// headless operation and tests.
type NullDevice struct {
	cfg    DeviceConfig
	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	frames int64
}

// NewNullDevice is a DeviceFactory.
func NewNullDevice(cfg DeviceConfig) (Device, error) {
	if cfg.PeriodFrames <= 0 {
		cfg.PeriodFrames = RenderQuantum
	}
	return &NullDevice{cfg: cfg}, nil
}

// Start begins pulling periods on a ticker. Starting twice is a no-op.
func (d *NullDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop != nil {
		return nil
	}
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	go d.run(d.stop, d.done)
	return nil
}

func (d *NullDevice) run(stop, done chan struct{}) {
	defer close(done)
	period := time.Duration(float64(d.cfg.PeriodFrames) / d.cfg.SampleRate * float64(time.Second))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	buf := make([]byte, d.cfg.PeriodFrames*d.cfg.Channels*4)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.cfg.Fill(buf)
			d.mu.Lock()
			d.frames += int64(d.cfg.PeriodFrames)
			d.mu.Unlock()
		}
	}
}

// Stop halts the pulling goroutine and waits for it.
func (d *NullDevice) Stop() error {
	d.mu.Lock()
	stop, done := d.stop, d.done
	d.stop, d.done = nil, nil
	d.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Close stops the device.
func (d *NullDevice) Close() error {
	return d.Stop()
}

// Frames returns the number of frames consumed so far.
func (d *NullDevice) Frames() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}
