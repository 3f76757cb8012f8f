package malgo

import (
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/logger"
)

// Config selects the backend and device for playback
type Config struct {
	Backend    string
	DeviceName string
}

// Device is an audio.Device backed by a miniaudio playback device
type Device struct {
	mu      sync.Mutex
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	started bool
	log     logger.Logger
}

// Factory returns an audio.DeviceFactory opening cfg's device.
func Factory(cfg Config) audio.DeviceFactory {
	return func(dc audio.DeviceConfig) (audio.Device, error) {
		return Open(cfg, dc)
	}
}

// Open initializes a float32 playback device that pulls from dc.Fill.
func Open(cfg Config, dc audio.DeviceConfig) (*Device, error) {
	backend, err := backendFor(cfg.Backend)
	if err != nil {
		return nil, err
	}
	log := logger.Global().Module("audio.malgo")

	mctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", logger.String("message", message))
	})
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Build()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(dc.Channels)
	deviceConfig.SampleRate = uint32(dc.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(dc.PeriodFrames)
	deviceConfig.Alsa.NoMMap = 1

	if cfg.DeviceName != "" {
		infos, err := mctx.Devices(malgo.Playback)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, errors.New(err).
				Component(componentMalgo).
				Category(errors.CategoryAudioDevice).
				Context("operation", "enumerate_devices").
				Build()
		}
		info, err := selectDevice(infos, cfg.DeviceName)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		deviceConfig.Playback.DeviceID = info.ID.Pointer()
	}

	fill := dc.Fill
	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			fill(output)
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("device_name", cfg.DeviceName).
			Context("operation", "init_device").
			Build()
	}

	log.Info("playback device opened",
		logger.String("device", cfg.DeviceName),
		logger.Int("channels", dc.Channels),
		logger.Float64("sample_rate", dc.SampleRate))
	return &Device{ctx: mctx, device: device, log: log}, nil
}

// Start begins playback.
func (d *Device) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil || d.started {
		return nil
	}
	if err := d.device.Start(); err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "start_device").
			Build()
	}
	d.started = true
	return nil
}

// Stop pauses playback.
func (d *Device) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil || !d.started {
		return nil
	}
	d.started = false
	if err := d.device.Stop(); err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "stop_device").
			Build()
	}
	return nil
}

// Close releases the device and its context.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.device == nil {
		return nil
	}
	if d.started {
		_ = d.device.Stop()
		d.started = false
	}
	d.device.Uninit()
	d.device = nil
	err := d.ctx.Uninit()
	d.ctx.Free()
	d.ctx = nil
	if err != nil {
		return errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "uninit_context").
			Build()
	}
	return nil
}

var _ audio.Device = (*Device)(nil)
