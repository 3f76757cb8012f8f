// Package malgo plays realtime context output through miniaudio.
package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/tphakala/audiograph/internal/errors"
)

const componentMalgo = "audio.malgo"

// DeviceInfo describes a playback device
type DeviceInfo struct {
	Index   int    `json:"index"`
	Name    string `json:"name"`
	ID      string `json:"id"`
	Default bool   `json:"default"`
}

// backendFor maps a configured backend name to a malgo backend. An empty name
// picks the platform default.
func backendFor(name string) (malgo.Backend, error) {
	switch strings.ToLower(name) {
	case "":
		return platformBackend()
	case "alsa":
		return malgo.BackendAlsa, nil
	case "pulse", "pulseaudio":
		return malgo.BackendPulseaudio, nil
	case "wasapi":
		return malgo.BackendWasapi, nil
	case "coreaudio":
		return malgo.BackendCoreaudio, nil
	case "null":
		return malgo.BackendNull, nil
	default:
		return malgo.BackendNull, errors.Newf("unknown audio backend %q", name).
			Component(componentMalgo).
			Category(errors.CategoryConfiguration).
			Build()
	}
}

func platformBackend() (malgo.Backend, error) {
	switch runtime.GOOS {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("no audio backend for %s", runtime.GOOS).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("os", runtime.GOOS).
			Build()
	}
}

// EnumerateDevices lists playback devices for backend.
func EnumerateDevices(backend string) ([]DeviceInfo, error) {
	b, err := backendFor(backend)
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{b}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Build()
	}
	defer func() {
		_ = ctx.Uninit()
		ctx.Free()
	}()

	infos, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return nil, errors.New(err).
			Component(componentMalgo).
			Category(errors.CategoryAudioDevice).
			Context("operation", "enumerate_devices").
			Build()
	}

	devices := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		id, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			id = infos[i].ID.String()
		}
		devices = append(devices, DeviceInfo{
			Index:   i,
			Name:    infos[i].Name(),
			ID:      id,
			Default: infos[i].IsDefault == 1,
		})
	}
	return devices, nil
}

// selectDevice finds a device by exact name, decoded id, then partial name.
// An empty name or "default" picks the default device, else the first one.
func selectDevice(devices []malgo.DeviceInfo, name string) (*malgo.DeviceInfo, error) {
	if name == "" || name == "default" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		if len(devices) > 0 {
			return &devices[0], nil
		}
	}
	for i := range devices {
		if devices[i].Name() == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if id, err := hexToASCII(devices[i].ID.String()); err == nil && id == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if strings.Contains(devices[i].Name(), name) {
			return &devices[i], nil
		}
	}
	return nil, errors.Newf("no playback device matches %q", name).
		Component(componentMalgo).
		Category(errors.CategoryNotFound).
		Context("available_devices", len(devices)).
		Build()
}

func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
