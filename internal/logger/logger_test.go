package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModuleLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		ModuleLevels: map[string]string{"engine": "debug"},
	}, &buf)
	require.NoError(t, err)

	engine := cl.Module("engine")
	engine.Debug("visible debug")

	resource := cl.Module("resource")
	resource.Debug("hidden debug")
	resource.Info("visible info")

	out := buf.String()
	assert.Contains(t, out, "visible debug")
	assert.Contains(t, out, "module=engine")
	assert.NotContains(t, out, "hidden debug")
	assert.Contains(t, out, "module=resource")
}

func TestSubModuleInheritsParentLevel(t *testing.T) {
	var buf bytes.Buffer
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "warn",
		Console:      &ConsoleOutput{Enabled: true, Level: "warn"},
		ModuleLevels: map[string]string{"engine": "debug"},
	}, &buf)
	require.NoError(t, err)

	type nodeID string
	cl.Module("engine.reconcile").Debug("node created", Node(nodeID("OSC")))
	assert.Contains(t, buf.String(), "node=OSC")
	assert.Contains(t, buf.String(), "module=engine.reconcile")
}

func TestFieldsAndWith(t *testing.T) {
	var buf bytes.Buffer
	log := NewTestLogger(&buf, LogLevelTrace)

	child := log.With(String("engine_id", "abc"))
	child.Trace("tick", Int("frames", 128), Float64("gain", 0.123456), Error(errors.New("boom")),
		Duration("delay", 300*time.Millisecond), Bool("strict", true))

	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "engine_id=abc")
	assert.Contains(t, out, "frames=128")
	assert.Contains(t, out, "gain=0.123")
	assert.Contains(t, out, "error=boom")
	assert.Contains(t, out, "delay=300ms")
	assert.Contains(t, out, "strict=true")
	assert.NotContains(t, out, "time=")

	buf.Reset()
	log.Info("parent")
	assert.NotContains(t, buf.String(), "engine_id")
}

func TestWithContextTraceID(t *testing.T) {
	var buf bytes.Buffer
	log := NewTestLogger(&buf, LogLevelInfo)

	ctx := WithTraceID(context.Background(), "req-1")
	log.WithContext(ctx).Info("handled")
	log.WithContext(context.Background()).Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "trace_id=req-1")
	assert.NotContains(t, lines[1], "trace_id")
}

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audiograph.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "info",
		Timezone:     "UTC",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path},
	}, nil)
	require.NoError(t, err)

	cl.Module("playback").Info("state changed", String("state", "playing"))
	require.NoError(t, cl.Flush())
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &record))
	assert.Equal(t, "state changed", record["msg"])
	assert.Equal(t, "playback", record["module"])
	assert.Equal(t, "playing", record["state"])
	assert.Contains(t, record["time"], "Z")
}

func TestInvalidTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestDiscardDropsEverything(t *testing.T) {
	log := NewDiscard()
	assert.NotPanics(t, func() {
		log.Error("dropped")
		log.Module("x").With(String("k", "v")).Info("dropped")
	})
	assert.NoError(t, log.Flush())
}
