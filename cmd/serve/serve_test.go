package serve

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
)

func testSettings() *conf.Settings {
	s := conf.Default()
	s.Audio.SampleRate = 8000
	s.Audio.LatencyFrames = 512
	s.Server.Listen = "127.0.0.1:0"
	s.Server.Headless = true
	return s
}

func TestServeHeadlessUntilCancelled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	body := "nodes:\n  - {id: OSC, type: OscillatorNode}\n  - {id: OUT, type: AudioDestinationNode}\nedges:\n  - {from: OSC, to: OUT}\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Run(ctx, testSettings(), path, true) }()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestServeInvalidGraph(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - {id: X, type: NoSuchNode}\n"), 0o600))

	err := Run(context.Background(), testSettings(), path, false)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
}

func TestHeadlessDoesNotChangeSettings(t *testing.T) {
	s := testSettings()
	s.Audio.Backend = "alsa"
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, Run(ctx, s, "", false))
	assert.Equal(t, "alsa", s.Audio.Backend)
}
