package validate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/conf"
	"github.com/tphakala/audiograph/internal/errors"
)

func writeGraph(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidGraph(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - {id: OSC, type: OscillatorNode, params: {frequency: 220}}
  - {id: LFO, type: OscillatorNode, params: {frequency: 2}}
  - {id: OUT, type: AudioDestinationNode}
edges:
  - {from: OSC, to: OUT}
  - {from: LFO, to: "OSC:detune"}
`)
	var out bytes.Buffer
	require.NoError(t, Run(conf.Default(), path, &out))
	assert.Contains(t, out.String(), "3 nodes, 2 edges, ok")
	assert.NotContains(t, out.String(), "warning")
}

func TestDecodeErrorsFailFast(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown type", "nodes:\n  - {id: X, type: NoSuchNode}\n"},
		{"dangling edge", "nodes:\n  - {id: OSC, type: OscillatorNode}\nedges:\n  - {from: OSC, to: OUT}\n"},
		{"unknown param slot", "nodes:\n  - {id: OSC, type: OscillatorNode}\n  - {id: G, type: GainNode}\nedges:\n  - {from: OSC, to: \"G:volume\"}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := Run(conf.Default(), writeGraph(t, tt.body), &out)
			require.Error(t, err)
			assert.True(t, errors.IsCategory(err, errors.CategoryFileParsing))
		})
	}
}

func TestCheckReportsErrors(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - {id: OSC, type: OscillatorNode, params: {frequency: fast}}
  - {id: OUT, type: AudioDestinationNode}
edges:
  - {from: "OSC:3", to: OUT}
`)
	var out bytes.Buffer
	err := Run(conf.Default(), path, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, out.String(), "error: node OSC: frequency must be numeric")
	assert.Contains(t, out.String(), "error: edge E0: OSC has no output 3")
}

func TestCheckWarnings(t *testing.T) {
	path := writeGraph(t, `
nodes:
  - {id: OSC, type: OscillatorNode, params: {frequency: 30000, shape: odd}}
  - {id: SRC, type: AudioBufferSourceNode, params: {buffer: missing.wav}}
  - {id: REMOTE, type: AudioBufferSourceNode, params: {buffer: "https://example.com/a.wav"}}
  - {id: OUT, type: AudioDestinationNode}
edges:
  - {from: OSC, to: OUT}
`)
	var out bytes.Buffer
	require.NoError(t, Run(conf.Default(), path, &out))

	s := out.String()
	assert.Contains(t, s, "warning: node OSC: frequency = 30000 is outside [-24000, 24000] and will be clamped")
	assert.Contains(t, s, "warning: node OSC: shape is not a declared parameter")
	assert.Contains(t, s, "warning: node SRC: buffer file")
	assert.NotContains(t, s, "REMOTE")
	assert.Contains(t, s, "ok")
}

func TestLocalPath(t *testing.T) {
	tests := []struct {
		url   string
		want  string
		local bool
	}{
		{"file:///tmp/a.wav", "/tmp/a.wav", true},
		{"/tmp/a.wav", "/tmp/a.wav", true},
		{"a.wav", filepath.Join("/base", "a.wav"), true},
		{"https://example.com/a.wav", "", false},
		{"data:audio/wav;base64,AAAA", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			got, local := localPath(tt.url, "/base")
			assert.Equal(t, tt.local, local)
			assert.Equal(t, tt.want, got)
		})
	}
}
