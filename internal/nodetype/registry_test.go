package nodetype

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
)

func nopConstructor(audio.Context, graph.Params) (audio.Unit, error) { return nil, nil }

var filterDescription = Description{
	NumberOfInputs:  1,
	NumberOfOutputs: 1,
	ChannelCount:    2,
	Params: []ParamSpec{
		{Name: "cutoff", Kind: Automatable, Default: 1000.0, Min: Bound(0), Max: Bound(20000)},
		{Name: "mode", Kind: Plain, Default: "lowpass"},
		{Name: "impulse", Kind: Buffer, Default: nil},
		{Name: "resonance", Kind: Automatable, Default: 0.7},
	},
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithLogger(logger.NewDiscard()))
	require.NoError(t, r.Register(Extension{Type: "Filter", Constructor: nopConstructor, Description: filterDescription}))

	defaults, err := r.Defaults("Filter")
	require.NoError(t, err)
	assert.Equal(t, graph.Params{"cutoff": 1000.0, "mode": "lowpass", "impulse": nil, "resonance": 0.7}, defaults)

	// the returned map is fresh on every call
	defaults["cutoff"] = 1.0
	again, _ := r.Defaults("Filter")
	assert.Equal(t, 1000.0, again["cutoff"])

	index, err := r.ParamIndex("Filter", "resonance")
	require.NoError(t, err)
	assert.Equal(t, 2, index, "one input plus position among automatable params")

	spec, ok := r.ResolveParam("Filter", 2)
	require.True(t, ok)
	assert.Equal(t, "resonance", spec.Name)
	_, ok = r.ResolveParam("Filter", 0)
	assert.False(t, ok, "index 0 is an input")
	_, ok = r.ResolveParam("Filter", 3)
	assert.False(t, ok)

	_, err = r.ParamIndex("Filter", "mode")
	assert.ErrorIs(t, err, ErrUnknownParam, "plain params are not addressable")

	_, err = r.Defaults("Nope")
	assert.ErrorIs(t, err, ErrUnknownType)
	assert.True(t, errors.IsNotFound(err))
}

func TestDuplicateStrict(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithStrict(true), WithLogger(logger.NewDiscard()))
	ext := Extension{Type: "Filter", Constructor: nopConstructor, Description: filterDescription}
	require.NoError(t, r.Register(ext))

	err := r.Register(ext)
	require.ErrorIs(t, err, ErrDuplicateType)
	assert.True(t, errors.IsUsage(err))
}

func TestDuplicateLenientReplaces(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	r := NewRegistry(WithLogger(logger.NewTestLogger(&out, logger.LogLevelDebug)))
	require.NoError(t, r.Register(Extension{Type: "Filter", Constructor: nopConstructor, Description: filterDescription}))
	require.NoError(t, r.Register(Extension{Type: "Filter", Constructor: nopConstructor, ProcessorURI: "go:filter"}))

	ext, ok := r.Lookup("Filter")
	require.True(t, ok)
	assert.Equal(t, "go:filter", ext.ProcessorURI)
	assert.Equal(t, []string{"Filter"}, r.Types())
	assert.Contains(t, out.String(), "replacing registered node type")
}

func TestRegisterValidates(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithLogger(logger.NewDiscard()))
	assert.Error(t, r.Register(Extension{Type: "", Constructor: nopConstructor}))
	assert.Error(t, r.Register(Extension{Type: "X"}))
	assert.Panics(t, func() { r.MustRegister(Extension{Type: "X"}) })
}

func TestProcessorURIsDistinctInOrder(t *testing.T) {
	t.Parallel()
	r := NewRegistry(WithLogger(logger.NewDiscard()))
	r.MustRegister(
		Extension{Type: "A", Constructor: nopConstructor, ProcessorURI: "go:noise"},
		Extension{Type: "B", Constructor: nopConstructor},
		Extension{Type: "C", Constructor: nopConstructor, ProcessorURI: "file:///bitcrush.wasm"},
		Extension{Type: "D", Constructor: nopConstructor, ProcessorURI: "go:noise"},
	)
	assert.Equal(t, []string{"go:noise", "file:///bitcrush.wasm"}, r.ProcessorURIs())
}

func TestUnitOptions(t *testing.T) {
	t.Parallel()
	opts := filterDescription.UnitOptions()
	assert.Equal(t, 1, opts.Inputs)
	require.Len(t, opts.Params, 2)
	assert.Equal(t, "cutoff", opts.Params[0].Name)
	assert.Equal(t, 1000.0, opts.Params[0].Default)
	assert.Equal(t, 20000.0, *opts.Params[0].Max)
	assert.Equal(t, "resonance", opts.Params[1].Name)
}

func TestKindString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "automatable", Automatable.String())
	assert.Equal(t, "buffer", Buffer.String())
	assert.Equal(t, "plain", Plain.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
