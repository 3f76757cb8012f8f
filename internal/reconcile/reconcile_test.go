package reconcile

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/errors"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/logger"
	"github.com/tphakala/audiograph/internal/nodetype"
	"github.com/tphakala/audiograph/internal/observability/metrics"
	"github.com/tphakala/audiograph/internal/units"
)

const testRate = 8000

// tap is a pass-through unit that counts teardown calls.
type tap struct {
	audio.Base
	closed int
}

func (p *tap) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	for c := range in {
		copy(out[c], in[c])
	}
}

func (p *tap) Close() error {
	p.closed++
	return nil
}

var tapDescription = nodetype.Description{
	NumberOfInputs:  1,
	NumberOfOutputs: 1,
	ChannelCount:    2,
	Params: []nodetype.ParamSpec{
		{Name: "level", Kind: nodetype.Automatable, Default: 0.5},
	},
}

type loadKey struct {
	owner graph.NodeID
	param string
	url   string
}

// fakeLoader records cache traffic and lets tests complete loads by hand.
type fakeLoader struct {
	loads   []loadKey
	derefs  []loadKey
	assigns map[loadKey]func(*audio.Buffer)
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{assigns: map[loadKey]func(*audio.Buffer){}}
}

func (f *fakeLoader) Load(owner graph.NodeID, param, url string, assign func(*audio.Buffer)) {
	k := loadKey{owner, param, url}
	f.loads = append(f.loads, k)
	f.assigns[k] = assign
}

func (f *fakeLoader) Dereference(url string, owner graph.NodeID, param string) {
	f.derefs = append(f.derefs, loadKey{owner, param, url})
}

// complete calls the most recent assign registered for the key, even if the
// claim has been dereferenced since.
func (f *fakeLoader) complete(owner graph.NodeID, param, url string, buf *audio.Buffer) {
	if assign := f.assigns[loadKey{owner, param, url}]; assign != nil {
		assign(buf)
	}
}

type countingRecorder struct {
	ops map[string]int
}

func (c *countingRecorder) RecordOperation(op, status string) { c.ops[op+"/"+status]++ }
func (c *countingRecorder) RecordDuration(string, float64)     {}
func (c *countingRecorder) RecordError(string, string)         {}

type fixture struct {
	ctx    *audio.OfflineContext
	reg    *nodetype.Registry
	loader *fakeLoader
	rec    *countingRecorder
	r      *Reconciler
	taps []*tap
}

func newFixture(t *testing.T, strict bool) *fixture {
	t.Helper()
	ctx, err := audio.NewOfflineContext(2, 1024, testRate)
	require.NoError(t, err)

	master, err := units.NewGain(ctx, graph.Params{})
	require.NoError(t, err)
	require.NoError(t, master.Connect(ctx.Destination(), 0, 0))

	f := &fixture{
		ctx:    ctx,
		reg:    units.NewRegistry(),
		loader: newFakeLoader(),
		rec:    &countingRecorder{ops: map[string]int{}},
	}
	require.NoError(t, f.reg.Register(nodetype.Extension{
		Type:        "TapNode",
		Description: tapDescription,
		Constructor: func(ctx audio.Context, _ graph.Params) (audio.Unit, error) {
			p := &tap{}
			p.Init(ctx, p, tapDescription.UnitOptions())
			f.taps = append(f.taps, p)
			return p, nil
		},
	}))
	f.r = New(ctx, master, Options{
		Registry: f.reg,
		Buffers:  f.loader,
		Strict:   strict,
		Logger:   logger.NewDiscard(),
		Recorder: f.rec,
	})
	return f
}

func (f *fixture) build(t *testing.T, fn func(b *graph.Builder)) graph.Graph {
	t.Helper()
	g, err := graph.Build(fn, f.reg)
	require.NoError(t, err)
	return g
}

func (f *fixture) render(t *testing.T) audio.Levels {
	t.Helper()
	buf, err := f.ctx.Render(context.Background())
	require.NoError(t, err)
	return buf.Levels()
}

func oscToOut(b *graph.Builder) {
	b.Node("OSC", units.TypeOscillator, graph.Params{"frequency": 440.0, "detune": 0.0, "type": "sine"})
	b.Node("OUT", units.TypeDestination, nil)
	b.Edge("OSC", 0, "OUT", 0)
}

func TestEmptyGraphHasNoLiveUnits(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.r.Apply(graph.Empty(), graph.Empty()))
	assert.Empty(t, f.r.IDs())
	assert.Empty(t, f.r.Connections())
}

func TestSourceToDestination(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, oscToOut)

	require.NoError(t, f.r.Apply(graph.Empty(), g))
	assert.Equal(t, []graph.NodeID{"OSC", "OUT"}, f.r.IDs())
	assert.Equal(t, []graph.EdgeID{"E0"}, f.r.Connections())

	l, ok := f.r.Live("OSC")
	require.True(t, ok)
	assert.Equal(t, units.TypeOscillator, l.Type)

	// started on creation and routed through the master bus
	levels := f.render(t)
	assert.Greater(t, levels.RMS[0], 0.5)
	assert.Greater(t, levels.RMS[1], 0.5)
}

func TestSameGraphTwiceIsNoOp(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, oscToOut)

	require.NoError(t, f.r.Apply(graph.Empty(), g))
	adds := f.rec.ops[metrics.OpNodeAdd+"/"+metrics.StatusSuccess]
	connects := f.rec.ops[metrics.OpConnect+"/"+metrics.StatusSuccess]

	require.NoError(t, f.r.Apply(g, g))
	assert.Equal(t, adds, f.rec.ops[metrics.OpNodeAdd+"/"+metrics.StatusSuccess])
	assert.Equal(t, connects, f.rec.ops[metrics.OpConnect+"/"+metrics.StatusSuccess])
	assert.Zero(t, f.rec.ops[metrics.OpNodeRemove+"/"+metrics.StatusSuccess])
	assert.Equal(t, []graph.NodeID{"OSC", "OUT"}, f.r.IDs())
	assert.Equal(t, []graph.EdgeID{"E0"}, f.r.Connections())
}

func TestRebuiltIdenticalGraphKeepsConnections(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, oscToOut)
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	connects := f.rec.ops[metrics.OpConnect+"/"+metrics.StatusSuccess]

	// a reload decodes fresh values with the same content
	g2 := f.build(t, oscToOut)
	require.NotSame(t, g1.Edges["E0"], g2.Edges["E0"])
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Zero(t, f.rec.ops[metrics.OpDisconnect+"/"+metrics.StatusSuccess])
	assert.Equal(t, connects, f.rec.ops[metrics.OpConnect+"/"+metrics.StatusSuccess])
	assert.Equal(t, []graph.EdgeID{"E0"}, f.r.Connections())
}

func TestChangedEdgeUnderSameIDIsRewired(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("SRC", units.TypeConstantSource, graph.Params{"offset": 1.0})
		b.Node("A", units.TypeGain, graph.Params{"gain": 0.25})
		b.Node("B", units.TypeGain, graph.Params{"gain": 0.5})
		b.Node("OUT", units.TypeDestination, nil)
		b.Edge("SRC", 0, "A", 0)
		b.Edge("A", 0, "OUT", 0)
		b.Edge("B", 0, "OUT", 0)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	assert.InDelta(t, 0.25, f.render(t).Peak[0], 1e-6)

	g2 := g1.WithEdge(&graph.Edge{ID: "E0", From: graph.Endpoint{Node: "SRC"}, To: graph.Endpoint{Node: "B"}})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Equal(t, 1, f.rec.ops[metrics.OpDisconnect+"/"+metrics.StatusSuccess])
	assert.InDelta(t, 0.5, f.render(t).Peak[0], 1e-6)
}

func TestLiveStateFollowsSnapshots(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("A", units.TypeOscillator, nil)
		b.Node("B", units.TypeGain, nil)
		b.Node("C", units.TypeGain, nil)
		b.Node("OUT", units.TypeDestination, nil)
		b.Edge("A", 0, "B", 0)
		b.Edge("B", 0, "C", 0)
		b.Edge("C", 0, "OUT", 0)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	assert.Equal(t, []graph.EdgeID{"E0", "E1", "E2"}, f.r.Connections())

	// drop C, wire B straight to OUT
	g2 := g1.WithoutNode("C").WithEdge(&graph.Edge{
		ID:   "E3",
		From: graph.Endpoint{Node: "B"},
		To:   graph.Endpoint{Node: "OUT"},
	})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Equal(t, g2.NodeIDs(), f.r.IDs())
	assert.Equal(t, g2.EdgeIDs(), f.r.Connections())

	// remove an edge whose endpoints both survive
	g3 := g2.WithoutEdge("E0")
	require.NoError(t, f.r.Apply(g2, g3))
	assert.Equal(t, []graph.EdgeID{"E3"}, f.r.Connections())
	assert.Equal(t, 1, f.rec.ops[metrics.OpDisconnect+"/"+metrics.StatusSuccess])

	a, _ := f.r.Live("A")
	assert.Zero(t, a.Unit.(interface{ Outgoing() int }).Outgoing())
}

func TestAutomatableUpdateSnaps(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("G", units.TypeGain, graph.Params{"gain": 0.5})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	l, _ := f.r.Live("G")
	p, ok := l.Unit.Param("gain")
	require.True(t, ok)
	assert.InDelta(t, 0.5, p.Value(), 1e-9)

	g2 := g1.WithParams("G", graph.Params{"gain": 0.25})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.InDelta(t, 0.25, p.Value(), 1e-9)
	assert.Equal(t, 1, f.rec.ops[metrics.OpNodeUpdate+"/"+metrics.StatusSuccess])
	assert.Same(t, l, mustLive(t, f.r, "G"), "update keeps the unit")
}

func TestPlainUpdateAssigns(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("OSC", units.TypeOscillator, nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))

	g2 := g1.WithParams("OSC", graph.Params{"type": "bogus"})
	err := f.r.Apply(g1, g2)
	require.Error(t, err)
	assert.True(t, errors.IsUsage(err))

	g3 := g1.WithParams("OSC", graph.Params{"type": "square"})
	require.NoError(t, f.r.Apply(g1, g3))
}

func TestUndeclaredParamIsUnknown(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("G", units.TypeGain, nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))

	g2 := g1.WithParams("G", graph.Params{"volume": 3})
	err := f.r.Apply(g1, g2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownParam))
}

func TestUndeclaredParamOnCreation(t *testing.T) {
	g := graph.Empty().WithNode(&graph.Node{ID: "G", Type: units.TypeGain, Params: graph.Params{"gain": 0.5, "volume": 3}})

	strict := newFixture(t, true)
	err := strict.r.Apply(graph.Empty(), g)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownParam)
	assert.True(t, errors.IsUsage(err))
	assert.Equal(t, 1, strict.rec.ops[metrics.OpNodeAdd+"/"+metrics.StatusError])

	lenient := newFixture(t, false)
	require.NoError(t, lenient.r.Apply(graph.Empty(), g))
	assert.Equal(t, []graph.NodeID{"G"}, lenient.r.IDs())
	p, ok := mustLive(t, lenient.r, "G").Unit.Param("gain")
	require.True(t, ok)
	assert.InDelta(t, 0.5, p.Value(), 1e-9, "declared values still apply")
	assert.Equal(t, 1, lenient.rec.ops[metrics.OpUpdate+"/"+metrics.StatusError])
}

func TestConstructionValuesAreDeclared(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, func(b *graph.Builder) {
		b.Node("IIR", units.TypeIIRFilter, graph.Params{"feedforward": []float64{0.5}, "feedback": []float64{1}})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g))
	assert.Equal(t, []graph.NodeID{"IIR"}, f.r.IDs())
}

func TestParamSlotEdges(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("LFO", units.TypeConstantSource, graph.Params{"offset": 0.5})
		b.Node("SRC", units.TypeConstantSource, graph.Params{"offset": 1.0})
		b.Node("AMP", units.TypeGain, graph.Params{"gain": 0.0})
		b.Node("OUT", units.TypeDestination, nil)
		b.Edge("SRC", 0, "AMP", 0)
		b.Edge("LFO", 0, "AMP", "gain")
		b.Edge("AMP", 0, "OUT", 0)
	})
	assert.Equal(t, 1, g1.Edges["E1"].To.Index)

	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	assert.Len(t, f.r.Connections(), 3)
	levels := f.render(t)
	assert.InDelta(t, 0.5, levels.Peak[0], 1e-6)

	g2 := g1.WithoutEdge("E1")
	require.NoError(t, f.r.Apply(g1, g2))
	levels = f.render(t)
	assert.InDelta(t, 0, levels.Peak[0], 1e-6)
}

func TestSlotOutOfRange(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, func(b *graph.Builder) {
		b.Node("SRC", units.TypeConstantSource, nil)
		b.Node("AMP", units.TypeGain, nil)
		b.Edge("SRC", 0, "AMP", 5)
	})
	err := f.r.Apply(graph.Empty(), g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSlotOutOfRange))
	assert.Empty(t, f.r.Connections())
}

func TestUnknownTypeStrictAndLenient(t *testing.T) {
	g := graph.Empty().WithNode(&graph.Node{ID: "X", Type: "ThereminNode"})

	strict := newFixture(t, true)
	err := strict.r.Apply(graph.Empty(), g)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownType))
	assert.True(t, errors.IsUsage(err))
	assert.Empty(t, strict.r.IDs())

	lenient := newFixture(t, false)
	require.NoError(t, lenient.r.Apply(graph.Empty(), g))
	assert.Empty(t, lenient.r.IDs())
	assert.Equal(t, 1, lenient.rec.ops[metrics.OpNodeAdd+"/"+metrics.StatusError])
}

func TestFailedNodeIsRetriedOnUpdate(t *testing.T) {
	f := newFixture(t, false)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("OSC", units.TypeOscillator, graph.Params{"type": "bogus"})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	assert.Empty(t, f.r.IDs())

	g2 := g1.WithParams("OSC", graph.Params{"type": "sine"})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Equal(t, []graph.NodeID{"OSC"}, f.r.IDs())
}

func TestBufferParamsGoThroughCache(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("S", units.TypeBufferSource, graph.Params{"buffer": "kick.wav"})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	require.Equal(t, []loadKey{{"S", "buffer", "kick.wav"}}, f.loader.loads)

	src := mustLive(t, f.r, "S").Unit.(*units.BufferSource)
	assert.Nil(t, src.Buffer(), "buffer is not passed to the constructor")

	buf := audio.NewBuffer(1, 64, testRate)
	f.loader.complete("S", "buffer", "kick.wav", buf)
	assert.Same(t, buf, src.Buffer())

	// reassign: old URL released, new one requested
	g2 := g1.WithParams("S", graph.Params{"buffer": "snare.wav"})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Equal(t, []loadKey{{"S", "buffer", "kick.wav"}}, f.loader.derefs)
	assert.Equal(t, loadKey{"S", "buffer", "snare.wav"}, f.loader.loads[1])

	// removal releases the current URL
	require.NoError(t, f.r.Apply(g2, graph.Empty()))
	assert.Equal(t, loadKey{"S", "buffer", "snare.wav"}, f.loader.derefs[1])
}

func TestNullBufferIsNotLoaded(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("S", units.TypeBufferSource, nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	assert.Empty(t, f.loader.loads)

	g2 := g1.WithParams("S", graph.Params{"buffer": "kick.wav"})
	require.NoError(t, f.r.Apply(g1, g2))
	g3 := g2.WithParams("S", graph.Params{"buffer": nil})
	require.NoError(t, f.r.Apply(g2, g3))
	assert.Len(t, f.loader.loads, 1)
	assert.Equal(t, []loadKey{{"S", "buffer", "kick.wav"}}, f.loader.derefs)
}

func TestReleasedBufferIsCleared(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("C", units.TypeConvolver, graph.Params{"buffer": "room.wav"})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	f.loader.complete("C", "buffer", "room.wav", audio.NewBuffer(1, 32, testRate))
	conv := mustLive(t, f.r, "C").Unit.(*units.Convolver)
	require.NotNil(t, conv.Buffer())

	g2 := g1.WithParams("C", graph.Params{"buffer": nil})
	require.NoError(t, f.r.Apply(g1, g2))
	assert.Nil(t, conv.Buffer(), "null drops the impulse response")
	assert.Equal(t, []loadKey{{"C", "buffer", "room.wav"}}, f.loader.derefs)

	// dropping the key entirely clears it too
	g3 := g2.WithParams("C", graph.Params{"buffer": "hall.wav"})
	require.NoError(t, f.r.Apply(g2, g3))
	f.loader.complete("C", "buffer", "hall.wav", audio.NewBuffer(1, 32, testRate))
	require.NotNil(t, conv.Buffer())

	g4 := g3.WithNode(&graph.Node{ID: "C", Type: units.TypeConvolver, Params: graph.Params{"normalize": true}})
	require.NoError(t, f.r.Apply(g3, g4))
	assert.Nil(t, conv.Buffer())
	assert.Same(t, conv, mustLive(t, f.r, "C").Unit, "update keeps the unit")
}

func TestReleasedWriteOnceBufferIsKept(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("S", units.TypeBufferSource, graph.Params{"buffer": "kick.wav"})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	buf := audio.NewBuffer(1, 64, testRate)
	f.loader.complete("S", "buffer", "kick.wav", buf)

	g2 := g1.WithParams("S", graph.Params{"buffer": nil})
	require.NoError(t, f.r.Apply(g1, g2))
	src := mustLive(t, f.r, "S").Unit.(*units.BufferSource)
	assert.Same(t, buf, src.Buffer())
}

func TestLateLoadSkipsRebuiltNode(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("S", units.TypeConvolver, graph.Params{"buffer": "room.wav"})
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	first := f.loader.assigns[loadKey{"S", "buffer", "room.wav"}]

	// remove and re-add under the same id before the first load lands
	require.NoError(t, f.r.Apply(g1, graph.Empty()))
	g2 := f.build(t, func(b *graph.Builder) {
		b.Node("S", units.TypeConvolver, nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g2))

	first(audio.NewBuffer(1, 32, testRate))
	conv := mustLive(t, f.r, "S").Unit.(*units.Convolver)
	assert.Nil(t, conv.Buffer())
}

func TestTypeChangeRebuildsAndReconnects(t *testing.T) {
	f := newFixture(t, true)
	g1 := f.build(t, func(b *graph.Builder) {
		b.Node("SRC", units.TypeConstantSource, nil)
		b.Node("FX", "TapNode", nil)
		b.Node("OUT", units.TypeDestination, nil)
		b.Edge("SRC", 0, "FX", 0)
		b.Edge("FX", 0, "OUT", 0)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g1))
	before := mustLive(t, f.r, "FX")

	g2 := g1.WithNode(&graph.Node{ID: "FX", Type: units.TypeGain, Params: graph.Params{"gain": 0.5}})
	require.NoError(t, f.r.Apply(g1, g2))
	after := mustLive(t, f.r, "FX")
	assert.NotSame(t, before, after)
	assert.Equal(t, units.TypeGain, after.Type)
	assert.Equal(t, 1, f.taps[0].closed)
	assert.Equal(t, []graph.EdgeID{"E0", "E1"}, f.r.Connections())

	levels := f.render(t)
	assert.InDelta(t, 0.5, levels.Peak[0], 1e-6)
}

func TestRemovalRunsTeardownHook(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, func(b *graph.Builder) {
		b.Node("P", "TapNode", nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g))
	require.NoError(t, f.r.Apply(g, graph.Empty()))
	require.Len(t, f.taps, 1)
	assert.Equal(t, 1, f.taps[0].closed)
	assert.Empty(t, f.r.IDs())
}

func TestTeardownAndReset(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, func(b *graph.Builder) {
		b.Node("P1", "TapNode", nil)
		b.Node("P2", "TapNode", nil)
		b.Node("S", units.TypeBufferSource, graph.Params{"buffer": "kick.wav"})
		b.Edge("P1", 0, "P2", 0)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g))

	f.r.Teardown()
	for _, p := range f.taps {
		assert.Equal(t, 1, p.closed)
	}
	assert.Empty(t, f.r.Connections())
	assert.Empty(t, f.loader.derefs, "teardown keeps resource references")

	f.r.Reset()
	assert.Empty(t, f.r.IDs())

	// replay from empty into a fresh context
	ctx, err := audio.NewOfflineContext(2, 256, testRate)
	require.NoError(t, err)
	master, err := units.NewGain(ctx, graph.Params{})
	require.NoError(t, err)
	f.r.SetContext(ctx, master)
	require.NoError(t, f.r.Apply(graph.Empty(), g))
	assert.Equal(t, g.NodeIDs(), f.r.IDs())
	assert.Len(t, f.loader.loads, 2)
}

func TestResetTrueOverLiveTable(t *testing.T) {
	f := newFixture(t, true)
	g := f.build(t, func(b *graph.Builder) {
		b.Node("P", "TapNode", nil)
	})
	require.NoError(t, f.r.Apply(graph.Empty(), g))
	require.NoError(t, f.r.Apply(graph.Empty(), g))
	require.Len(t, f.taps, 2)
	assert.Equal(t, 1, f.taps[0].closed)
	assert.Equal(t, []graph.NodeID{"P"}, f.r.IDs())
}

func TestLenientJoinsNothing(t *testing.T) {
	f := newFixture(t, false)
	var nodes []*graph.Node
	for i := range 3 {
		nodes = append(nodes, &graph.Node{ID: graph.NodeID(fmt.Sprintf("X%d", i)), Type: "Missing"})
	}
	g := graph.Empty()
	for _, n := range nodes {
		g = g.WithNode(n)
	}
	assert.NoError(t, f.r.Apply(graph.Empty(), g))
	assert.Equal(t, 1, f.rec.ops[metrics.OpUpdate+"/"+metrics.StatusError])
}

func mustLive(t *testing.T, r *Reconciler, id graph.NodeID) *Live {
	t.Helper()
	l, ok := r.Live(id)
	require.True(t, ok, "node %s live", id)
	return l
}
