package units

import (
	"context"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
)

const testRate = 8000

func newOffline(t *testing.T, frames int) *audio.OfflineContext {
	t.Helper()
	ctx, err := audio.NewOfflineContext(2, frames, testRate)
	require.NoError(t, err)
	return ctx
}

func newUnit(t *testing.T, ctx audio.Context, typ string, params graph.Params) audio.Unit {
	t.Helper()
	reg := NewRegistry()
	ext, ok := reg.Lookup(typ)
	require.True(t, ok, "type %s registered", typ)
	defaults, err := reg.Defaults(typ)
	require.NoError(t, err)
	for k, v := range params {
		defaults[k] = v
	}
	u, err := ext.Constructor(ctx, defaults)
	require.NoError(t, err)
	return u
}

// constant returns a started ConstantSource emitting v.
func constant(t *testing.T, ctx audio.Context, v float64) audio.Unit {
	t.Helper()
	u := newUnit(t, ctx, TypeConstantSource, graph.Params{"offset": v})
	require.NoError(t, u.(audio.Scheduled).Start(0))
	return u
}

func render(t *testing.T, ctx *audio.OfflineContext) *audio.Buffer {
	t.Helper()
	buf, err := ctx.Render(context.Background())
	require.NoError(t, err)
	return buf
}

func TestBuiltinsRegistered(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	assert.Len(t, reg.Types(), len(Builtins()))

	defaults, err := reg.Defaults(TypeOscillator)
	require.NoError(t, err)
	assert.Equal(t, graph.Params{"frequency": 440.0, "detune": 0.0, "type": "sine"}, defaults)

	index, err := reg.ParamIndex(TypeGain, "gain")
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	// detune follows frequency among the oscillator's automatable params
	index, err = reg.ParamIndex(TypeOscillator, "detune")
	require.NoError(t, err)
	assert.Equal(t, 1, index)

	_, ok := Describe(TypeWaveShaper)
	assert.True(t, ok)
	_, ok = Describe("NoSuchNode")
	assert.False(t, ok)
}

func TestConstantThroughGain(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 256)
	src := constant(t, ctx, 0.5)
	gain := newUnit(t, ctx, TypeGain, graph.Params{"gain": 0.5})
	require.NoError(t, src.Connect(gain, 0, 0))
	require.NoError(t, gain.Connect(ctx.Destination(), 0, 0))

	buf := render(t, ctx)
	for ch := range 2 {
		for _, s := range buf.Channel(ch) {
			assert.InDelta(t, 0.25, s, 1e-6)
		}
	}
}

func TestUnstartedSourceIsSilent(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	osc := newUnit(t, ctx, TypeOscillator, nil)
	require.NoError(t, osc.Connect(ctx.Destination(), 0, 0))

	buf := render(t, ctx)
	assert.Equal(t, 0.0, buf.Levels().Peak[0])

	sched := osc.(audio.Scheduled)
	require.NoError(t, sched.Start(0))
	assert.ErrorIs(t, sched.Start(0), ErrAlreadyStarted)
}

func TestOscillatorSine(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 8000)
	osc := newUnit(t, ctx, TypeOscillator, graph.Params{"frequency": 100.0})
	require.NoError(t, osc.(audio.Scheduled).Start(0))
	require.NoError(t, osc.Connect(ctx.Destination(), 0, 0))

	buf := render(t, ctx)
	lv := buf.Levels()
	assert.InDelta(t, 1/math.Sqrt2, lv.RMS[0], 1e-3)
	assert.InDelta(t, 1.0, lv.Peak[0], 1e-3)
	assert.InDelta(t, math.Sin(2*math.Pi*100*20/testRate), buf.Channel(0)[20], 1e-4)
}

func TestOscillatorRejectsUnknownType(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	_, err := NewOscillator(ctx, graph.Params{"type": "noise"})
	assert.Error(t, err)
}

func TestBufferSourceWriteOnce(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	u := newUnit(t, ctx, TypeBufferSource, nil)
	src := u.(*BufferSource)
	buf := audio.NewBuffer(1, 16, testRate)

	require.NoError(t, src.Set("buffer", nil))
	require.NoError(t, src.Set("buffer", buf))
	assert.Same(t, buf, src.Buffer())

	assert.ErrorIs(t, src.Set("buffer", audio.NewBuffer(1, 16, testRate)), audio.ErrWriteOnce)
	require.NoError(t, src.Set("buffer", nil), "nil never counts as a write")
	assert.Same(t, buf, src.Buffer())
}

func TestBufferSourcePlaysAndEnds(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 256)
	data := make([]float32, 200)
	for i := range data {
		data[i] = float32(i) / 200
	}
	u := newUnit(t, ctx, TypeBufferSource, nil)
	src := u.(*BufferSource)
	require.NoError(t, src.Set("buffer", audio.NewBufferFrom([][]float32{data}, testRate)))
	require.NoError(t, src.Start(0))
	require.NoError(t, src.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	for i := range data {
		assert.InDelta(t, data[i], out[i], 1e-6)
	}
	for i := len(data); i < len(out); i++ {
		assert.Zero(t, out[i])
	}
	assert.True(t, src.Ended())
}

func TestBufferSourceLoops(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	u := newUnit(t, ctx, TypeBufferSource, graph.Params{"loop": true})
	src := u.(*BufferSource)
	require.NoError(t, src.Set("buffer", audio.NewBufferFrom([][]float32{{1, 0, 0, 0}}, testRate)))
	require.NoError(t, src.Start(0))
	require.NoError(t, src.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	for i := 0; i < 128; i += 4 {
		assert.InDelta(t, 1, out[i], 1e-6)
		assert.InDelta(t, 0, out[i+1], 1e-6)
	}
	assert.False(t, src.Ended())
}

func TestWaveShaperCurve(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	src := constant(t, ctx, 0.5)
	ws := newUnit(t, ctx, TypeWaveShaper, graph.Params{"curve": []float64{-0.5, 0.5}})
	require.NoError(t, src.Connect(ws, 0, 0))
	require.NoError(t, ws.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	assert.InDelta(t, 0.25, out[0], 1e-6)

	assert.Error(t, ws.Set("oversample", "8x"))
	assert.NoError(t, ws.Set("oversample", "4x"))
}

func TestShapeClampsOutsideRange(t *testing.T) {
	t.Parallel()
	curve := []float32{-1, 0, 1}
	assert.Equal(t, float32(-1), shape(curve, -3))
	assert.Equal(t, float32(1), shape(curve, 2))
	assert.InDelta(t, 0.5, shape(curve, 0.5), 1e-6)
	assert.Equal(t, float32(0.3), shape([]float32{0.3}, 0.9))
}

func TestStereoPannerHardLeft(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	src := constant(t, ctx, 1)
	p := newUnit(t, ctx, TypeStereoPanner, graph.Params{"pan": -1.0})
	require.NoError(t, src.Connect(p, 0, 0))
	require.NoError(t, p.Connect(ctx.Destination(), 0, 0))

	buf := render(t, ctx)
	assert.InDelta(t, 1, buf.Channel(0)[0], 1e-6)
	assert.InDelta(t, 0, buf.Channel(1)[0], 1e-6)
}

func TestPannerDistanceModels(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	u := newUnit(t, ctx, TypePanner, nil)
	p := u.(*Panner)

	assert.InDelta(t, 1, p.distanceGain(0.5), 1e-9)
	assert.InDelta(t, 0.5, p.distanceGain(2), 1e-9)

	require.NoError(t, p.Set("distanceModel", "exponential"))
	assert.InDelta(t, 0.25, p.distanceGain(4), 1e-9)

	require.NoError(t, p.Set("distanceModel", "linear"))
	require.NoError(t, p.Set("maxDistance", 11.0))
	assert.InDelta(t, 0.5, p.distanceGain(6), 1e-9)

	assert.Error(t, p.Set("panningModel", "binaural"))
}

func TestPannerSourceToTheRight(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	src := constant(t, ctx, 1)
	p := newUnit(t, ctx, TypePanner, graph.Params{"positionX": 1.0})
	require.NoError(t, src.Connect(p, 0, 0))
	require.NoError(t, p.Connect(ctx.Destination(), 0, 0))

	buf := render(t, ctx)
	assert.InDelta(t, 0, buf.Channel(0)[0], 1e-6)
	assert.InDelta(t, 1, buf.Channel(1)[0], 1e-6)
}

func TestDelayShiftsSignal(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 512)
	src := constant(t, ctx, 1)
	d := newUnit(t, ctx, TypeDelay, graph.Params{"delayTime": 128.0 / testRate})
	require.NoError(t, src.Connect(d, 0, 0))
	require.NoError(t, d.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	for i := range 127 {
		assert.InDelta(t, 0, out[i], 1e-3, "frame %d", i)
	}
	for i := 130; i < len(out); i++ {
		assert.InDelta(t, 1, out[i], 1e-3, "frame %d", i)
	}
}

func TestDelayTimeClamped(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	d := newUnit(t, ctx, TypeDelay, graph.Params{"delayTime": 5.0})
	p, ok := d.Param("delayTime")
	require.True(t, ok)
	assert.Equal(t, maxDelaySeconds, p.Value())
}

func TestBiquadLowpassResponse(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	u := newUnit(t, ctx, TypeBiquadFilter, graph.Params{"frequency": 500.0})
	f := u.(*BiquadFilter)

	mag, _ := f.FrequencyResponse([]float64{0, 3900})
	assert.InDelta(t, 1, mag[0], 1e-6)
	assert.Less(t, mag[1], 0.05)
}

func TestIIRFilterScales(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	src := constant(t, ctx, 1)
	f := newUnit(t, ctx, TypeIIRFilter, graph.Params{"feedforward": []float64{1}, "feedback": []float64{2}})
	require.NoError(t, src.Connect(f, 0, 0))
	require.NoError(t, f.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	assert.InDelta(t, 0.5, out[10], 1e-6)

	_, err := NewIIRFilter(ctx, graph.Params{"feedback": []float64{0, 1}})
	assert.Error(t, err)
}

func TestMergerAndSplitter(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	a, b := constant(t, ctx, 0.25), constant(t, ctx, 0.75)
	merger := newUnit(t, ctx, TypeChannelMerger, nil)
	splitter := newUnit(t, ctx, TypeChannelSplitter, nil)
	gain := newUnit(t, ctx, TypeGain, nil)

	require.NoError(t, a.Connect(merger, 0, 0))
	require.NoError(t, b.Connect(merger, 0, 1))
	require.NoError(t, merger.Connect(splitter, 0, 0))
	// route the second channel alone to the destination
	require.NoError(t, splitter.Connect(gain, 1, 0))
	require.NoError(t, gain.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx)
	assert.InDelta(t, 0.75, out.Channel(0)[0], 1e-6)
	assert.InDelta(t, 0.75, out.Channel(1)[0], 1e-6)
}

func TestCompressorReducesLoudInput(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 4096)
	src := constant(t, ctx, 1)
	c := newUnit(t, ctx, TypeDynamicsCompressor, graph.Params{"knee": 0.0, "ratio": 20.0, "attack": 0.0})
	require.NoError(t, src.Connect(c, 0, 0))
	require.NoError(t, c.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	comp := c.(*DynamicsCompressor)
	assert.InDelta(t, -24*(1-1.0/20), comp.Reduction(), 1e-6)

	makeup := math.Pow(10, 0.6*24*(1-1.0/20)/20)
	want := math.Pow(10, -24*(1-1.0/20)/20) * makeup
	assert.InDelta(t, want, out[len(out)-1], 1e-4)
}

func TestStaticCurve(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 0.0, staticCurve(-60, -24, 30, 12))
	assert.InDelta(t, -24*(1-1.0/12), staticCurve(0, -24, 30, 12), 1e-9)
	// inside the knee the curve bends smoothly from zero
	assert.InDelta(t, -(1-1.0/12)*15*15/60, staticCurve(-24, -24, 30, 12), 1e-9)
	assert.InDelta(t, -10*(1-1.0/4), staticCurve(-10, -20, 0, 4), 1e-9)
}

func TestConvolverDelaysByImpulse(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 512)
	src := constant(t, ctx, 1)
	u := newUnit(t, ctx, TypeConvolver, graph.Params{"normalize": false})
	conv := u.(*Convolver)

	// one-sample delay in the second partition, so the output starts at frame 129
	ir := make([]float32, 130)
	ir[129] = 1
	require.NoError(t, conv.Set("buffer", audio.NewBufferFrom([][]float32{ir}, testRate)))
	require.NoError(t, src.Connect(conv, 0, 0))
	require.NoError(t, conv.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx).Channel(0)
	for i := range 129 {
		assert.InDelta(t, 0, out[i], 1e-6, "frame %d", i)
	}
	for i := 129; i < len(out); i++ {
		assert.InDelta(t, 1, out[i], 1e-6, "frame %d", i)
	}
}

func TestConvolverWithoutBufferIsSilent(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	src := constant(t, ctx, 1)
	conv := newUnit(t, ctx, TypeConvolver, nil)
	require.NoError(t, src.Connect(conv, 0, 0))
	require.NoError(t, conv.Connect(ctx.Destination(), 0, 0))

	assert.Equal(t, 0.0, render(t, ctx).Levels().Peak[0])
	assert.Error(t, conv.Set("buffer", "file:///not/decoded.wav"))
}

func TestNormalizationScale(t *testing.T) {
	t.Parallel()
	ones := make([]float32, 100)
	for i := range ones {
		ones[i] = 1
	}
	assert.InDelta(t, gainCalibration, normalizationScale(audio.NewBufferFrom([][]float32{ones}, 44100), 44100), 1e-12)

	silent := audio.NewBuffer(1, 100, 44100)
	assert.InDelta(t, gainCalibration/minPower, normalizationScale(silent, 44100), 1e-9)
	assert.InDelta(t, gainCalibration*2, normalizationScale(audio.NewBufferFrom([][]float32{ones}, 44100), 22050), 1e-12)
}

func TestAnalyserPassthroughAndReadings(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 256)
	src := constant(t, ctx, 0.5)
	u := newUnit(t, ctx, TypeAnalyser, graph.Params{"fftSize": 64.0, "smoothingTimeConstant": 0.0})
	an := u.(*Analyser)
	require.NoError(t, src.Connect(an, 0, 0))
	require.NoError(t, an.Connect(ctx.Destination(), 0, 0))

	out := render(t, ctx)
	assert.InDelta(t, 0.5, out.Channel(0)[200], 1e-6)

	assert.Equal(t, 64, an.FFTSize())
	td := make([]float32, 128)
	require.Equal(t, 64, an.FloatTimeDomainData(td))
	assert.InDelta(t, 0.5, td[0], 1e-6)
	assert.InDelta(t, 0.5, td[63], 1e-6)

	lv := an.Levels()
	require.Len(t, lv.RMS, 1)
	assert.InDelta(t, 0.5, lv.RMS[0], 1e-6)

	freq := make([]float32, 32)
	require.Equal(t, 32, an.FloatFrequencyData(freq))
	for k := 2; k < len(freq); k++ {
		assert.Greater(t, freq[0], freq[k], "bin %d", k)
	}

	bytes := make([]byte, 32)
	assert.Equal(t, 32, an.ByteFrequencyData(bytes))
}

func TestAnalyserValidation(t *testing.T) {
	t.Parallel()
	ctx := newOffline(t, 128)
	_, err := NewAnalyser(ctx, graph.Params{"fftSize": 100.0})
	assert.Error(t, err)

	u := newUnit(t, ctx, TypeAnalyser, nil)
	assert.Error(t, u.Set("maxDecibels", -120.0))
	assert.Error(t, u.Set("smoothingTimeConstant", 2.0))
	assert.NoError(t, u.Set("minDecibels", -90.0))
}

func TestFFT(t *testing.T) {
	t.Parallel()
	x := make([]complex128, 8)
	x[0] = 1
	fft(x, false)
	for _, v := range x {
		assert.InDelta(t, 1, cmplx.Abs(v), 1e-12)
	}

	y := []complex128{1, 2, 3, 4, 0, -1, -2, -3}
	orig := append([]complex128(nil), y...)
	fft(y, false)
	fft(y, true)
	for i := range y {
		assert.InDelta(t, real(orig[i]), real(y[i]), 1e-9)
		assert.InDelta(t, 0, imag(y[i]), 1e-9)
	}
	assert.True(t, isPowerOfTwo(1024))
	assert.False(t, isPowerOfTwo(96))
}
