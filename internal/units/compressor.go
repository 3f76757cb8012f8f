package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// DynamicsCompressor lowers the level of loud passages. Detection is a peak
// follower over all channels; the static curve has a soft knee of knee dB
// centred on threshold.
type DynamicsCompressor struct {
	audio.Base
	envelope  float64 // current gain reduction in dB, <= 0
	reduction float64
}

var compressorDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{2},
	ChannelCount:       2,
	ChannelCountMode:   audio.ModeClampedMax,
	Params: []nodetype.ParamSpec{
		{Name: "threshold", Kind: nodetype.Automatable, Default: -24.0, Min: nodetype.Bound(-100), Max: nodetype.Bound(0)},
		{Name: "knee", Kind: nodetype.Automatable, Default: 30.0, Min: nodetype.Bound(0), Max: nodetype.Bound(40)},
		{Name: "ratio", Kind: nodetype.Automatable, Default: 12.0, Min: nodetype.Bound(1), Max: nodetype.Bound(20)},
		{Name: "attack", Kind: nodetype.Automatable, Default: 0.003, Min: nodetype.Bound(0), Max: nodetype.Bound(1)},
		{Name: "release", Kind: nodetype.Automatable, Default: 0.25, Min: nodetype.Bound(0), Max: nodetype.Bound(1)},
	},
}

// NewDynamicsCompressor is the DynamicsCompressorNode constructor.
func NewDynamicsCompressor(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	c := &DynamicsCompressor{}
	if err := initUnit(ctx, &c.Base, c, compressorDescription, params); err != nil {
		return nil, err
	}
	return c, nil
}

// Reduction returns the gain reduction applied at the end of the last quantum, in dB.
func (c *DynamicsCompressor) Reduction() float64 {
	var r float64
	c.Locked(func() { r = c.reduction })
	return r
}

func (c *DynamicsCompressor) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))

	// curve parameters are k-rate
	threshold := float64(q.Param("threshold")[0])
	knee := float64(q.Param("knee")[0])
	ratio := float64(q.Param("ratio")[0])
	attack := timeCoefficient(float64(q.Param("attack")[0]), q.SampleRate)
	release := timeCoefficient(float64(q.Param("release")[0]), q.SampleRate)
	makeup := dbToLinear(-0.6 * staticCurve(0, threshold, knee, ratio))

	for i := range audio.RenderQuantum {
		var peak float64
		for ch := range in {
			peak = max(peak, math.Abs(float64(in[ch][i])))
		}
		target := staticCurve(linearToDB(peak), threshold, knee, ratio)
		coeff := release
		if target < c.envelope {
			coeff = attack
		}
		c.envelope = target + coeff*(c.envelope-target)
		g := float32(dbToLinear(c.envelope) * makeup)
		for ch := range in {
			out[ch][i] = in[ch][i] * g
		}
	}
	c.reduction = c.envelope
}

// staticCurve returns the gain change in dB (<= 0) for an input level in dB.
func staticCurve(level, threshold, knee, ratio float64) float64 {
	over := level - threshold
	slope := 1/ratio - 1
	switch {
	case knee > 0 && 2*math.Abs(over) <= knee:
		x := over + knee/2
		return slope * x * x / (2 * knee)
	case over > 0:
		return slope * over
	default:
		return 0
	}
}

func timeCoefficient(seconds, sampleRate float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return math.Exp(-1 / (seconds * sampleRate))
}

func linearToDB(v float64) float64 {
	if v <= 0 {
		return -1000
	}
	return 20 * math.Log10(v)
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}
