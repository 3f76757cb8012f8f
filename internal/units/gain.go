package units

import (
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Gain multiplies its input by the gain parameter.
type Gain struct {
	audio.Base
}

var gainDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "gain", Kind: nodetype.Automatable, Default: 1.0},
	},
}

// NewGain is the GainNode constructor.
func NewGain(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	g := &Gain{}
	if err := initUnit(ctx, &g.Base, g, gainDescription, params); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gain) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	gain := q.Param("gain")
	constant := q.ParamConstant("gain")
	for c := range in {
		if constant {
			k := gain[0]
			for i, s := range in[c] {
				out[c][i] = s * k
			}
			continue
		}
		for i, s := range in[c] {
			out[c][i] = s * gain[i]
		}
	}
}

// Destination is the virtual AudioDestinationNode. It passes its input
// through to the engine's master bus, so any number of logical destinations
// can come and go without touching the context's true output.
type Destination struct {
	audio.Base
}

var destinationDescription = nodetype.Description{
	NumberOfInputs:        1,
	NumberOfOutputs:       0,
	ChannelCount:          2,
	ChannelCountMode:      audio.ModeExplicit,
	ChannelInterpretation: audio.Speakers,
}

// NewDestination is the AudioDestinationNode constructor.
func NewDestination(ctx audio.Context, _ graph.Params) (audio.Unit, error) {
	d := &Destination{}
	d.Init(ctx, d, audio.Options{
		Inputs:       1,
		Outputs:      1,
		ChannelCount: 2,
	})
	return d, nil
}

// RouteTo feeds the destination's hidden output into dst.
func (d *Destination) RouteTo(dst audio.Unit) error {
	return d.Connect(dst, 0, 0)
}

func (d *Destination) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, len(in))
	for c := range in {
		copy(out[c], in[c])
	}
}
