package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// maxDelaySeconds bounds delayTime.
const maxDelaySeconds = 1.0

// Delay delays its input by delayTime seconds with linear interpolation.
type Delay struct {
	audio.Base
	lines [][]float32
	write int
}

var delayDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "delayTime", Kind: nodetype.Automatable, Default: 0.0, Min: nodetype.Bound(0), Max: nodetype.Bound(maxDelaySeconds)},
	},
}

// NewDelay is the DelayNode constructor.
func NewDelay(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	d := &Delay{}
	if err := initUnit(ctx, &d.Base, d, delayDescription, params); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Delay) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	size := int(maxDelaySeconds*q.SampleRate) + audio.RenderQuantum + 1
	for len(d.lines) < len(in) {
		d.lines = append(d.lines, make([]float32, size))
	}
	out := q.Resize(0, len(d.lines))
	delay := q.Param("delayTime")

	for i := range audio.RenderQuantum {
		pos := d.write + i
		for ch, line := range d.lines {
			var s float32
			if ch < len(in) {
				s = in[ch][i]
			}
			line[pos%size] = s
		}
		back := math.Min(float64(delay[i])*q.SampleRate, float64(size-2))
		read := float64(pos) - back
		j := int(math.Floor(read))
		frac := float32(read - float64(j))
		a, b := ((j%size)+size)%size, ((j+1)%size+size)%size
		for ch, line := range d.lines {
			out[ch][i] = line[a] + (line[b]-line[a])*frac
		}
	}
	d.write = (d.write + audio.RenderQuantum) % size
}
