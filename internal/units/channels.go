package units

import (
	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

const mergerSplitterChannels = 6

// ChannelMerger combines each mono input into one channel of its output.
type ChannelMerger struct {
	audio.Base
}

var mergerDescription = nodetype.Description{
	NumberOfInputs:        mergerSplitterChannels,
	NumberOfOutputs:       1,
	OutputChannelCount:    []int{mergerSplitterChannels},
	ChannelCount:          1,
	ChannelCountMode:      audio.ModeExplicit,
	ChannelInterpretation: audio.Speakers,
}

// NewChannelMerger is the ChannelMergerNode constructor.
func NewChannelMerger(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	m := &ChannelMerger{}
	if err := initUnit(ctx, &m.Base, m, mergerDescription, params); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ChannelMerger) Process(q *audio.Quantum) {
	out := q.Outputs[0]
	for i, in := range q.Inputs {
		copy(out[i], in[0])
	}
}

// ChannelSplitter routes each input channel to its own mono output.
type ChannelSplitter struct {
	audio.Base
}

var splitterDescription = nodetype.Description{
	NumberOfInputs:        1,
	NumberOfOutputs:       mergerSplitterChannels,
	OutputChannelCount:    []int{1, 1, 1, 1, 1, 1},
	ChannelCount:          mergerSplitterChannels,
	ChannelCountMode:      audio.ModeExplicit,
	ChannelInterpretation: audio.Discrete,
}

// NewChannelSplitter is the ChannelSplitterNode constructor.
func NewChannelSplitter(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	s := &ChannelSplitter{}
	if err := initUnit(ctx, &s.Base, s, splitterDescription, params); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ChannelSplitter) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	for i, out := range q.Outputs {
		if i < len(in) {
			copy(out[0], in[i])
		}
	}
}
