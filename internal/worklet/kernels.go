package worklet

import (
	"math"
	"math/rand/v2"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// Custom types backed by the bundled Go kernels.
const (
	TypeWhiteNoise = "WhiteNoiseNode"
	TypeBitCrusher = "BitCrusherNode"
)

func init() {
	RegisterKernel(TypeWhiteNoise+"Processor", newWhiteNoise)
	RegisterKernel(TypeBitCrusher+"Processor", newBitCrusher)
}

var whiteNoiseDescription = nodetype.Description{
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "amplitude", Kind: nodetype.Automatable, Default: 1.0, Min: nodetype.Bound(0), Max: nodetype.Bound(1)},
		{Name: "seed", Kind: nodetype.Plain, Default: 0.0},
	},
}

var bitCrusherDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{1},
	ChannelCount:       2,
	Params: []nodetype.ParamSpec{
		{Name: "bits", Kind: nodetype.Automatable, Default: 8.0, Min: nodetype.Bound(1), Max: nodetype.Bound(16)},
		{Name: "normFreq", Kind: nodetype.Automatable, Default: 1.0, Min: nodetype.Bound(0), Max: nodetype.Bound(1)},
	},
}

// Extensions returns the custom types backed by the bundled Go kernels.
// Their modules load through any Loader.
func Extensions() []nodetype.Extension {
	return []nodetype.Extension{
		{
			Type:         TypeWhiteNoise,
			Description:  whiteNoiseDescription,
			Constructor:  NewConstructor(TypeWhiteNoise, whiteNoiseDescription, ""),
			ProcessorURI: ProcessorURI(TypeWhiteNoise),
		},
		{
			Type:         TypeBitCrusher,
			Description:  bitCrusherDescription,
			Constructor:  NewConstructor(TypeBitCrusher, bitCrusherDescription, ""),
			ProcessorURI: ProcessorURI(TypeBitCrusher),
		},
	}
}

// whiteNoise emits uniform noise scaled by amplitude.
type whiteNoise struct {
	rng *rand.Rand
}

func newWhiteNoise(opts KernelOptions) (Kernel, error) {
	k := &whiteNoise{}
	if err := k.SetOption("seed", opts.Options["seed"]); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *whiteNoise) SetOption(name string, value any) error {
	if name != "seed" {
		return nil
	}
	seed, _ := graph.ToFloat(value)
	if seed == 0 {
		k.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
		return nil
	}
	k.rng = rand.New(rand.NewPCG(uint64(seed), uint64(seed)))
	return nil
}

func (k *whiteNoise) Process(b *Block) bool {
	amp := b.Params[0]
	for _, ch := range b.Outputs[0] {
		for i := range ch {
			ch[i] = float32(k.rng.Float64()*2-1) * amp[i]
		}
	}
	return true
}

// bitCrusher quantizes to bits and holds each sample for 1/normFreq frames.
type bitCrusher struct {
	phase float64
	held  []float32
}

func newBitCrusher(KernelOptions) (Kernel, error) {
	return &bitCrusher{}, nil
}

func (k *bitCrusher) SetOption(string, any) error { return nil }

func (k *bitCrusher) Process(b *Block) bool {
	in, out := b.Inputs[0], b.Outputs[0]
	if len(k.held) != len(in) {
		k.held = make([]float32, len(in))
	}
	bits, freq := b.Params[0], b.Params[1]
	for i := range audio.RenderQuantum {
		step := math.Pow(0.5, float64(bits[i])-1)
		k.phase += float64(freq[i])
		if k.phase >= 1 {
			k.phase--
			for ch := range in {
				k.held[ch] = float32(step * math.Floor(float64(in[ch][i])/step+0.5))
			}
		}
		for ch := range out {
			out[ch][i] = k.held[ch]
		}
	}
	return true
}
