package units

import (
	"math"

	"github.com/tphakala/audiograph/internal/audio"
	"github.com/tphakala/audiograph/internal/graph"
	"github.com/tphakala/audiograph/internal/nodetype"
)

// StereoPanner positions its input in the stereo field with equal-power panning.
type StereoPanner struct {
	audio.Base
}

var stereoPannerDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{2},
	ChannelCount:       2,
	ChannelCountMode:   audio.ModeClampedMax,
	Params: []nodetype.ParamSpec{
		{Name: "pan", Kind: nodetype.Automatable, Default: 0.0, Min: nodetype.Bound(-1), Max: nodetype.Bound(1)},
	},
}

// NewStereoPanner is the StereoPannerNode constructor.
func NewStereoPanner(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	p := &StereoPanner{}
	if err := initUnit(ctx, &p.Base, p, stereoPannerDescription, params); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *StereoPanner) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, 2)
	pan := q.Param("pan")
	for i := range audio.RenderQuantum {
		panStereo(in, out, i, float64(pan[i]))
	}
}

// panStereo applies equal-power panning at frame i. Mono input is spread by
// pan in [-1, 1]; stereo input is balanced toward one side.
func panStereo(in, out audio.Bus, i int, pan float64) {
	if len(in) == 1 {
		x := (pan + 1) / 2
		gl, gr := math.Cos(x*math.Pi/2), math.Sin(x*math.Pi/2)
		out[0][i] = in[0][i] * float32(gl)
		out[1][i] = in[0][i] * float32(gr)
		return
	}
	l, r := in[0][i], in[1][i]
	x := pan
	if pan <= 0 {
		x++
	}
	gl, gr := float32(math.Cos(x*math.Pi/2)), float32(math.Sin(x*math.Pi/2))
	if pan <= 0 {
		out[0][i] = l + r*gl
		out[1][i] = r * gr
	} else {
		out[0][i] = l * gl
		out[1][i] = r + l*gr
	}
}

// Panner spatializes its input relative to a listener at the origin facing -Z.
// Every panning model renders as equal-power.
type Panner struct {
	audio.Base
	coneInnerAngle float64
	coneOuterAngle float64
	coneOuterGain  float64
	distanceModel  string
	panningModel   string
	maxDistance    float64
	refDistance    float64
	rolloffFactor  float64
}

var pannerDescription = nodetype.Description{
	NumberOfInputs:     1,
	NumberOfOutputs:    1,
	OutputChannelCount: []int{2},
	ChannelCount:       2,
	ChannelCountMode:   audio.ModeClampedMax,
	Params: []nodetype.ParamSpec{
		{Name: "coneInnerAngle", Kind: nodetype.Plain, Default: 360.0},
		{Name: "coneOuterAngle", Kind: nodetype.Plain, Default: 360.0},
		{Name: "coneOuterGain", Kind: nodetype.Plain, Default: 0.0},
		{Name: "distanceModel", Kind: nodetype.Plain, Default: "inverse"},
		{Name: "panningModel", Kind: nodetype.Plain, Default: "equalpower"},
		{Name: "maxDistance", Kind: nodetype.Plain, Default: 10000.0},
		{Name: "refDistance", Kind: nodetype.Plain, Default: 1.0},
		{Name: "rollOffFactor", Kind: nodetype.Plain, Default: 1.0},
		{Name: "orientationX", Kind: nodetype.Automatable, Default: 1.0},
		{Name: "orientationY", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "orientationZ", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "positionX", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "positionY", Kind: nodetype.Automatable, Default: 0.0},
		{Name: "positionZ", Kind: nodetype.Automatable, Default: 0.0},
	},
}

// NewPanner is the PannerNode constructor.
func NewPanner(ctx audio.Context, params graph.Params) (audio.Unit, error) {
	p := &Panner{
		coneInnerAngle: 360,
		coneOuterAngle: 360,
		distanceModel:  "inverse",
		panningModel:   "equalpower",
		maxDistance:    10000,
		refDistance:    1,
		rolloffFactor:  1,
	}
	if err := initUnit(ctx, &p.Base, p, pannerDescription, params); err != nil {
		return nil, err
	}
	return p, nil
}

// SetValue implements audio.Setter.
func (p *Panner) SetValue(name string, v any) error {
	var err error
	switch name {
	case "coneInnerAngle":
		p.coneInnerAngle, err = asFloat(name, v)
	case "coneOuterAngle":
		p.coneOuterAngle, err = asFloat(name, v)
	case "coneOuterGain":
		p.coneOuterGain, err = asFloat(name, v)
	case "maxDistance":
		p.maxDistance, err = asFloat(name, v)
	case "refDistance":
		p.refDistance, err = asFloat(name, v)
	case "rollOffFactor":
		p.rolloffFactor, err = asFloat(name, v)
	case "distanceModel":
		p.distanceModel, err = asString(name, v, "linear", "inverse", "exponential")
	case "panningModel":
		p.panningModel, err = asString(name, v, "equalpower", "HRTF")
	default:
		return unknownValue(name)
	}
	return err
}

func (p *Panner) Process(q *audio.Quantum) {
	in := q.Inputs[0]
	out := q.Resize(0, 2)

	// position and orientation are evaluated once per quantum
	pos := [3]float64{float64(q.Param("positionX")[0]), float64(q.Param("positionY")[0]), float64(q.Param("positionZ")[0])}
	orient := [3]float64{float64(q.Param("orientationX")[0]), float64(q.Param("orientationY")[0]), float64(q.Param("orientationZ")[0])}

	gain := float32(p.distanceGain(norm(pos)) * p.coneGain(pos, orient))
	azimuth := azimuthOf(pos)

	// map azimuth in [-90, 90] to an equal-power position
	x := (azimuth + 90) / 180
	if len(in) == 1 {
		gl, gr := float32(math.Cos(x*math.Pi/2)), float32(math.Sin(x*math.Pi/2))
		for i, s := range in[0] {
			out[0][i] = s * gl * gain
			out[1][i] = s * gr * gain
		}
		return
	}
	pan := azimuth / 90
	for i := range audio.RenderQuantum {
		panStereo(in, out, i, pan)
		out[0][i] *= gain
		out[1][i] *= gain
	}
}

func (p *Panner) distanceGain(d float64) float64 {
	ref := p.refDistance
	switch p.distanceModel {
	case "linear":
		maxd := math.Max(p.maxDistance, ref)
		d = math.Max(ref, math.Min(d, maxd))
		if maxd == ref {
			return 1
		}
		return 1 - math.Min(p.rolloffFactor, 1)*(d-ref)/(maxd-ref)
	case "exponential":
		d = math.Max(d, ref)
		if ref <= 0 {
			return 1
		}
		return math.Pow(d/ref, -p.rolloffFactor)
	default:
		d = math.Max(d, ref)
		if d == 0 {
			return 1
		}
		return ref / (ref + p.rolloffFactor*(d-ref))
	}
}

// coneGain attenuates sources pointing away from the listener.
func (p *Panner) coneGain(pos, orient [3]float64) float64 {
	if norm(orient) == 0 || (p.coneInnerAngle == 360 && p.coneOuterAngle == 360) {
		return 1
	}
	toListener := [3]float64{-pos[0], -pos[1], -pos[2]}
	if norm(toListener) == 0 {
		return 1
	}
	cos := dot(normalize(toListener), normalize(orient))
	angle := math.Acos(math.Max(-1, math.Min(1, cos))) * 180 / math.Pi
	inner, outer := p.coneInnerAngle/2, p.coneOuterAngle/2
	switch {
	case angle <= inner:
		return 1
	case angle >= outer:
		return p.coneOuterGain
	default:
		x := (angle - inner) / (outer - inner)
		return 1 + x*(p.coneOuterGain-1)
	}
}

// azimuthOf returns the source azimuth in degrees folded into [-90, 90],
// positive to the listener's right.
func azimuthOf(pos [3]float64) float64 {
	if pos[0] == 0 && pos[2] == 0 {
		return 0
	}
	az := math.Atan2(pos[0], -pos[2]) * 180 / math.Pi
	switch {
	case az > 90:
		az = 180 - az
	case az < -90:
		az = -180 - az
	}
	return az
}

func dot(a, b [3]float64) float64 { return a[0]*b[0] + a[1]*b[1] + a[2]*b[2] }

func norm(v [3]float64) float64 { return math.Sqrt(dot(v, v)) }

func normalize(v [3]float64) [3]float64 {
	n := norm(v)
	return [3]float64{v[0] / n, v[1] / n, v[2] / n}
}
