package audio

// computedChannels applies the unit's channel count mode to its sources.
func (b *Base) computedChannels(sources []source) int {
	if b.mode == ModeExplicit {
		return b.channelCount
	}
	n := 1
	for _, src := range sources {
		n = max(n, len(src.unit.outputs[src.output]))
	}
	if b.mode == ModeClampedMax {
		n = min(n, b.channelCount)
	}
	return n
}

// mixInput sums every source of input i into the input's bus, up- or
// down-mixing each source to the computed channel count.
func (b *Base) mixInput(i int, sources []source) Bus {
	channels := b.computedChannels(sources)
	bus := b.inputBuses[i]
	if len(bus) != channels {
		bus = make(Bus, channels)
		for c := range bus {
			bus[c] = make([]float32, RenderQuantum)
		}
	} else {
		bus.Zero()
	}
	for _, src := range sources {
		mixInto(bus, src.unit.outputs[src.output], b.interp)
	}
	return bus
}

// mixInto adds in to out, converting the channel layout.
func mixInto(out, in Bus, interp ChannelInterpretation) {
	switch {
	case len(in) == len(out):
		for c := range out {
			addTo(out[c], in[c], 1)
		}
	case interp == Speakers && len(in) == 1 && len(out) == 2:
		addTo(out[0], in[0], 1)
		addTo(out[1], in[0], 1)
	case interp == Speakers && len(in) == 2 && len(out) == 1:
		addTo(out[0], in[0], 0.5)
		addTo(out[0], in[1], 0.5)
	default:
		for c := range min(len(in), len(out)) {
			addTo(out[c], in[c], 1)
		}
	}
}

func addTo(dst, src []float32, gain float32) {
	for i, s := range src {
		dst[i] += s * gain
	}
}

// Downmix mixes b to mono into dst using speaker rules.
func Downmix(dst []float32, b Bus) {
	clear(dst)
	if len(b) == 0 {
		return
	}
	gain := float32(1) / float32(len(b))
	for _, ch := range b {
		addTo(dst, ch, gain)
	}
}
