package audio

import "math"

// Buffer is decoded audio held in memory, planar float32.
type Buffer struct {
	sampleRate float64
	channels   [][]float32
}

// NewBuffer allocates a silent buffer.
func NewBuffer(channels, length int, sampleRate float64) *Buffer {
	data := make([][]float32, channels)
	for i := range data {
		data[i] = make([]float32, length)
	}
	return &Buffer{sampleRate: sampleRate, channels: data}
}

// NewBufferFrom wraps existing planar data. All channels must have equal length.
func NewBufferFrom(data [][]float32, sampleRate float64) *Buffer {
	return &Buffer{sampleRate: sampleRate, channels: data}
}

// SampleRate returns the buffer's sample rate
func (b *Buffer) SampleRate() float64 { return b.sampleRate }

// NumberOfChannels returns the channel count
func (b *Buffer) NumberOfChannels() int { return len(b.channels) }

// Length returns the frame count.
func (b *Buffer) Length() int {
	if len(b.channels) == 0 {
		return 0
	}
	return len(b.channels[0])
}

// Duration returns the length in seconds.
func (b *Buffer) Duration() float64 {
	if b.sampleRate == 0 {
		return 0
	}
	return float64(b.Length()) / b.sampleRate
}

// Channel returns channel i's samples. The slice is shared, not copied.
func (b *Buffer) Channel(i int) []float32 {
	return b.channels[i]
}

// Channels returns every channel's samples.
func (b *Buffer) Channels() [][]float32 {
	return b.channels
}

// Levels measures RMS and peak per channel over the whole buffer.
func (b *Buffer) Levels() Levels {
	return MeasureLevels(b.channels)
}

// MeasureLevels computes RMS and peak per channel.
func MeasureLevels(channels [][]float32) Levels {
	lv := Levels{RMS: make([]float64, len(channels)), Peak: make([]float64, len(channels))}
	for c, samples := range channels {
		if len(samples) == 0 {
			continue
		}
		var sum, peak float64
		for _, s := range samples {
			v := float64(s)
			sum += v * v
			if v < 0 {
				v = -v
			}
			peak = max(peak, v)
		}
		lv.RMS[c] = math.Sqrt(sum / float64(len(samples)))
		lv.Peak[c] = peak
	}
	return lv
}
