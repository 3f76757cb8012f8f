package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	"github.com/tphakala/audiograph/internal/errors"
)

// wavFormatPCM is the WAVE_FORMAT_PCM format tag.
const wavFormatPCM = 1

// DecodeAudioData decodes a WAV or FLAC file held in data and resamples it to
// sampleRate. The container is detected from its magic bytes.
func DecodeAudioData(data []byte, sampleRate float64) (*Buffer, error) {
	var (
		buf *Buffer
		err error
	)
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		buf, err = decodeWAV(data)
	case len(data) >= 4 && string(data[:4]) == "fLaC":
		buf, err = decodeFLAC(data)
	default:
		return nil, ErrUnsupportedFormat
	}
	if err != nil {
		return nil, errors.New(err).
			Component(ComponentAudio).
			Category(errors.CategoryFileParsing).
			Build()
	}
	if sampleRate > 0 && buf.sampleRate != sampleRate {
		buf = Resample(buf, sampleRate)
	}
	return buf, nil
}

func decodeWAV(data []byte) (*Buffer, error) {
	decoder := wav.NewDecoder(bytes.NewReader(data))
	decoder.ReadInfo()
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("invalid WAV file")
	}
	if decoder.WavAudioFormat != wavFormatPCM {
		return nil, fmt.Errorf("unsupported WAV format tag %d", decoder.WavAudioFormat)
	}

	divisor, err := sampleDivisor(int(decoder.BitDepth))
	if err != nil {
		return nil, err
	}

	pcm, err := decoder.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("reading WAV samples: %w", err)
	}
	channels := int(decoder.NumChans)
	if channels < 1 {
		return nil, fmt.Errorf("WAV file declares no channels")
	}
	return deinterleaveInts(pcm.Data, channels, divisor, float64(decoder.SampleRate)), nil
}

func decodeFLAC(data []byte) (*Buffer, error) {
	decoder, err := flac.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("opening FLAC stream: %w", err)
	}
	divisor, err := sampleDivisor(decoder.BitsPerSample)
	if err != nil {
		return nil, err
	}
	channels := decoder.NChannels
	if channels < 1 {
		return nil, fmt.Errorf("FLAC stream declares no channels")
	}

	bytesPerSample := decoder.BitsPerSample / 8
	var samples []int
	for {
		frame, err := decoder.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decoding FLAC frame: %w", err)
		}
		for i := 0; i+bytesPerSample <= len(frame); i += bytesPerSample {
			samples = append(samples, readSample(frame[i:], decoder.BitsPerSample))
		}
	}
	return deinterleaveInts(samples, channels, divisor, float64(decoder.SampleRate)), nil
}

// readSample reads one little-endian signed sample.
func readSample(b []byte, bitDepth int) int {
	switch bitDepth {
	case 8:
		return int(int8(b[0]))
	case 16:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case 24:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return int(v<<8) >> 8
	default:
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
}

func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 8, 16, 24, 32:
		return float32(math.Pow(2, float64(bitDepth-1))), nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func deinterleaveInts(data []int, channels int, divisor float32, sampleRate float64) *Buffer {
	frames := len(data) / channels
	buf := NewBuffer(channels, frames, sampleRate)
	for i := range frames {
		for ch := range channels {
			buf.channels[ch][i] = float32(data[i*channels+ch]) / divisor
		}
	}
	return buf
}

// Resample converts buf to rate with linear interpolation.
func Resample(buf *Buffer, rate float64) *Buffer {
	if buf.sampleRate == rate || buf.Length() == 0 {
		return NewBufferFrom(buf.channels, rate)
	}
	ratio := buf.sampleRate / rate
	length := int(math.Round(float64(buf.Length()) / ratio))
	out := NewBuffer(len(buf.channels), length, rate)
	last := buf.Length() - 1
	for ch, in := range buf.channels {
		dst := out.channels[ch]
		for i := range dst {
			pos := float64(i) * ratio
			j := int(pos)
			if j >= last {
				dst[i] = in[last]
				continue
			}
			frac := float32(pos - float64(j))
			dst[i] = in[j] + (in[j+1]-in[j])*frac
		}
	}
	return out
}

// EncodeWAV writes buf as integer PCM at bitDepth (16, 24 or 32).
func EncodeWAV(w io.WriteSeeker, buf *Buffer, bitDepth int) error {
	divisor, err := sampleDivisor(bitDepth)
	if err != nil || bitDepth == 8 {
		return errors.Newf("unsupported output bit depth %d", bitDepth).
			Component(ComponentAudio).
			Category(errors.CategoryValidation).
			Build()
	}

	channels := buf.NumberOfChannels()
	length := buf.Length()
	data := make([]int, length*channels)
	limit := float64(divisor) - 1
	for i := range length {
		for ch := range channels {
			v := float64(buf.channels[ch][i]) * float64(divisor)
			data[i*channels+ch] = int(math.Max(-limit-1, math.Min(limit, math.Round(v))))
		}
	}

	enc := wav.NewEncoder(w, int(buf.sampleRate), bitDepth, channels, wavFormatPCM)
	format := &audio.Format{SampleRate: int(buf.sampleRate), NumChannels: channels}
	if err := enc.Write(&audio.IntBuffer{Data: data, Format: format, SourceBitDepth: bitDepth}); err != nil {
		return errors.New(fmt.Errorf("writing WAV samples: %w", err)).
			Component(ComponentAudio).
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := enc.Close(); err != nil {
		return errors.New(fmt.Errorf("finalizing WAV file: %w", err)).
			Component(ComponentAudio).
			Category(errors.CategoryFileIO).
			Build()
	}
	return nil
}
