package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/up-zero/gotool/mediautil"
)

// ErrInvalidWAV is returned for input that is not a decodable PCM WAV file.
var ErrInvalidWAV = errors.New("invalid wav")

// Clip is mono float PCM in [-1, 1] at SampleRate.
type Clip struct {
	Samples    []float32
	SampleRate int
}

// Duration reports the clip length in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// DecodeWAV reads a PCM WAV stream, averaging channels down to mono.
func DecodeWAV(r io.ReadSeeker) (Clip, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Clip{}, ErrInvalidWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("%w: %v", ErrInvalidWAV, err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return Clip{}, fmt.Errorf("%w: missing format", ErrInvalidWAV)
	}
	channels := max(buf.Format.NumChannels, 1)
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = 16
	}
	scale := float32(math.Pow(2, float64(depth-1)))

	frames := len(buf.Data) / channels
	samples := make([]float32, frames)
	for f := 0; f < frames; f++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += float32(buf.Data[f*channels+c]) / scale
		}
		samples[f] = sum / float32(channels)
	}
	return Clip{Samples: samples, SampleRate: buf.Format.SampleRate}, nil
}

// ReadWAV decodes the WAV file at path.
func ReadWAV(path string) (Clip, error) {
	file, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer file.Close()
	return DecodeWAV(file)
}

// EncodeWAV renders mono float PCM as a 16-bit WAV payload.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	return mediautil.Float32ToWavBytes(samples, sampleRate, 1, 16)
}

// WriteWAV writes mono float PCM to path as 16-bit WAV.
func WriteWAV(path string, samples []float32, sampleRate int) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Data:           PCM16(samples),
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: 1},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// PCM16 clamps samples to [-1, 1] and scales them to 16-bit integers.
func PCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		clamped := math.Max(-1, math.Min(1, float64(s)))
		out[i] = int(clamped * 32767)
	}
	return out
}

// PCM16Bytes renders samples as little endian 16-bit PCM.
func PCM16Bytes(samples []float32) []byte {
	var b bytes.Buffer
	b.Grow(len(samples) * 2)
	for _, v := range PCM16(samples) {
		s := int16(v)
		b.WriteByte(byte(s))
		b.WriteByte(byte(s >> 8))
	}
	return b.Bytes()
}

// FromPCM16Bytes is the inverse of PCM16Bytes. A trailing odd byte is ignored.
func FromPCM16Bytes(b []byte) []float32 {
	out := make([]float32, len(b)/2)
	for i := range out {
		s := int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
		out[i] = float32(s) / 32767
	}
	return out
}

// Concat joins fragments in order.
func Concat(parts ...[]float32) []float32 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float32, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
