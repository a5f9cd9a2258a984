// Package audio holds the waveform helpers the synthesis pipeline needs:
// resampling between model rates, WAV decoding and encoding, and joining
// fragments.
package audio

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/loqalabs/loqa-voice/internal/nn"
)

// ErrResample wraps resampler failures.
var ErrResample = errors.New("resample failed")

// EnrollmentRates are the rates a reference clip is prepared at: the acoustic
// feature model consumes 16 kHz, the synthesis model 32 kHz.
var EnrollmentRates = []int{16000, 32000}

// Resampler converts mono float PCM between sample rates. Output length is
// always round(len(pcm) * dst / src).
type Resampler interface {
	Resample(ctx context.Context, pcm []float32, src, dst int) ([]float32, error)
}

// OutputLen is the number of samples a conversion from src to dst produces.
func OutputLen(n, src, dst int) int {
	return int(math.Round(float64(n) * float64(dst) / float64(src)))
}

// Soxr resamples in process with a polyphase filter. Output is aligned with
// the input: sample i of the result sits at time i/dst.
type Soxr struct {
	Quality resampling.QualitySpec

	// output index of the first input sample, per rate pair
	offsets sync.Map
}

type ratePair struct{ src, dst int }

// NewSoxr returns a high quality resampler.
func NewSoxr() *Soxr {
	return &Soxr{Quality: resampling.QualitySpec{Preset: resampling.QualityHigh}}
}

func (s *Soxr) Resample(ctx context.Context, pcm []float32, src, dst int) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrResample, src, dst)
	}
	if src == dst || len(pcm) == 0 {
		return append([]float32(nil), pcm...), nil
	}

	// The filter only emits once its window is full, so silence on both
	// sides keeps the first and last samples in the output.
	pad := padding(src)
	input := make([]float64, pad+len(pcm)+pad)
	for i, v := range pcm {
		input[pad+i] = float64(v)
	}
	output, err := s.run(src, dst, input)
	if err != nil {
		return nil, err
	}
	offset, err := s.offset(src, dst, pad)
	if err != nil {
		return nil, err
	}
	return fit(output[min(offset, len(output)):], OutputLen(len(pcm), src, dst)), nil
}

func padding(rate int) int { return rate/10 + 1024 }

func (s *Soxr) run(src, dst int, input []float64) ([]float64, error) {
	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(src),
		OutputRate: float64(dst),
		Channels:   1,
		Quality:    s.Quality,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResample, err)
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResample, err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResample, err)
	}
	return append(output, tail...), nil
}

// offset finds where input sample pad lands in the output by running an
// impulse through the same filter chain.
func (s *Soxr) offset(src, dst, pad int) (int, error) {
	key := ratePair{src, dst}
	if v, ok := s.offsets.Load(key); ok {
		return v.(int), nil
	}
	impulse := make([]float64, 2*pad+1)
	impulse[pad] = 1
	out, err := s.run(src, dst, impulse)
	if err != nil {
		return 0, err
	}
	peak := 0
	for i, v := range out {
		if v > out[peak] {
			peak = i
		}
	}
	s.offsets.Store(key, peak)
	return peak, nil
}

func fit(samples []float64, n int) []float32 {
	out := make([]float32, n)
	for i := 0; i < n && i < len(samples); i++ {
		out[i] = float32(samples[i])
	}
	return out
}

// RuntimeResampler delegates to a model exposing a "resample" method.
type RuntimeResampler struct {
	Model nn.MethodCaller
}

func (r RuntimeResampler) Resample(ctx context.Context, pcm []float32, src, dst int) ([]float32, error) {
	if src <= 0 || dst <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrResample, src, dst)
	}
	if src == dst || len(pcm) == 0 {
		return append([]float32(nil), pcm...), nil
	}
	out, err := r.Model.Call(ctx, "resample",
		nn.FromFloat32(pcm, 1, int64(len(pcm))),
		nn.FromInt64([]int64{int64(src)}),
		nn.FromInt64([]int64{int64(dst)}),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrResample, err)
	}
	if out.DType() != nn.Float32 {
		return nil, fmt.Errorf("%w: runtime returned %s samples", ErrResample, out.DType())
	}
	want := OutputLen(len(pcm), src, dst)
	if len(out.F32) == want {
		return out.F32, nil
	}
	padded := make([]float32, want)
	copy(padded, out.F32)
	return padded, nil
}
