package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

// Engine is the synthesis pipeline the service drives.
type Engine interface {
	SegmentInfer(ctx context.Context, speaker, text string, maxChunkSize int) (synth.Audio, error)
	Enroll(ctx context.Context, req synth.EnrollRequest) error
	Remove(ctx context.Context, name string) bool
	Speakers() []string
	DefaultChunkSize() int
}

// SynthChunk contains PCM data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Packetize slices mono samples into 16-bit PCM chunks of chunkMS
// milliseconds. The last chunk is marked final; empty audio yields one empty
// final chunk.
func Packetize(samples []float32, sampleRate, chunkMS int) []SynthChunk {
	per := sampleRate * chunkMS / 1000
	if per <= 0 {
		per = len(samples)
	}
	var chunks []SynthChunk
	for start := 0; start < len(samples) || len(chunks) == 0; start += per {
		end := min(start+per, len(samples))
		chunks = append(chunks, SynthChunk{
			Sequence:   len(chunks),
			SampleRate: sampleRate,
			Channels:   1,
			PCM:        audio.PCM16Bytes(samples[start:end]),
		})
		if per == 0 {
			break
		}
	}
	chunks[len(chunks)-1].Final = true
	return chunks
}
