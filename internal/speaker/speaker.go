// Package speaker holds enrolled voices: the reference bundle computed once at
// enrollment and the per-speaker synthesis model.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/g2p"
	"github.com/loqalabs/loqa-voice/internal/nn"
)

// ErrSpeakerNotFound is returned when a name is not enrolled.
var ErrSpeakerNotFound = errors.New("speaker not found")

// Reference is everything derived from the reference utterance.
type Reference struct {
	Text string
	// SSLContent are the acoustic features of the 16 kHz reference.
	SSLContent nn.Tensor
	// Audio32k is the reference resampled to 32 kHz, shaped [1, N].
	Audio32k nn.Tensor
	Phones   g2p.Sequence

	// Source data kept for persistence.
	ModelPath  string
	Samples    []float32
	SampleRate int
}

// Speaker is immutable once built and may be shared between goroutines.
// Its model stays open until every holder has called Release.
type Speaker struct {
	Name       string
	Ref        Reference
	Model      nn.Model
	EnrolledAt time.Time

	refPhones nn.Tensor
	refBert   nn.Tensor
	refs      atomic.Int64
}

// Synthesizer produces audio for a phone sequence in a fixed voice.
type Synthesizer interface {
	Synthesize(ctx context.Context, seq g2p.Sequence) ([]float32, error)
}

// New builds a speaker holding one reference, owned by the caller.
func New(name string, ref Reference, model nn.Model) (*Speaker, error) {
	if name == "" {
		return nil, errors.New("speaker name required")
	}
	if model == nil {
		return nil, errors.New("speaker model required")
	}
	if ref.Phones.Len() == 0 {
		return nil, fmt.Errorf("speaker %s: reference has no phones", name)
	}
	phones, bert := ref.Phones.Tensors()
	s := &Speaker{
		Name:       name,
		Ref:        ref,
		Model:      model,
		EnrolledAt: time.Now().UTC(),
		refPhones:  phones,
		refBert:    bert,
	}
	s.refs.Store(1)
	return s, nil
}

func (s *Speaker) acquire() { s.refs.Add(1) }

// Release drops a reference. The last release closes the model.
func (s *Speaker) Release() error {
	switch n := s.refs.Add(-1); {
	case n == 0:
		return s.Model.Close()
	case n < 0:
		return fmt.Errorf("speaker %s released too many times", s.Name)
	}
	return nil
}

// Synthesize runs the speaker model with inputs ordered as
// (ssl_content, ref_audio_32k, ref_phones, phones, ref_bert, bert).
func (s *Speaker) Synthesize(ctx context.Context, seq g2p.Sequence) ([]float32, error) {
	if seq.Len() == 0 {
		return nil, fmt.Errorf("%w: empty phone sequence", nn.ErrRuntimeForward)
	}
	phones, bert := seq.Tensors()
	out, err := s.Model.Forward(ctx,
		s.Ref.SSLContent,
		s.Ref.Audio32k,
		s.refPhones,
		phones,
		s.refBert,
		bert,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, nn.ErrRuntimeForward) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: speaker %s: %v", nn.ErrRuntimeForward, s.Name, err)
	}
	if out.DType() != nn.Float32 {
		return nil, fmt.Errorf("%w: speaker %s returned %s audio", nn.ErrRuntimeForward, s.Name, out.DType())
	}
	return out.F32, nil
}

var _ Synthesizer = (*Speaker)(nil)
