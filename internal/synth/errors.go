package synth

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/g2p"
	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/symbols"
	"github.com/loqalabs/loqa-voice/internal/text"
)

// Error kinds returned by the orchestrator. Test with errors.Is.
var (
	ErrAssetLoad           = nn.ErrAssetLoad
	ErrRuntimeForward      = nn.ErrRuntimeForward
	ErrUnknownSymbol       = symbols.ErrUnknownSymbol
	ErrUnsupportedLanguage = g2p.ErrUnsupportedLanguage
	ErrSpeakerNotFound     = speaker.ErrSpeakerNotFound
	ErrEmptyInput          = text.ErrEmptyInput
	ErrResample            = audio.ErrResample
)

// ErrClosed is returned by calls on a closed orchestrator.
var ErrClosed = errors.New("orchestrator closed")

// ErrorKind names the class of err for metrics labels and wire replies.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrSpeakerNotFound):
		return "speaker_not_found"
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrUnknownSymbol):
		return "unknown_symbol"
	case errors.Is(err, ErrUnsupportedLanguage):
		return "unsupported_language"
	case errors.Is(err, ErrAssetLoad):
		return "asset_load"
	case errors.Is(err, ErrResample):
		return "resample"
	case errors.Is(err, ErrRuntimeForward):
		return "runtime_forward"
	case errors.Is(err, ErrClosed):
		return "closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "other"
}
