package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/synth"
)

const maxEnrollBody = 32 << 20

type synthesizeRequest struct {
	Speaker   string `json:"speaker"`
	Text      string `json:"text"`
	ChunkSize int    `json:"chunk_size,omitempty"`
}

type phonemizeRequest struct {
	Text string `json:"text"`
}

type phonemizeResponse struct {
	Symbols []string `json:"symbols"`
	IDs     []int64  `json:"ids"`
}

type speakersResponse struct {
	Speakers   []string `json:"speakers"`
	Languages  []string `json:"languages"`
	SampleRate int      `json:"sample_rate"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
}

// api serves synthesis over HTTP.
type api struct {
	engine  *synth.Orchestrator
	timeout time.Duration
	ready   func() bool
	metrics http.Handler
	log     *slog.Logger
}

func (a *api) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/readyz", a.handleReady)
	if a.metrics != nil {
		mux.Handle("/metrics", a.metrics)
	}
	mux.HandleFunc("GET /v1/speakers", a.handleSpeakers)
	mux.HandleFunc("POST /v1/speakers/{name}", a.handleEnroll)
	mux.HandleFunc("DELETE /v1/speakers/{name}", a.handleRemove)
	mux.HandleFunc("POST /v1/synthesize", a.handleSynthesize)
	mux.HandleFunc("POST /v1/phonemize", a.handlePhonemize)
	return withRequestID(mux)
}

type requestIDKey struct{}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), requestIDKey{}, id)))
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready != nil && a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(parent, a.timeout)
	}
	return context.WithCancel(parent)
}

func (a *api) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	langs := a.engine.Languages()
	resp := speakersResponse{
		Speakers:   a.engine.Speakers(),
		Languages:  make([]string, 0, len(langs)),
		SampleRate: a.engine.SampleRate(),
	}
	for _, l := range langs {
		resp.Languages = append(resp.Languages, l.String())
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEnroll takes a WAV body. The model path and reference transcript
// come from the "model" and "text" query parameters.
func (a *api) handleEnroll(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxEnrollBody))
	if err != nil {
		a.writeError(w, req, http.StatusRequestEntityTooLarge, err)
		return
	}
	clip, err := audio.DecodeWAV(bytes.NewReader(body))
	if err != nil {
		a.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := a.requestContext(req.Context())
	defer cancel()

	q := req.URL.Query()
	err = a.engine.Enroll(ctx, synth.EnrollRequest{
		Name:       name,
		ModelPath:  q.Get("model"),
		Samples:    clip.Samples,
		SampleRate: clip.SampleRate,
		RefText:    q.Get("text"),
	})
	if err != nil {
		a.writeError(w, req, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"speaker": name})
}

func (a *api) handleRemove(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	if !a.engine.Remove(req.Context(), name) {
		a.writeError(w, req, http.StatusNotFound, synth.ErrSpeakerNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) handleSynthesize(w http.ResponseWriter, req *http.Request) {
	var body synthesizeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := a.requestContext(req.Context())
	defer cancel()

	size := body.ChunkSize
	if size <= 0 {
		size = a.engine.DefaultChunkSize()
	}
	out, err := a.engine.SegmentInfer(ctx, body.Speaker, body.Text, size)
	if err != nil {
		a.writeError(w, req, statusFor(err), err)
		return
	}
	wav, err := audio.EncodeWAV(out.Samples, out.SampleRate)
	if err != nil {
		a.writeError(w, req, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	w.Header().Set("X-Audio-Duration-Ms", strconv.FormatInt(out.Duration().Milliseconds(), 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(wav)
}

func (a *api) handlePhonemize(w http.ResponseWriter, req *http.Request) {
	var body phonemizeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		a.writeError(w, req, http.StatusBadRequest, err)
		return
	}
	seq, err := a.engine.Phonemize(req.Context(), body.Text)
	if err != nil {
		a.writeError(w, req, statusFor(err), err)
		return
	}
	names := a.engine.Symbols().Symbols()
	resp := phonemizeResponse{IDs: seq.IDs, Symbols: make([]string, 0, len(seq.IDs))}
	for _, id := range seq.IDs {
		resp.Symbols = append(resp.Symbols, names[id])
	}
	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch synth.ErrorKind(err) {
	case "speaker_not_found":
		return http.StatusNotFound
	case "empty_input", "unknown_symbol", "unsupported_language":
		return http.StatusBadRequest
	case "closed":
		return http.StatusServiceUnavailable
	case "canceled":
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (a *api) writeError(w http.ResponseWriter, req *http.Request, status int, err error) {
	id := requestID(req.Context())
	kind := synth.ErrorKind(err)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	a.log.Log(req.Context(), level, "request failed",
		slog.String("path", req.URL.Path),
		slog.String("request_id", id),
		slog.String("kind", kind),
		slog.String("error", err.Error()))
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: kind, RequestID: id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
