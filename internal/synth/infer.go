package synth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/speakerstore"
	"github.com/loqalabs/loqa-voice/internal/text"
)

// Audio is mono float PCM.
type Audio struct {
	Samples    []float32
	SampleRate int
}

// Duration is the playback length of a.
func (a Audio) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(a.Samples)) * time.Second / time.Duration(a.SampleRate)
}

// EnrollRequest describes a reference utterance.
type EnrollRequest struct {
	Name      string
	ModelPath string
	Samples   []float32
	// SampleRate of Samples; any positive rate is accepted.
	SampleRate int
	RefText    string
}

// Enroll prepares the reference bundle for req and registers the speaker,
// replacing any previous enrollment under the same name. On failure the
// registry is left untouched.
func (o *Orchestrator) Enroll(ctx context.Context, req EnrollRequest) error {
	return o.enroll(ctx, req, true)
}

// EnrollFile enrolls a speaker from a WAV reference on disk.
func (o *Orchestrator) EnrollFile(ctx context.Context, name, modelPath, wavPath, refText string) error {
	clip, err := audio.ReadWAV(wavPath)
	if err != nil {
		return fmt.Errorf("enroll %s: read reference %s: %w", name, wavPath, err)
	}
	return o.Enroll(ctx, EnrollRequest{
		Name:       name,
		ModelPath:  modelPath,
		Samples:    clip.Samples,
		SampleRate: clip.SampleRate,
		RefText:    refText,
	})
}

// RestoreSpeakers re-enrolls every speaker held by the store. Speakers that
// fail to enroll are logged and skipped. It returns how many were restored.
func (o *Orchestrator) RestoreSpeakers(ctx context.Context) (int, error) {
	if o.store == nil {
		return 0, nil
	}
	stored, err := o.store.ListSpeakers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored speakers: %w", err)
	}
	restored := 0
	for _, sp := range stored {
		if err := ctx.Err(); err != nil {
			return restored, err
		}
		err := o.enroll(ctx, EnrollRequest{
			Name:       sp.Name,
			ModelPath:  sp.ModelPath,
			Samples:    audio.FromPCM16Bytes(sp.PCM),
			SampleRate: sp.SampleRate,
			RefText:    sp.RefText,
		}, false)
		if err != nil {
			o.log.Warn("restore speaker failed", slog.String("speaker", sp.Name), slogError(err))
			continue
		}
		restored++
	}
	return restored, nil
}

func (o *Orchestrator) enroll(ctx context.Context, req EnrollRequest, persist bool) (err error) {
	if o.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "synth.Enroll", trace.WithAttributes(attribute.String("speaker", req.Name)))
	defer func() {
		finishSpan(span, err)
		o.observe(ctx, "enroll", start, err)
	}()

	if req.Name == "" {
		return errors.New("enroll: speaker name required")
	}
	if len(req.Samples) == 0 || req.SampleRate <= 0 {
		return fmt.Errorf("enroll %s: reference audio required", req.Name)
	}
	refText := text.EnsureTerminal(strings.TrimSpace(req.RefText))

	model, err := o.rt.Load(ctx, req.ModelPath)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("enroll %s: %w", req.Name, wrapLoad("speaker model", err))
	}
	defer func() {
		if err != nil {
			if closeErr := model.Close(); closeErr != nil {
				o.log.Warn("close speaker model failed", slog.String("speaker", req.Name), slogError(closeErr))
			}
		}
	}()

	resampled := make(map[int][]float32, len(audio.EnrollmentRates))
	for _, rate := range audio.EnrollmentRates {
		pcm, err := o.resampler.Resample(ctx, req.Samples, req.SampleRate, rate)
		if err != nil {
			return fmt.Errorf("enroll %s: %d Hz reference: %w", req.Name, rate, err)
		}
		resampled[rate] = pcm
	}
	ref16k, ref32k := resampled[16000], resampled[32000]

	ssl, err := o.ssl.Forward(ctx, nn.FromFloat32(ref16k, 1, int64(len(ref16k))))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if !errors.Is(err, ErrRuntimeForward) {
			err = fmt.Errorf("%w: %v", ErrRuntimeForward, err)
		}
		return fmt.Errorf("enroll %s: ssl features: %w", req.Name, err)
	}

	phones, err := o.g2p.Convert(ctx, refText)
	if err != nil {
		return fmt.Errorf("enroll %s: reference text: %w", req.Name, err)
	}

	sp, err := speaker.New(req.Name, speaker.Reference{
		Text:       refText,
		SSLContent: ssl,
		Audio32k:   nn.FromFloat32(ref32k, 1, int64(len(ref32k))),
		Phones:     phones,
		ModelPath:  req.ModelPath,
		Samples:    req.Samples,
		SampleRate: req.SampleRate,
	}, model)
	if err != nil {
		return err
	}
	replaced, err := o.registry.Put(sp)
	if errors.Is(err, speaker.ErrRegistryClosed) {
		return ErrClosed
	}
	if err != nil {
		return err
	}

	o.log.Info("speaker enrolled",
		slog.String("speaker", req.Name),
		slog.Bool("replaced", replaced),
		slog.Int("ref_phones", phones.Len()),
		slog.Int("source_rate", req.SampleRate),
	)

	if persist && o.store != nil {
		rec := speakerstore.Speaker{
			Name:       req.Name,
			ModelPath:  req.ModelPath,
			RefText:    refText,
			SampleRate: req.SampleRate,
			PCM:        audio.PCM16Bytes(req.Samples),
			EnrolledAt: sp.EnrolledAt,
		}
		if err := o.store.SaveSpeaker(context.WithoutCancel(ctx), rec); err != nil {
			o.log.Warn("persist speaker failed", slog.String("speaker", req.Name), slogError(err))
		}
	}
	o.recordEvent(ctx, req.Name, "enroll", eventPayload(map[string]any{
		"replaced":    replaced,
		"ref_text":    refText,
		"source_rate": req.SampleRate,
	}))
	return nil
}

// Infer synthesizes text in one forward pass.
func (o *Orchestrator) Infer(ctx context.Context, name, input string) (_ Audio, err error) {
	if o.closed.Load() {
		return Audio{}, ErrClosed
	}
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "synth.Infer", trace.WithAttributes(
		attribute.String("speaker", name),
		attribute.Int("text.runes", len([]rune(input))),
	))
	defer func() {
		finishSpan(span, err)
		o.observe(ctx, "infer", start, err)
	}()

	sp, err := o.registry.Get(name)
	if err != nil {
		return Audio{}, err
	}
	defer o.releaseSpeaker(sp)
	samples, err := o.synthesize(ctx, sp, input)
	if err != nil {
		return Audio{}, err
	}
	o.recordSynthesis(ctx, name, input, 1, len(samples), start)
	return Audio{Samples: samples, SampleRate: o.outputRate}, nil
}

// SegmentInfer splits text into fragments of at most maxChunkSize runes
// (0 selects text.DefaultChunkSize), synthesizes each and concatenates the results in
// order. The first failing fragment cancels the rest and fails the call.
func (o *Orchestrator) SegmentInfer(ctx context.Context, name, input string, maxChunkSize int) (_ Audio, err error) {
	if o.closed.Load() {
		return Audio{}, ErrClosed
	}
	start := time.Now()
	size := text.ResolveChunkSize(maxChunkSize)
	ctx, span := o.tracer.Start(ctx, "synth.SegmentInfer", trace.WithAttributes(
		attribute.String("speaker", name),
		attribute.Int("chunk_size", size),
	))
	defer func() {
		finishSpan(span, err)
		o.observe(ctx, "segment_infer", start, err)
	}()

	fragments := text.Collect(text.Split(input, size))
	o.log.Debug("segmented text",
		slog.String("speaker", name),
		slog.Int("chunk_size", size),
		slog.Int("fragments", len(fragments)),
		slog.Any("text", fragments),
	)
	span.SetAttributes(attribute.Int("fragments", len(fragments)))
	if len(fragments) == 0 {
		return Audio{}, ErrEmptyInput
	}

	sp, err := o.registry.Get(name)
	if err != nil {
		return Audio{}, err
	}
	defer o.releaseSpeaker(sp)
	parts, err := o.synthesizeAll(ctx, sp, fragments)
	if err != nil {
		return Audio{}, err
	}
	samples := audio.Concat(parts...)
	if len(samples) == 0 {
		return Audio{}, ErrEmptyInput
	}
	o.recordSynthesis(ctx, name, input, len(fragments), len(samples), start)
	return Audio{Samples: samples, SampleRate: o.outputRate}, nil
}

func (o *Orchestrator) releaseSpeaker(sp *speaker.Speaker) {
	if err := sp.Release(); err != nil {
		o.log.Warn("close speaker model failed", slog.String("speaker", sp.Name), slogError(err))
	}
}

func (o *Orchestrator) synthesize(ctx context.Context, sp *speaker.Speaker, input string) ([]float32, error) {
	seq, err := o.g2p.Convert(ctx, text.Normalize(input))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return sp.Synthesize(ctx, seq)
}

// synthesizeAll runs fragments on up to o.workers goroutines and returns the
// results in fragment order.
func (o *Orchestrator) synthesizeAll(parent context.Context, sp *speaker.Speaker, fragments []string) ([][]float32, error) {
	parts := make([][]float32, len(fragments))
	workers := min(o.workers, len(fragments))
	if workers <= 1 {
		for i, f := range fragments {
			samples, err := o.synthesize(parent, sp, f)
			if err != nil {
				return nil, fmt.Errorf("fragment %d: %w", i, err)
			}
			parts[i] = samples
		}
		return parts, nil
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	jobs := make(chan int)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				samples, err := o.synthesize(ctx, sp, fragments[i])
				if err != nil {
					once.Do(func() {
						firstErr = fmt.Errorf("fragment %d: %w", i, err)
						cancel()
					})
					continue
				}
				parts[i] = samples
			}
		}()
	}

feed:
	for i := range fragments {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

func (o *Orchestrator) recordSynthesis(ctx context.Context, name, input string, fragments, samples int, start time.Time) {
	o.recordEvent(ctx, name, "synthesize", eventPayload(map[string]any{
		"runes":       len([]rune(input)),
		"fragments":   fragments,
		"samples":     samples,
		"duration_ms": time.Since(start).Milliseconds(),
	}))
}

func eventPayload(v map[string]any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorKind(err))
	}
	span.End()
}

func opAttr(op string) attribute.KeyValue { return attribute.String("op", op) }

func kindAttr(kind string) attribute.KeyValue { return attribute.String("kind", kind) }
