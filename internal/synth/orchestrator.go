// Package synth owns the synthesis pipeline: it loads the shared assets,
// enrolls speakers and turns text into audio in an enrolled voice.
package synth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/g2p"
	"github.com/loqalabs/loqa-voice/internal/g2pcache"
	"github.com/loqalabs/loqa-voice/internal/nn"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/speakerstore"
	"github.com/loqalabs/loqa-voice/internal/symbols"
	"github.com/loqalabs/loqa-voice/internal/text"
)

const instrumentation = "github.com/loqalabs/loqa-voice/synth"

// Store persists enrollments and records synthesis events.
type Store interface {
	SaveSpeaker(ctx context.Context, sp speakerstore.Speaker) error
	DeleteSpeaker(ctx context.Context, name string) error
	ListSpeakers(ctx context.Context) ([]speakerstore.Speaker, error)
	AppendEvent(ctx context.Context, evt speakerstore.Event) error
}

// Options carries collaborators that are not described by configuration.
type Options struct {
	// Runtime overrides the runtime built from config. The caller keeps
	// ownership and must close it after the orchestrator.
	Runtime nn.Runtime
	// Store is optional.
	Store  Store
	Logger *slog.Logger
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	log         *slog.Logger
	rt          nn.Runtime
	ownsRuntime bool
	table       *symbols.Table
	router      *g2p.Router
	g2p         g2pcache.Converter
	cache       *g2pcache.Cache
	aux         []nn.Model
	ssl         nn.Model
	resampler   audio.Resampler
	registry    *speaker.Registry
	store       Store

	outputRate int
	chunkSize  int
	workers    int

	tracer   trace.Tracer
	requests metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New loads every shared asset. Any failure releases what was loaded so far.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *Orchestrator, err error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	o := &Orchestrator{
		log:        log.With(slog.String("component", "synth")),
		store:      opts.Store,
		outputRate: cfg.Synthesis.OutputSampleRate,
		chunkSize:  cfg.Synthesis.DefaultChunkSize,
		workers:    max(cfg.Synthesis.Workers, 1),
		tracer:     otel.Tracer(instrumentation),
	}
	defer func() {
		if err != nil {
			if releaseErr := o.release(); releaseErr != nil {
				o.log.Warn("release after failed construction", slogError(releaseErr))
			}
		}
	}()

	rt := opts.Runtime
	if rt == nil {
		if rt, err = newRuntime(cfg); err != nil {
			return nil, err
		}
		o.ownsRuntime = true
	}
	if !cfg.Runtime.ConcurrentForward {
		rt = nn.SerialRuntime{Runtime: rt}
	}
	o.rt = rt

	if cfg.G2P.SymbolsPath != "" {
		if o.table, err = symbols.Load(cfg.G2P.SymbolsPath); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAssetLoad, err)
		}
	} else {
		o.table = symbols.Default()
	}

	converters, err := o.loadConverters(ctx, cfg.G2P)
	if err != nil {
		return nil, err
	}
	if o.router, err = g2p.NewRouter(o.table, converters...); err != nil {
		return nil, err
	}
	o.g2p = o.router

	if c := cfg.G2P.Cache; c.Enabled {
		o.cache, err = g2pcache.Open(o.router, g2pcache.Options{
			Dir:       c.Dir,
			InMemory:  c.InMemory,
			Namespace: assetFingerprint(cfg.G2P),
		}, o.log)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAssetLoad, err)
		}
		o.g2p = o.cache
	}

	if o.ssl, err = o.rt.Load(ctx, cfg.Synthesis.SSLModelPath); err != nil {
		return nil, wrapLoad("ssl model", err)
	}
	switch cfg.Synthesis.Resampler {
	case "runtime":
		caller, ok := o.ssl.(nn.MethodCaller)
		if !ok {
			return nil, fmt.Errorf("%w: ssl model does not expose resample", ErrAssetLoad)
		}
		o.resampler = audio.RuntimeResampler{Model: caller}
	default:
		o.resampler = audio.NewSoxr()
	}

	o.registry = speaker.NewRegistry(log)
	o.initMetrics()

	o.log.Info("synthesis pipeline ready",
		slog.String("runtime", cfg.Runtime.Mode),
		slog.Any("languages", o.router.Languages()),
		slog.Int("embedding_dim", o.router.EmbeddingDim()),
		slog.Int("symbols", o.table.Len()),
		slog.Bool("g2p_cache", o.cache != nil),
	)
	return o, nil
}

func newRuntime(cfg config.Config) (nn.Runtime, error) {
	switch cfg.Runtime.Mode {
	case "exec":
		return nn.NewExecRuntime(cfg.Runtime.Command)
	case "onnx":
		return nn.NewONNXRuntime(nn.ONNXOptions{
			LibraryPath: cfg.Runtime.LibraryPath,
			Device:      cfg.Runtime.Device,
			NumThreads:  cfg.Runtime.NumThreads,
		})
	case "mock", "":
		return nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: int64(cfg.G2P.EmbeddingDim)}), nil
	}
	return nil, fmt.Errorf("unknown runtime mode %q", cfg.Runtime.Mode)
}

func (o *Orchestrator) loadConverters(ctx context.Context, cfg config.G2PConfig) ([]g2p.Converter, error) {
	var converters []g2p.Converter

	if zh := cfg.Chinese; zh.Enabled {
		tok, err := g2p.LoadVocab(zh.BERTVocabPath)
		if err != nil {
			return nil, wrapLoad("bert vocab", err)
		}
		poly, err := g2p.LoadPolyphones(zh.PolyphonePath)
		if err != nil {
			return nil, wrapLoad("polyphone table", err)
		}
		g2pw, err := o.rt.Load(ctx, zh.G2PWModelPath)
		if err != nil {
			return nil, wrapLoad("g2pw model", err)
		}
		o.aux = append(o.aux, g2pw)
		bert, err := o.rt.Load(ctx, zh.BERTModelPath)
		if err != nil {
			return nil, wrapLoad("bert model", err)
		}
		o.aux = append(o.aux, bert)
		conv, err := g2p.NewChinese(g2p.ChineseConfig{
			DictPath:     zh.DictPath,
			Tokenizer:    tok,
			Polyphones:   poly,
			Polyphone:    g2pw,
			BERT:         bert,
			EmbeddingDim: cfg.EmbeddingDim,
		})
		if err != nil {
			return nil, err
		}
		converters = append(converters, conv)
	}

	dict, err := g2p.LoadCMUDict(cfg.EnglishDictPath)
	if err != nil {
		return nil, err
	}
	en, err := g2p.NewEnglish(dict, cfg.EmbeddingDim)
	if err != nil {
		return nil, err
	}
	converters = append(converters, en)

	if cfg.EnableJapanese {
		ja, err := g2p.NewJapanese(cfg.EmbeddingDim)
		if err != nil {
			return nil, err
		}
		converters = append(converters, ja)
	}
	return converters, nil
}

// assetFingerprint identifies the g2p asset set so cached conversions are
// not reused after a dictionary or model changes.
func assetFingerprint(cfg config.G2PConfig) string {
	cfg.Cache = config.G2PCacheConfig{}
	h := sha256.New()
	fmt.Fprintf(h, "%#v", cfg)
	for _, path := range []string{
		cfg.SymbolsPath,
		cfg.EnglishDictPath,
		cfg.Chinese.G2PWModelPath,
		cfg.Chinese.PolyphonePath,
		cfg.Chinese.BERTModelPath,
		cfg.Chinese.BERTVocabPath,
		cfg.Chinese.DictPath,
	} {
		if path == "" {
			continue
		}
		if info, err := os.Stat(path); err == nil {
			fmt.Fprintf(h, "|%s:%d:%d", path, info.Size(), info.ModTime().UnixNano())
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func wrapLoad(what string, err error) error {
	if errors.Is(err, ErrAssetLoad) {
		return fmt.Errorf("%s: %w", what, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrAssetLoad, what, err)
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter(instrumentation)
	var err error
	if o.requests, err = meter.Int64Counter("voice.synth.requests", metric.WithDescription("Synthesis and enrollment requests")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	if o.failures, err = meter.Int64Counter("voice.synth.errors", metric.WithDescription("Failed requests by error kind")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
	if o.duration, err = meter.Float64Histogram("voice.synth.duration_ms", metric.WithUnit("ms")); err != nil {
		o.log.Warn("failed to initialize metrics", slogError(err))
	}
}

// SampleRate is the rate of every Audio returned by Infer and SegmentInfer.
func (o *Orchestrator) SampleRate() int { return o.outputRate }

// DefaultChunkSize is the configured fragment budget request handlers apply
// when a request leaves the chunk size unset.
func (o *Orchestrator) DefaultChunkSize() int { return o.chunkSize }

// Languages lists the configured G2P languages.
func (o *Orchestrator) Languages() []g2p.Language { return o.router.Languages() }

// Symbols exposes the symbol table in use.
func (o *Orchestrator) Symbols() *symbols.Table { return o.table }

// Phonemize runs the G2P stage alone.
func (o *Orchestrator) Phonemize(ctx context.Context, input string) (g2p.Sequence, error) {
	if o.closed.Load() {
		return g2p.Sequence{}, ErrClosed
	}
	return o.g2p.Convert(ctx, text.Normalize(input))
}

// Speakers lists enrolled speaker names in sorted order.
func (o *Orchestrator) Speakers() []string {
	if o.closed.Load() {
		return nil
	}
	return o.registry.Names()
}

// Lookup returns the named speaker. The caller must Release it.
func (o *Orchestrator) Lookup(name string) (*speaker.Speaker, error) {
	if o.closed.Load() {
		return nil, ErrClosed
	}
	return o.registry.Get(name)
}

// Remove unregisters the named speaker and releases its model.
func (o *Orchestrator) Remove(ctx context.Context, name string) bool {
	if o.closed.Load() {
		return false
	}
	removed := o.registry.Remove(name)
	if removed {
		o.log.Info("speaker removed", slog.String("speaker", name))
		if o.store != nil {
			if err := o.store.DeleteSpeaker(ctx, name); err != nil {
				o.log.Warn("delete stored speaker failed", slog.String("speaker", name), slogError(err))
			}
		}
		o.recordEvent(ctx, name, "remove", nil)
	}
	return removed
}

// Close releases every speaker and shared asset. It is idempotent.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		o.closeErr = o.release()
	})
	return o.closeErr
}

func (o *Orchestrator) release() error {
	var errs []error
	if o.registry != nil {
		errs = append(errs, o.registry.Close())
	}
	if o.cache != nil {
		errs = append(errs, o.cache.Close())
	}
	if o.ssl != nil {
		errs = append(errs, o.ssl.Close())
	}
	for _, m := range o.aux {
		errs = append(errs, m.Close())
	}
	if o.ownsRuntime && o.rt != nil {
		errs = append(errs, o.rt.Close())
	}
	return errors.Join(errs...)
}

func (o *Orchestrator) recordEvent(ctx context.Context, name, kind string, payload []byte) {
	if o.store == nil {
		return
	}
	evt := speakerstore.Event{Speaker: name, Type: kind, Payload: payload}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		evt.TraceID = sc.TraceID().String()
	}
	if err := o.store.AppendEvent(context.WithoutCancel(ctx), evt); err != nil {
		o.log.Warn("record event failed", slog.String("type", kind), slogError(err))
	}
}

func (o *Orchestrator) observe(ctx context.Context, op string, start time.Time, err error) {
	attrs := metric.WithAttributes(opAttr(op))
	if o.requests != nil {
		o.requests.Add(ctx, 1, attrs)
	}
	if o.duration != nil {
		o.duration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
	if err != nil && o.failures != nil {
		o.failures.Add(ctx, 1, metric.WithAttributes(opAttr(op), kindAttr(ErrorKind(err))))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
