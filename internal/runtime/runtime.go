package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/speakerstore"
	"github.com/loqalabs/loqa-voice/internal/synth"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/voicepack"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	store        *speakerstore.Store
	engine       *synth.Orchestrator
	natsServer   *natsserver.EmbeddedServer
	bus          *bus.Client
	tts          *tts.Service
	capabilities *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.shutdown()

	if err := r.startEngine(ctx); err != nil {
		return err
	}
	if err := r.startBus(ctx); err != nil {
		return err
	}

	handler := (&api{
		engine:  r.engine,
		timeout: time.Duration(r.cfg.Synthesis.RequestTimeoutMS) * time.Millisecond,
		ready:   r.Ready,
		metrics: metricsHandler,
		log:     r.logger.With(slog.String("component", "http")),
	}).routes()

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		r.serveMetrics(metricsHandler, cancel)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.Any("speakers", r.engine.Speakers()),
		slog.Int("sample_rate", r.engine.SampleRate()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsSrv != nil {
		if err := r.metricsSrv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

// serveMetrics exposes the Prometheus handler on its own listener.
func (r *Runtime) serveMetrics(handler http.Handler, cancel context.CancelFunc) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	r.metricsSrv = &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()
	r.logger.Info("metrics listening", slog.String("addr", r.cfg.Telemetry.PrometheusBind))
}

// Ready reports whether the runtime is serving and its bus links are up.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.tts != nil && !r.tts.Healthy() {
		return false
	}
	return true
}

// startEngine opens the speaker store, loads the synthesis assets and
// enrolls stored and configured speakers.
func (r *Runtime) startEngine(ctx context.Context) error {
	store, err := speakerstore.Open(ctx, r.cfg.SpeakerStore, r.logger)
	if err != nil {
		return fmt.Errorf("open speaker store: %w", err)
	}
	r.store = store
	if err := store.Prune(ctx); err != nil {
		r.logger.Warn("speaker store prune failed", slog.String("error", err.Error()))
	}

	engine, err := synth.New(ctx, r.cfg, synth.Options{Store: store, Logger: r.logger})
	if err != nil {
		return fmt.Errorf("load synthesis assets: %w", err)
	}
	r.engine = engine

	restored, err := engine.RestoreSpeakers(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		r.logger.Info("restored speakers", slog.Int("count", restored))
	}
	for _, sp := range r.cfg.Speakers {
		if err := engine.EnrollFile(ctx, sp.Name, sp.ModelPath, sp.RefAudio, sp.RefText); err != nil {
			return fmt.Errorf("enroll configured speaker: %w", err)
		}
	}
	r.enrollVoicePacks(ctx)
	return nil
}

// enrollVoicePacks enrolls every valid pack under the voices directory.
// Broken packs are logged and skipped.
func (r *Runtime) enrollVoicePacks(ctx context.Context) {
	dir := r.cfg.Synthesis.VoicesDir
	if dir == "" {
		return
	}
	packs, err := voicepack.Discover(dir)
	if err != nil {
		r.logger.Warn("voice pack discovery", slog.String("dir", dir), slog.String("error", err.Error()))
	}
	for _, p := range packs {
		if err := r.engine.EnrollFile(ctx, p.Metadata.Name, p.ModelPath(), p.AudioPath(), p.Reference.Text); err != nil {
			r.logger.Warn("voice pack enrollment failed", slog.String("pack", p.Dir), slog.String("error", err.Error()))
			continue
		}
		r.logger.Info("voice pack enrolled", slog.String("speaker", p.Metadata.Name), slog.String("version", p.Metadata.Version))
	}
}

// startBus brings up the embedded NATS server, the bus service and the
// capability announcements. Without an embedded server or configured
// servers the runtime serves HTTP only.
func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	server, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.natsServer = server
	if server != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{server.ClientURL()}
	}
	if len(busCfg.Servers) == 0 {
		r.logger.Info("no bus configured; serving HTTP only")
		return nil
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	timeout := time.Duration(r.cfg.Synthesis.RequestTimeoutMS) * time.Millisecond
	r.tts = tts.NewService(ctx, r.cfg.TTS, timeout, client, r.engine, r.logger)
	if err := r.tts.Start(); err != nil {
		return fmt.Errorf("start tts service: %w", err)
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, client, r.localCapabilities, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.capabilities = registry
	return nil
}

func (r *Runtime) localCapabilities() []capability.Capability {
	langs := r.engine.Languages()
	names := make([]string, 0, len(langs))
	for _, l := range langs {
		names = append(names, l.String())
	}
	return []capability.Capability{capability.Synthesis(r.engine.Speakers(), names, r.engine.SampleRate())}
}

// shutdown stops components in reverse start order.
func (r *Runtime) shutdown() {
	if r.capabilities != nil {
		r.capabilities.Close()
	}
	if r.tts != nil {
		r.tts.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.natsServer != nil {
		r.natsServer.Shutdown()
	}
	var errs []error
	if r.engine != nil {
		errs = append(errs, r.engine.Close())
	}
	if r.store != nil {
		errs = append(errs, r.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		r.logger.Error("release error", slog.String("error", err.Error()))
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
