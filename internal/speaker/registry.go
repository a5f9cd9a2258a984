package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// ErrRegistryClosed is returned by Put after Close.
var ErrRegistryClosed = errors.New("speaker registry closed")

// Registry maps names to enrolled speakers. It holds one reference on every
// speaker it contains.
type Registry struct {
	log      *slog.Logger
	mu       sync.RWMutex
	speakers map[string]*Speaker
	closed   bool
	meter    metric.Meter
	reg      metric.Registration
}

func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{
		log:      log.With(slog.String("component", "speaker-registry")),
		speakers: make(map[string]*Speaker),
		meter:    otel.Meter("github.com/loqalabs/loqa-voice/speaker"),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) initMetrics() error {
	gauge, err := r.meter.Int64ObservableGauge("voice.speakers.enrolled", metric.WithDescription("Number of enrolled speakers"))
	if err != nil {
		return err
	}
	r.reg, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(gauge, int64(r.Len()))
		return nil
	}, gauge)
	return err
}

// Put inserts s and takes over the caller's reference, replacing any speaker
// with the same name. The replaced speaker's model closes once its last
// in-flight holder releases it. Put reports whether an entry was replaced
// and fails with ErrRegistryClosed after Close, leaving s with the caller.
func (r *Registry) Put(s *Speaker) (bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false, ErrRegistryClosed
	}
	old, replaced := r.speakers[s.Name]
	r.speakers[s.Name] = s
	r.mu.Unlock()

	if replaced {
		r.release(old)
	}
	return replaced, nil
}

// Get returns the named speaker with a reference the caller must Release,
// or an error wrapping ErrSpeakerNotFound.
func (r *Registry) Get(name string) (*Speaker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.speakers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpeakerNotFound, name)
	}
	s.acquire()
	return s, nil
}

// Remove unregisters the named speaker. Its model closes once no request
// holds it.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	s, ok := r.speakers[name]
	delete(r.speakers, name)
	r.mu.Unlock()

	if ok {
		r.release(s)
	}
	return ok
}

func (r *Registry) release(s *Speaker) {
	if err := s.Release(); err != nil {
		r.log.Warn("close speaker model failed", slog.String("speaker", s.Name), slog.String("error", err.Error()))
	}
}

// Names lists enrolled speakers in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.speakers))
	for name := range r.speakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.speakers)
}

// Close removes every speaker and refuses later Puts. Models still held by
// in-flight requests close when those requests release them.
func (r *Registry) Close() error {
	r.mu.Lock()
	speakers := r.speakers
	r.speakers = make(map[string]*Speaker)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for name, s := range speakers {
		if err := s.Release(); err != nil {
			errs = append(errs, fmt.Errorf("close speaker %s: %w", name, err))
		}
	}
	if r.reg != nil {
		if err := r.reg.Unregister(); err != nil {
			errs = append(errs, err)
		}
		r.reg = nil
	}
	return errors.Join(errs...)
}
