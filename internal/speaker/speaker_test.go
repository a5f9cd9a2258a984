package speaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/g2p"
	"github.com/loqalabs/loqa-voice/internal/nn"
)

const testDim = 4

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sequence(ids ...int64) g2p.Sequence {
	seq := g2p.Sequence{IDs: ids}
	for range ids {
		seq.Embeddings = append(seq.Embeddings, make([]float32, testDim))
	}
	return seq
}

func newSpeaker(t *testing.T, rt *nn.MockRuntime, name string, refLevel float32) *Speaker {
	t.Helper()
	model, err := rt.Load(context.Background(), name+".onnx")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ref := Reference{
		Text:       "Hello world.",
		SSLContent: nn.FromFloat32(make([]float32, 6), 1, 3, 2),
		Audio32k:   nn.FromFloat32([]float32{refLevel, refLevel}, 1, 2),
		Phones:     sequence(5, 6, 7),
	}
	s, err := New(name, ref, model)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSynthesize(t *testing.T) {
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: testDim, SamplesPerPhone: 10})
	s := newSpeaker(t, rt, "bob", 0)

	audio, err := s.Synthesize(context.Background(), sequence(1, 2))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(audio) != 20 {
		t.Fatalf("expected 20 samples, got %d", len(audio))
	}

	again, err := s.Synthesize(context.Background(), sequence(1, 2))
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !slices.Equal(audio, again) {
		t.Fatalf("synthesis is not deterministic")
	}

	if _, err := s.Synthesize(context.Background(), g2p.Sequence{}); !errors.Is(err, nn.ErrRuntimeForward) {
		t.Fatalf("expected ErrRuntimeForward for empty sequence, got %v", err)
	}
}

func TestNewRejectsEmptyReference(t *testing.T) {
	rt := nn.NewMockRuntime(nn.MockOptions{})
	model, _ := rt.Load(context.Background(), "m.onnx")
	if _, err := New("bob", Reference{}, model); err == nil {
		t.Fatalf("expected error for reference without phones")
	}
}

func TestRegistry(t *testing.T) {
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: testDim})
	reg := NewRegistry(testLogger())

	if _, err := reg.Get("ghost"); !errors.Is(err, ErrSpeakerNotFound) {
		t.Fatalf("expected ErrSpeakerNotFound, got %v", err)
	}

	first := newSpeaker(t, rt, "bob", 0.1)
	if replaced, err := reg.Put(first); replaced || err != nil {
		t.Fatalf("first put should insert, replaced=%v err=%v", replaced, err)
	}
	second := newSpeaker(t, rt, "bob", 0.2)
	if replaced, err := reg.Put(second); !replaced || err != nil {
		t.Fatalf("second put should replace, replaced=%v err=%v", replaced, err)
	}
	if rt.Open() != 1 {
		t.Fatalf("replaced model should be closed, %d open", rt.Open())
	}
	got, err := reg.Get("bob")
	if err != nil || got != second {
		t.Fatalf("expected second speaker, got %v (%v)", got, err)
	}
	if err := got.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	if _, err := reg.Put(newSpeaker(t, rt, "alice", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if names := reg.Names(); !slices.Equal(names, []string{"alice", "bob"}) {
		t.Fatalf("unexpected names %v", names)
	}

	if !reg.Remove("alice") || reg.Remove("alice") {
		t.Fatalf("remove should succeed exactly once")
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if rt.Open() != 0 || reg.Len() != 0 {
		t.Fatalf("close should release everything, %d models open, %d speakers", rt.Open(), reg.Len())
	}

	late := newSpeaker(t, rt, "carol", 0)
	if _, err := reg.Put(late); !errors.Is(err, ErrRegistryClosed) {
		t.Fatalf("expected ErrRegistryClosed, got %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("closed registry accepted a speaker")
	}
	if err := late.Release(); err != nil || rt.Open() != 0 {
		t.Fatalf("rejected speaker stays with the caller, err=%v open=%d", err, rt.Open())
	}
}

func TestHeldSpeakerOutlivesReplacement(t *testing.T) {
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: testDim, SamplesPerPhone: 4})
	reg := NewRegistry(testLogger())
	defer reg.Close()
	if _, err := reg.Put(newSpeaker(t, rt, "bob", 0.1)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	held, err := reg.Get("bob")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := reg.Put(newSpeaker(t, rt, "bob", 0.2)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := held.Synthesize(context.Background(), sequence(1, 2)); err != nil {
		t.Fatalf("replaced speaker still held should synthesize: %v", err)
	}
	if rt.Open() != 2 {
		t.Fatalf("expected held and current models open, %d open", rt.Open())
	}
	if err := held.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if rt.Open() != 1 {
		t.Fatalf("last release should close the replaced model, %d open", rt.Open())
	}
	if err := held.Release(); err == nil {
		t.Fatalf("expected an error for an extra release")
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	rt := nn.NewMockRuntime(nn.MockOptions{EmbeddingDim: testDim})
	reg := NewRegistry(testLogger())
	defer reg.Close()
	if _, err := reg.Put(newSpeaker(t, rt, "bob", 0)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sp, err := reg.Get("bob")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			_ = reg.Names()
			if err := sp.Release(); err != nil {
				t.Errorf("Release: %v", err)
			}
		}()
	}
	wg.Wait()
	if rt.Open() != 1 {
		t.Fatalf("readers should not close the model, %d open", rt.Open())
	}
}
