package speakerstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.SpeakerStoreConfig) *Store {
	t.Helper()
	ss, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open speaker store: %v", err)
	}
	t.Cleanup(func() { _ = ss.Close() })
	return ss
}

func TestOpenEphemeral(t *testing.T) {
	ss := openStore(t, config.SpeakerStoreConfig{RetentionMode: "ephemeral"})
	if err := ss.Ensure(); err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	if err := ss.SaveSpeaker(context.Background(), Speaker{Name: "bob"}); err != nil {
		t.Fatalf("save should be a no-op: %v", err)
	}
	speakers, err := ss.ListSpeakers(context.Background())
	if err != nil || len(speakers) != 0 {
		t.Fatalf("expected nothing stored, got %v (%v)", speakers, err)
	}
}

func TestSaveAndListSpeakers(t *testing.T) {
	ctx := context.Background()
	cfg := config.SpeakerStoreConfig{Path: filepath.Join(t.TempDir(), "voice.db"), RetentionMode: "persistent"}
	ss := openStore(t, cfg)

	if err := ss.SaveSpeaker(ctx, Speaker{Name: "bob", ModelPath: "bob.onnx", RefText: "Hello world.", SampleRate: 44100, PCM: []byte{1, 0, 2, 0}}); err != nil {
		t.Fatalf("save speaker: %v", err)
	}
	if err := ss.SaveSpeaker(ctx, Speaker{Name: "bob", ModelPath: "bob-v2.onnx", RefText: "Hi.", SampleRate: 16000, PCM: []byte{3, 0}}); err != nil {
		t.Fatalf("replace speaker: %v", err)
	}
	speakers, err := ss.ListSpeakers(ctx)
	if err != nil {
		t.Fatalf("list speakers: %v", err)
	}
	if len(speakers) != 1 {
		t.Fatalf("expected 1 speaker, got %d", len(speakers))
	}
	got := speakers[0]
	if got.ModelPath != "bob-v2.onnx" || got.SampleRate != 16000 || string(got.PCM) != string([]byte{3, 0}) {
		t.Fatalf("unexpected speaker %+v", got)
	}

	if err := ss.DeleteSpeaker(ctx, "bob"); err != nil {
		t.Fatalf("delete speaker: %v", err)
	}
	if speakers, _ := ss.ListSpeakers(ctx); len(speakers) != 0 {
		t.Fatalf("expected speaker deleted")
	}
}

func TestSessionModeClearsSpeakersOnOpen(t *testing.T) {
	ctx := context.Background()
	cfg := config.SpeakerStoreConfig{Path: filepath.Join(t.TempDir(), "voice.db"), RetentionMode: "session"}
	first, err := Open(ctx, cfg, newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.SaveSpeaker(ctx, Speaker{Name: "bob", ModelPath: "m", RefText: "x.", SampleRate: 16000, PCM: []byte{0, 0}}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.AppendEvent(ctx, Event{Speaker: "bob", Type: "enroll"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	first.Close()

	second := openStore(t, cfg)
	if speakers, _ := second.ListSpeakers(ctx); len(speakers) != 0 {
		t.Fatalf("session mode should not restore speakers, got %d", len(speakers))
	}
	if events, _ := second.ListEvents(ctx, "bob", 10); len(events) != 1 {
		t.Fatalf("events should survive reopen, got %d", len(events))
	}
}

func TestPruneByDaysAndCount(t *testing.T) {
	ctx := context.Background()
	cfg := config.SpeakerStoreConfig{Path: filepath.Join(t.TempDir(), "voice.db"), RetentionMode: "persistent", RetentionDays: 1, MaxEvents: 2}
	ss := openStore(t, cfg)

	ss.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := ss.AppendEvent(ctx, Event{Speaker: "bob", Type: "synthesize", Payload: []byte("old")}); err != nil {
		t.Fatalf("append event: %v", err)
	}

	ss.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	for _, p := range []string{"a", "b", "c"} {
		if err := ss.AppendEvent(ctx, Event{Speaker: "bob", Type: "synthesize", Payload: []byte(p)}); err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
	if err := ss.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := ss.ListEvents(ctx, "bob", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after prune, got %d", len(events))
	}
	if string(events[0].Payload) != "b" || string(events[1].Payload) != "c" {
		t.Fatalf("expected newest events kept, got %q %q", events[0].Payload, events[1].Payload)
	}
}
