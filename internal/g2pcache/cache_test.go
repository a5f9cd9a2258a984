package g2pcache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/g2p"
)

type countingConverter struct {
	calls int
	err   error
}

func (c *countingConverter) Convert(_ context.Context, text string) (g2p.Sequence, error) {
	c.calls++
	if c.err != nil {
		return g2p.Sequence{}, c.err
	}
	return g2p.Sequence{
		IDs:        []int64{int64(len(text)), 7},
		Embeddings: [][]float32{{0.5, 1}, {0, 0.25}},
	}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCacheHit(t *testing.T) {
	next := &countingConverter{}
	cache, err := Open(next, Options{InMemory: true, Namespace: "v1"}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	first, err := cache.Convert(ctx, "hello")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	second, err := cache.Convert(ctx, "hello")
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected one underlying conversion, got %d", next.calls)
	}
	if !slices.Equal(first.IDs, second.IDs) || !slices.Equal(first.Embeddings[1], second.Embeddings[1]) {
		t.Fatalf("cached sequence differs: %+v vs %+v", first, second)
	}

	if _, err := cache.Convert(ctx, "other"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if next.calls != 2 {
		t.Fatalf("expected a miss for new text, got %d calls", next.calls)
	}

	if err := cache.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if _, err := cache.Convert(ctx, "hello"); err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if next.calls != 3 {
		t.Fatalf("expected a miss after purge, got %d calls", next.calls)
	}
}

func TestCacheDoesNotStoreErrors(t *testing.T) {
	boom := errors.New("boom")
	next := &countingConverter{err: boom}
	cache, err := Open(next, Options{InMemory: true}, testLogger())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cache.Close()

	for i := 0; i < 2; i++ {
		if _, err := cache.Convert(context.Background(), "x"); !errors.Is(err, boom) {
			t.Fatalf("expected underlying error, got %v", err)
		}
	}
	if next.calls != 2 {
		t.Fatalf("errors must not be cached, got %d calls", next.calls)
	}
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open(&countingConverter{}, Options{}, testLogger()); err == nil {
		t.Fatalf("expected error without dir")
	}
}
