// Package g2pcache memoizes G2P conversions in badger, keyed by text and by a
// namespace that changes whenever the language assets do.
package g2pcache

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voice/internal/g2p"
)

// Converter is the conversion being cached.
type Converter interface {
	Convert(ctx context.Context, text string) (g2p.Sequence, error)
}

type Options struct {
	// Dir holds the badger files. Required unless InMemory is set.
	Dir      string
	InMemory bool
	// Namespace separates entries produced by different asset sets.
	Namespace string
}

// Cache is a Converter that consults badger before delegating.
type Cache struct {
	db     *badger.DB
	next   Converter
	prefix []byte
	log    *slog.Logger
	hits   metric.Int64Counter
	misses metric.Int64Counter
}

func Open(next Converter, opts Options, log *slog.Logger) (*Cache, error) {
	if next == nil {
		return nil, errors.New("g2pcache: converter required")
	}
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("g2pcache: dir is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	c := &Cache{
		next:   next,
		prefix: []byte("g2p/" + opts.Namespace + "/"),
		log:    log.With(slog.String("component", "g2p-cache")),
	}
	dbOpts = dbOpts.WithLogger(badgerLogger{log: c.log})
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("open g2p cache: %w", err)
	}
	c.db = db

	meter := otel.Meter("github.com/loqalabs/loqa-voice/g2pcache")
	if c.hits, err = meter.Int64Counter("voice.g2p.cache.hits"); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if c.misses, err = meter.Int64Counter("voice.g2p.cache.misses"); err != nil {
		c.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return c, nil
}

func (c *Cache) key(text string) []byte {
	sum := sha256.Sum256([]byte(text))
	return append(append([]byte{}, c.prefix...), sum[:]...)
}

// Convert returns the cached sequence for text or computes and stores it.
// Cache failures are logged and never fail the conversion.
func (c *Cache) Convert(ctx context.Context, text string) (g2p.Sequence, error) {
	key := c.key(text)
	if seq, ok := c.get(key); ok {
		if c.hits != nil {
			c.hits.Add(ctx, 1)
		}
		return seq, nil
	}
	if c.misses != nil {
		c.misses.Add(ctx, 1)
	}

	seq, err := c.next.Convert(ctx, text)
	if err != nil {
		return g2p.Sequence{}, err
	}
	data, err := msgpack.Marshal(seq)
	if err != nil {
		c.log.Warn("encode cache entry failed", slog.String("error", err.Error()))
		return seq, nil
	}
	if err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		c.log.Warn("store cache entry failed", slog.String("error", err.Error()))
	}
	return seq, nil
}

func (c *Cache) get(key []byte) (g2p.Sequence, bool) {
	var val []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.log.Warn("read cache entry failed", slog.String("error", err.Error()))
		}
		return g2p.Sequence{}, false
	}
	var seq g2p.Sequence
	if err := msgpack.Unmarshal(val, &seq); err != nil {
		c.log.Warn("decode cache entry failed", slog.String("error", err.Error()))
		return g2p.Sequence{}, false
	}
	return seq, true
}

// Purge drops every entry of this namespace.
func (c *Cache) Purge() error {
	return c.db.DropPrefix(c.prefix)
}

func (c *Cache) Close() error {
	return c.db.Close()
}

type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
