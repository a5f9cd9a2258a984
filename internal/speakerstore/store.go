// Package speakerstore persists enrollments and a timeline of synthesis
// events in SQLite.
package speakerstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// Speaker is a stored enrollment. PCM holds the reference clip as 16-bit
// little endian mono samples at SampleRate.
type Speaker struct {
	Name       string
	ModelPath  string
	RefText    string
	SampleRate int
	PCM        []byte
	EnrolledAt time.Time
}

// Event represents a recorded timeline entry.
type Event struct {
	ID        int64
	Speaker   string
	TraceID   string
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store wraps a SQLite-backed speaker and event store.
//
// Retention modes:
//   - ephemeral: nothing is written
//   - session: enrollments are cleared on open, events are kept and pruned
//   - persistent: enrollments survive restarts, events are pruned
type Store struct {
	db    *sql.DB
	cfg   config.SpeakerStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the speaker store according to config.
func Open(ctx context.Context, cfg config.SpeakerStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "speaker-store"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.RetentionMode == "session" {
		if _, err := db.ExecContext(ctx, `DELETE FROM speakers`); err != nil {
			db.Close()
			return nil, fmt.Errorf("clear session speakers: %w", err)
		}
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("speaker store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("speaker store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS speakers (
    name TEXT PRIMARY KEY,
    model_path TEXT NOT NULL,
    ref_text TEXT NOT NULL,
    sample_rate INTEGER NOT NULL,
    pcm BLOB NOT NULL,
    enrolled_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    speaker TEXT,
    trace_id TEXT,
    event_type TEXT,
    payload BLOB,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_speaker_created ON events(speaker, created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveSpeaker inserts or replaces an enrollment.
func (s *Store) SaveSpeaker(ctx context.Context, sp Speaker) error {
	if s.disabled() {
		return nil
	}
	if sp.Name == "" {
		return errors.New("speaker name required")
	}
	if sp.EnrolledAt.IsZero() {
		sp.EnrolledAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO speakers(name, model_path, ref_text, sample_rate, pcm, enrolled_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET model_path=excluded.model_path, ref_text=excluded.ref_text,
		   sample_rate=excluded.sample_rate, pcm=excluded.pcm, enrolled_at=excluded.enrolled_at`,
		sp.Name, sp.ModelPath, sp.RefText, sp.SampleRate, sp.PCM, sp.EnrolledAt.UnixMilli())
	return err
}

// DeleteSpeaker removes an enrollment. Missing names are not an error.
func (s *Store) DeleteSpeaker(ctx context.Context, name string) error {
	if s.disabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM speakers WHERE name = ?`, name)
	return err
}

// ListSpeakers returns stored enrollments ordered by enrollment time.
func (s *Store) ListSpeakers(ctx context.Context) ([]Speaker, error) {
	if s.disabled() {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, model_path, ref_text, sample_rate, pcm, enrolled_at
		 FROM speakers ORDER BY enrolled_at ASC, name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var speakers []Speaker
	for rows.Next() {
		var sp Speaker
		var enrolled int64
		if err := rows.Scan(&sp.Name, &sp.ModelPath, &sp.RefText, &sp.SampleRate, &sp.PCM, &enrolled); err != nil {
			return nil, err
		}
		sp.EnrolledAt = time.UnixMilli(enrolled).UTC()
		speakers = append(speakers, sp)
	}
	return speakers, rows.Err()
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if s.disabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(speaker, trace_id, event_type, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.Speaker, evt.TraceID, evt.Type, evt.Payload, evt.CreatedAt.UnixMilli())
	return err
}

// ListEvents retrieves up to limit events for a speaker ordered ascending by time.
func (s *Store) ListEvents(ctx context.Context, speaker string, limit int) ([]Event, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, speaker, trace_id, event_type, payload, created_at
		 FROM events WHERE speaker = ? ORDER BY created_at ASC, id ASC LIMIT ?`, speaker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.Speaker, &e.TraceID, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention to the event timeline (called on
// startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour)
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff.UnixMilli()); err != nil {
			return err
		}
	}
	if s.cfg.MaxEvents > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM events WHERE id IN (
			SELECT id FROM events ORDER BY created_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxEvents)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// Ensure supplies a no-op store when persistence disabled.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}
