// Package history keeps an append-only log of stream lifecycle events in SQLite.
//
// The sink subscribes to the event bus and is independent of the stream
// store; losing it never affects supervision.
package history

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/smazurov/camrelay/internal/events"
	"github.com/smazurov/camrelay/internal/logging"
)

// Event names stored alongside the lifecycle states of events.StreamStateChangedEvent.
const (
	EventCreated        = "created"
	EventUpdated        = "updated"
	EventDeleted        = "deleted"
	EventRetryScheduled = "retry_scheduled"
)

const (
	defaultLimit = 100
	writeTimeout = 5 * time.Second
)

// Entry is one row of stream history.
type Entry struct {
	ID         int64     `json:"id"`
	StreamID   string    `json:"stream_id"`
	Event      string    `json:"event"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   int       `json:"exit_code,omitempty"`
	Signal     string    `json:"signal,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Sink writes history entries to SQLite.
type Sink struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the SQLite history database.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one connection: every :memory: connection is its own database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db, logger: logging.GetLogger("history")}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS stream_history(
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			occurred_at INTEGER NOT NULL,
			stream_id TEXT NOT NULL,
			event TEXT NOT NULL,
			pid INTEGER NOT NULL DEFAULT 0,
			exit_code INTEGER NOT NULL DEFAULT 0,
			signal TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_stream_history_stream ON stream_history(stream_id, id);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Record appends one entry. A zero OccurredAt is stamped with the current time.
func (s *Sink) Record(ctx context.Context, e Entry) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_history(occurred_at, stream_id, event, pid, exit_code, signal, error, attempt)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC().UnixMilli(), e.StreamID, e.Event, e.PID, e.ExitCode, e.Signal, e.Error, e.Attempt)
	return err
}

// Query returns the most recent entries of streamID, newest first.
func (s *Sink) Query(ctx context.Context, streamID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, stream_id, event, pid, exit_code, signal, error, attempt
		FROM stream_history WHERE stream_id = ? ORDER BY id DESC LIMIT ?;`,
		streamID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		var occurred int64
		if err := rows.Scan(&e.ID, &occurred, &e.StreamID, &e.Event, &e.PID, &e.ExitCode, &e.Signal, &e.Error, &e.Attempt); err != nil {
			return nil, err
		}
		e.OccurredAt = time.UnixMilli(occurred).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Purge deletes every entry of streamID.
func (s *Sink) Purge(ctx context.Context, streamID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stream_history WHERE stream_id = ?;`, streamID)
	return err
}

// Subscribe records bus events until the returned function is called.
func (s *Sink) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.StreamStateChangedEvent) {
			s.write(Entry{
				StreamID:   e.StreamID,
				Event:      e.State,
				PID:        e.PID,
				ExitCode:   e.ExitCode,
				Signal:     e.Signal,
				Error:      e.Error,
				OccurredAt: parseTimestamp(e.Timestamp),
			})
		}),
		bus.Subscribe(func(e events.StreamRetryScheduledEvent) {
			s.write(Entry{StreamID: e.StreamID, Event: EventRetryScheduled, Attempt: e.Attempt, OccurredAt: parseTimestamp(e.Timestamp)})
		}),
		bus.Subscribe(func(e events.StreamCreatedEvent) {
			s.write(Entry{StreamID: e.StreamID, Event: EventCreated, OccurredAt: parseTimestamp(e.Timestamp)})
		}),
		bus.Subscribe(func(e events.StreamUpdatedEvent) {
			s.write(Entry{StreamID: e.StreamID, Event: EventUpdated, OccurredAt: parseTimestamp(e.Timestamp)})
		}),
		bus.Subscribe(func(e events.StreamDeletedEvent) {
			s.write(Entry{StreamID: e.StreamID, Event: EventDeleted, OccurredAt: parseTimestamp(e.Timestamp)})
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (s *Sink) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.Record(ctx, e); err != nil {
		s.logger.Warn("Failed to record history", "stream_id", e.StreamID, "event", e.Event, "error", err)
	}
}

// Close closes the database.
func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func parseTimestamp(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t
	}
	return time.Now()
}
