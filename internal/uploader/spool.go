// Package uploader delivers monitor events to the manager with at-least-once
// semantics. Events are persisted to a WAL-mode SQLite spool on Enqueue and
// removed only after the manager accepts them, so neither a process crash nor
// a manager outage loses events. Idempotent ingestion on the manager side
// (keyed by event_id) makes the inevitable redeliveries harmless.
package uploader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/cybersentinel/dlp/internal/event"
)

// DefaultMaxSpool is the default spool capacity. Above it the oldest pending
// events are discarded so a long manager outage bounds disk use.
const DefaultMaxSpool = 10_000

// Spool is the WAL-mode SQLite event store behind the uploader. It is safe
// for concurrent use.
type Spool struct {
	db    *sql.DB
	max   int
	depth atomic.Int64
}

// spoolDDL is the schema, applied idempotently on open.
const spoolDDL = `
CREATE TABLE IF NOT EXISTS event_spool (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT    NOT NULL,
    payload     TEXT    NOT NULL,
    enqueued_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    delivered   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_event_spool_pending
    ON event_spool (delivered, id);
`

// OpenSpool opens (or creates) the spool database at path. ":memory:" is
// accepted for tests. maxEvents caps pending rows; zero or negative selects
// DefaultMaxSpool.
//
// The depth counter is seeded from the rows still pending, so Depth is
// accurate immediately after a crash-recovery restart.
func OpenSpool(path string, maxEvents int) (*Spool, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxSpool
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises Enqueue callers against the delivery goroutine without
	// "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("spool: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(spoolDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db, max: maxEvents}
	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_spool WHERE delivered = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)
	return s, nil
}

// Enqueue persists e. When the spool is at capacity the oldest pending rows
// are discarded first; the returned count reports how many were dropped.
func (s *Spool) Enqueue(ctx context.Context, e *event.Event) (dropped int64, err error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("spool: marshal event: %w", err)
	}

	if over := s.depth.Load() + 1 - int64(s.max); over > 0 {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM event_spool WHERE id IN (
			     SELECT id FROM event_spool WHERE delivered = 0 ORDER BY id LIMIT ?)`, over)
		if err != nil {
			return 0, fmt.Errorf("spool: evict oldest: %w", err)
		}
		dropped, _ = res.RowsAffected()
		s.depth.Add(-dropped)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO event_spool (event_id, payload) VALUES (?, ?)`,
		e.EventID, string(payload)); err != nil {
		return dropped, fmt.Errorf("spool: enqueue: %w", err)
	}
	s.depth.Add(1)
	return dropped, nil
}

// PendingEvent is an undelivered event returned by Dequeue. ID is the spool
// row key used to acknowledge delivery via Ack.
type PendingEvent struct {
	ID    int64
	Event event.Event
}

// Dequeue returns up to n undelivered events in insertion order. Rows whose
// payload no longer parses are acked away rather than blocking the queue.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload FROM event_spool WHERE delivered = 0 ORDER BY id LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingEvent
	var corrupt []int64
	for rows.Next() {
		var (
			id      int64
			payload string
		)
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		var pe PendingEvent
		pe.ID = id
		if err := json.Unmarshal([]byte(payload), &pe.Event); err != nil {
			corrupt = append(corrupt, id)
			continue
		}
		pending = append(pending, pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	if len(corrupt) > 0 {
		_ = s.Ack(ctx, corrupt)
	}
	return pending, nil
}

// Ack marks the rows identified by ids as delivered. Idempotent.
func (s *Spool) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE event_spool SET delivered = 1 WHERE id IN (%s) AND delivered = 0`, placeholders),
		args...)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	n, _ := res.RowsAffected()
	s.depth.Add(-n)
	return nil
}

// Depth returns the number of pending events without touching the database.
func (s *Spool) Depth() int { return int(s.depth.Load()) }

// Close closes the underlying database.
func (s *Spool) Close() error { return s.db.Close() }
