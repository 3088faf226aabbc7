package agent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/manlab/manlab/internal/protocol"
)

// Spool is a WAL-mode SQLite queue for heartbeats the hub never saw.
// Samples are persisted on Enqueue and removed only on Ack, so a crash
// between reconnect and replay loses nothing; the hub's intake is
// idempotent per (node, taken_at) and tolerates re-sends.
type Spool struct {
	db    *sql.DB
	depth atomic.Int64
}

const spoolDDL = `
CREATE TABLE IF NOT EXISTS heartbeat_spool (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    taken_at TEXT    NOT NULL,
    sample   TEXT    NOT NULL,
    sent     INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_heartbeat_spool_pending
    ON heartbeat_spool (sent, id);
`

// OpenSpool opens (or creates) the spool database at path and applies
// the schema. ":memory:" yields a non-durable spool for tests.
func OpenSpool(path string) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("spool: open %q: %w", path, err)
	}

	// SQLite allows one writer at a time; a single pooled connection
	// serialises Enqueue against the replay goroutine instead of
	// surfacing "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: set synchronous: %w", err)
	}
	if _, err := db.Exec(spoolDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: apply schema: %w", err)
	}

	s := &Spool{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM heartbeat_spool WHERE sent = 0`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spool: count pending rows: %w", err)
	}
	s.depth.Store(count)

	return s, nil
}

// Enqueue persists one telemetry sample. When the pending count would
// exceed maxSamples the oldest rows are dropped first; recent samples
// matter more than old ones once the disk budget is reached.
func (s *Spool) Enqueue(ctx context.Context, sample protocol.TelemetryPayload, maxSamples int) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("spool: marshal sample: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO heartbeat_spool (taken_at, sample) VALUES (?, ?)`,
		sample.TakenAt.UTC().Format(time.RFC3339Nano),
		string(data),
	); err != nil {
		return fmt.Errorf("spool: enqueue: %w", err)
	}
	s.depth.Add(1)

	if maxSamples > 0 {
		if excess := s.depth.Load() - int64(maxSamples); excess > 0 {
			res, err := s.db.ExecContext(ctx, `
				DELETE FROM heartbeat_spool
				WHERE  id IN (
				    SELECT id FROM heartbeat_spool
				    WHERE  sent = 0
				    ORDER  BY id
				    LIMIT  ?)`, excess)
			if err != nil {
				return fmt.Errorf("spool: prune: %w", err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				s.depth.Add(-n)
			}
		}
	}
	return nil
}

// PendingSample is one unacknowledged heartbeat returned by Dequeue.
type PendingSample struct {
	ID     int64
	Sample json.RawMessage
}

// Dequeue returns up to n unacknowledged samples oldest-first without
// marking them sent; Ack does that.
func (s *Spool) Dequeue(ctx context.Context, n int) ([]PendingSample, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sample
		FROM   heartbeat_spool
		WHERE  sent = 0
		ORDER  BY id
		LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("spool: dequeue query: %w", err)
	}
	defer rows.Close()

	var pending []PendingSample
	for rows.Next() {
		var (
			p    PendingSample
			body string
		)
		if err := rows.Scan(&p.ID, &body); err != nil {
			return nil, fmt.Errorf("spool: dequeue scan: %w", err)
		}
		p.Sample = json.RawMessage(body)
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("spool: dequeue rows: %w", err)
	}
	return pending, nil
}

// Ack removes the samples identified by ids from the pending set. It
// is idempotent; already-acked ids are skipped.
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
		fmt.Sprintf(`UPDATE heartbeat_spool SET sent = 1 WHERE id IN (%s) AND sent = 0`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("spool: ack: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.depth.Add(-n)
		// Delivered rows are dead weight; clear them while we hold
		// the write connection anyway.
		if _, err := s.db.ExecContext(ctx, `DELETE FROM heartbeat_spool WHERE sent = 1`); err != nil {
			return fmt.Errorf("spool: compact: %w", err)
		}
	}
	return nil
}

// Depth returns the number of pending samples without touching the
// database.
func (s *Spool) Depth() int {
	return int(s.depth.Load())
}

// Close closes the underlying database.
func (s *Spool) Close() error {
	return s.db.Close()
}
