package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/manlab/manlab/internal/errdefs"
)

// snapshotTables whitelists the table per snapshot kind. Table names are
// interpolated, never caller-supplied.
var snapshotTables = map[SnapshotKind]string{
	SnapshotService: "service_status_snapshots",
	SnapshotSmart:   "smart_drive_snapshots",
	SnapshotGPU:     "gpu_snapshots",
	SnapshotUPS:     "ups_snapshots",
}

func snapshotTable(kind SnapshotKind) (string, error) {
	table, ok := snapshotTables[kind]
	if !ok {
		return "", fmt.Errorf("snapshot kind %q: %w", kind, errdefs.ErrBadRequest)
	}
	return table, nil
}

// UpsertSnapshots replaces the current documents for the given keys in one
// batch round-trip. Each node keeps exactly one row per key; history is not
// retained for snapshots.
func (s *Store) UpsertSnapshots(ctx context.Context, kind SnapshotKind, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	table, err := snapshotTable(kind)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (node_id, key, data, taken_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id, key) DO UPDATE SET
			data     = EXCLUDED.data,
			taken_at = EXCLUDED.taken_at`, table)

	b := &pgx.Batch{}
	for i := range snaps {
		sn := &snaps[i]
		b.Queue(query, sn.NodeID, sn.Key, []byte(sn.Data), sn.TakenAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range snaps {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch upsert %s: %w", table, err)
		}
	}
	return nil
}

// ListSnapshots returns the current documents for a node ordered by key.
func (s *Store) ListSnapshots(ctx context.Context, kind SnapshotKind, nodeID string) ([]Snapshot, error) {
	table, err := snapshotTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT node_id, key, data, taken_at
		FROM   %s
		WHERE  node_id = $1
		ORDER  BY key`, table), nodeID)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", table, err)
	}
	defer rows.Close()

	var snaps []Snapshot
	for rows.Next() {
		var sn Snapshot
		var data []byte
		if err := rows.Scan(&sn.NodeID, &sn.Key, &data, &sn.TakenAt); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		sn.Data = data
		snaps = append(snaps, sn)
	}
	return snaps, rows.Err()
}

// SnapshotAges returns, per node, the newest taken_at across that node's
// documents of the given kind. One query serves the freshness guard for the
// whole fleet.
func (s *Store) SnapshotAges(ctx context.Context, kind SnapshotKind) (map[string]time.Time, error) {
	table, err := snapshotTable(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT node_id::text, max(taken_at)
		FROM   %s
		GROUP  BY node_id`, table))
	if err != nil {
		return nil, fmt.Errorf("snapshot ages %s: %w", table, err)
	}
	defer rows.Close()

	ages := make(map[string]time.Time)
	for rows.Next() {
		var id string
		var at time.Time
		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("scan snapshot age: %w", err)
		}
		ages[id] = at
	}
	return ages, rows.Err()
}
