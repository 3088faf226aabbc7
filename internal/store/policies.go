package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertLogPolicy replaces the log-viewer allowlist for a node.
func (s *Store) UpsertLogPolicy(ctx context.Context, p LogPolicy) error {
	sources, err := json.Marshal(p.Sources)
	if err != nil {
		return fmt.Errorf("marshal log sources: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO log_viewer_policies (node_id, sources, max_bytes, enabled)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_id) DO UPDATE SET
			sources   = EXCLUDED.sources,
			max_bytes = EXCLUDED.max_bytes,
			enabled   = EXCLUDED.enabled`,
		p.NodeID, sources, p.MaxBytes, p.Enabled)
	if err != nil {
		return fmt.Errorf("upsert log policy: %w", err)
	}
	return nil
}

// GetLogPolicy returns the log-viewer policy for a node, or ErrNotFound
// when none was ever configured. Callers treat a missing policy as denied.
func (s *Store) GetLogPolicy(ctx context.Context, nodeID string) (*LogPolicy, error) {
	var p LogPolicy
	var sources []byte
	err := s.pool.QueryRow(ctx, `
		SELECT node_id, sources, max_bytes, enabled
		FROM   log_viewer_policies
		WHERE  node_id = $1`, nodeID).
		Scan(&p.NodeID, &sources, &p.MaxBytes, &p.Enabled)
	if err != nil {
		return nil, noRows(err, "log policy for node", nodeID)
	}
	if err := json.Unmarshal(sources, &p.Sources); err != nil {
		return nil, fmt.Errorf("decode log sources: %w", err)
	}
	return &p, nil
}

// UpsertFilePolicy replaces the file-browser allowlist for a node.
func (s *Store) UpsertFilePolicy(ctx context.Context, p FilePolicy) error {
	roots, err := json.Marshal(p.Roots)
	if err != nil {
		return fmt.Errorf("marshal file roots: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO file_browser_policies
			(node_id, roots, max_file_bytes, allow_download, system, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			roots          = EXCLUDED.roots,
			max_file_bytes = EXCLUDED.max_file_bytes,
			allow_download = EXCLUDED.allow_download,
			system         = EXCLUDED.system,
			enabled        = EXCLUDED.enabled`,
		p.NodeID, roots, p.MaxFileBytes, p.AllowDownload, p.System, p.Enabled)
	if err != nil {
		return fmt.Errorf("upsert file policy: %w", err)
	}
	return nil
}

// GetFilePolicy returns the file-browser policy for a node, or ErrNotFound.
func (s *Store) GetFilePolicy(ctx context.Context, nodeID string) (*FilePolicy, error) {
	var p FilePolicy
	var roots []byte
	err := s.pool.QueryRow(ctx, `
		SELECT node_id, roots, max_file_bytes, allow_download, system, enabled
		FROM   file_browser_policies
		WHERE  node_id = $1`, nodeID).
		Scan(&p.NodeID, &roots, &p.MaxFileBytes, &p.AllowDownload, &p.System, &p.Enabled)
	if err != nil {
		return nil, noRows(err, "file policy for node", nodeID)
	}
	if err := json.Unmarshal(roots, &p.Roots); err != nil {
		return nil, fmt.Errorf("decode file roots: %w", err)
	}
	return &p, nil
}

// --- Terminal session audit trail ---

// InsertTerminalRecord persists a newly opened PTY session.
func (s *Store) InsertTerminalRecord(ctx context.Context, r TerminalRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO terminal_sessions
			(session_id, node_id, opened_by, opened_at, last_active, status)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		r.SessionID, r.NodeID, r.OpenedBy, r.OpenedAt, r.LastActive, r.Status)
	if err != nil {
		return fmt.Errorf("insert terminal record: %w", err)
	}
	return nil
}

// TouchTerminalRecord advances the activity timestamp of an open session.
func (s *Store) TouchTerminalRecord(ctx context.Context, sessionID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE terminal_sessions
		SET    last_active = $2
		WHERE  session_id = $1 AND closed_at IS NULL`, sessionID, at)
	if err != nil {
		return fmt.Errorf("touch terminal record %s: %w", sessionID, err)
	}
	return nil
}

// CloseTerminalRecord finalizes a session with its end status.
func (s *Store) CloseTerminalRecord(ctx context.Context, sessionID, status string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE terminal_sessions
		SET    status = $2, closed_at = $3
		WHERE  session_id = $1 AND closed_at IS NULL`, sessionID, status, at)
	if err != nil {
		return fmt.Errorf("close terminal record %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("open terminal session", sessionID)
	}
	return nil
}

// TerminalHistory returns recent terminal sessions for a node, newest first.
func (s *Store) TerminalHistory(ctx context.Context, nodeID string, limit int) ([]TerminalRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, node_id, opened_by, opened_at, closed_at, last_active, status
		FROM   terminal_sessions
		WHERE  node_id = $1
		ORDER  BY opened_at DESC
		LIMIT  $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("terminal history: %w", err)
	}
	defer rows.Close()

	var records []TerminalRecord
	for rows.Next() {
		var r TerminalRecord
		if err := rows.Scan(&r.SessionID, &r.NodeID, &r.OpenedBy, &r.OpenedAt,
			&r.ClosedAt, &r.LastActive, &r.Status); err != nil {
			return nil, fmt.Errorf("scan terminal record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// --- Settings ---

// SetSetting stores one JSON settings document under key.
func (s *Store) SetSetting(ctx context.Context, key string, value json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
			value      = EXCLUDED.value,
			updated_at = now()`,
		key, []byte(value))
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting returns one settings document, or ErrNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return nil, noRows(err, "setting", key)
	}
	return value, nil
}

// AllSettings returns every settings document keyed by name.
func (s *Store) AllSettings(ctx context.Context) (map[string]json.RawMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("all settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}
