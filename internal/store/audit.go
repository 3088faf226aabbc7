package store

import (
	"context"
	"fmt"
	"time"
)

// InsertAudit persists one audit event. Failures here must not block the
// audited operation; callers log and continue.
func (s *Store) InsertAudit(ctx context.Context, e AuditEvent) error {
	detail := []byte(e.Detail)
	if detail == nil {
		detail = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (actor, action, node_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.Actor, e.Action, nullableStr(e.NodeID), detail, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// QueryAudit returns audit events with created_at in [from, to), newest
// first. Optional filters: actor (exact), nodeID (exact).
func (s *Store) QueryAudit(ctx context.Context, actor, nodeID string, from, to time.Time, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	args := []any{from, to, limit, offset}
	where := "WHERE created_at >= $1 AND created_at < $2"
	argIdx := 5

	if actor != "" {
		where += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, actor)
		argIdx++
	}
	if nodeID != "" {
		where += fmt.Sprintf(" AND node_id = $%d", argIdx)
		args = append(args, nodeID)
	}

	sql := fmt.Sprintf(`
		SELECT id, actor, action, node_id::text, detail, created_at
		FROM   audit_events
		%s
		ORDER  BY created_at DESC, id DESC
		LIMIT  $3 OFFSET $4`, where)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var node *string
		var detail []byte
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &node, &detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if node != nil {
			e.NodeID = *node
		}
		e.Detail = detail
		events = append(events, e)
	}
	return events, rows.Err()
}
