package store

import (
	"context"
	"fmt"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
)

// EnqueueCommand inserts a new queued command. The caller supplies the UUID
// so the id is known before the row exists.
func (s *Store) EnqueueCommand(ctx context.Context, c Command) error {
	payload := []byte(c.Payload)
	if payload == nil {
		payload = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO command_queue
			(id, node_id, cmd_type, payload, status, created_by, deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.NodeID, c.Type, payload, protocol.StatusQueued,
		nullableStr(c.CreatedBy), c.Deadline,
	)
	if err != nil {
		return fmt.Errorf("enqueue command: %w", err)
	}
	return nil
}

// GetCommand returns a single command row, or ErrNotFound.
func (s *Store) GetCommand(ctx context.Context, id string) (*Command, error) {
	row := s.pool.QueryRow(ctx, commandSelect+`WHERE id = $1`, id)
	c, err := scanCommand(row)
	if err != nil {
		return nil, noRows(err, "command", id)
	}
	return c, nil
}

// PendingCommands returns the queued commands for a node in FIFO order.
// Used by the dispatcher when an agent (re)connects; sent and in_progress
// rows are deliberately excluded to preserve at-most-once delivery.
func (s *Store) PendingCommands(ctx context.Context, nodeID string) ([]Command, error) {
	rows, err := s.pool.Query(ctx,
		commandSelect+`WHERE node_id = $1 AND status = $2 ORDER BY created_at`,
		nodeID, protocol.StatusQueued)
	if err != nil {
		return nil, fmt.Errorf("pending commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// CommandHistory returns recent commands for a node, newest first.
func (s *Store) CommandHistory(ctx context.Context, nodeID string, limit, offset int) ([]Command, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		commandSelect+`WHERE node_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		nodeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("command history: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// MarkCommandSent claims a queued command for delivery. The optimistic
// WHERE clause makes the claim exclusive: a second caller loses the race
// and receives ErrConflict, so a frame is never sent twice.
func (s *Store) MarkCommandSent(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, `
		UPDATE command_queue
		SET    status = $2, sent_at = $3
		WHERE  id = $1 AND status = $4`,
		id, protocol.StatusSent, at, protocol.StatusQueued)
}

// MarkCommandInProgress records the agent's execution start. Sent is the
// usual prior state; queued is also accepted because a fast agent may
// report before the dispatcher's own sent transition lands.
func (s *Store) MarkCommandInProgress(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, `
		UPDATE command_queue
		SET    status = $2, started_at = $3
		WHERE  id = $1 AND status IN ($4, $5)`,
		id, protocol.StatusInProgress, at, protocol.StatusQueued, protocol.StatusSent)
}

// CompleteCommand moves a command to a terminal status. Terminal rows are
// immutable: completing an already-terminal command returns ErrConflict.
func (s *Store) CompleteCommand(ctx context.Context, id, status, output, errMsg string, exitCode int, at time.Time) error {
	if !protocol.TerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal: %w", status, errdefs.ErrBadRequest)
	}
	if len(output) > MaxCommandOutput {
		output = output[:MaxCommandOutput] + TruncationMarker
	}
	// An empty final output keeps whatever streamed in through
	// AppendCommandOutput; a non-empty one is authoritative.
	return s.transition(ctx, id, `
		UPDATE command_queue
		SET    status = $2, output = COALESCE(NULLIF($3, ''), output),
		       error = $4, exit_code = $5, finished_at = $6
		WHERE  id = $1 AND status IN ($7, $8, $9)`,
		id, status, output, nullableStr(errMsg), exitCode, at,
		protocol.StatusQueued, protocol.StatusSent, protocol.StatusInProgress)
}

// AppendCommandOutput accumulates streamed output on a live command row,
// bounded at MaxCommandOutput with a truncation marker.
func (s *Store) AppendCommandOutput(ctx context.Context, id, chunk string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE command_queue
		SET output = CASE
			WHEN length(COALESCE(output, '')) >= $3 THEN output
			WHEN length(COALESCE(output, '') || $2) > $3
				THEN left(COALESCE(output, '') || $2, $3) || $4
			ELSE COALESCE(output, '') || $2
		END
		WHERE id = $1 AND status IN ($5, $6)`,
		id, chunk, MaxCommandOutput, TruncationMarker,
		protocol.StatusSent, protocol.StatusInProgress)
	if err != nil {
		return fmt.Errorf("append command output: %w", err)
	}
	return nil
}

// CancelQueuedCommand cancels a command that was never handed to an agent.
// Commands already sent need the cooperative cancel path instead.
func (s *Store) CancelQueuedCommand(ctx context.Context, id string, at time.Time) error {
	return s.transition(ctx, id, `
		UPDATE command_queue
		SET    status = $2, finished_at = $3
		WHERE  id = $1 AND status = $4`,
		id, protocol.StatusCancelled, at, protocol.StatusQueued)
}

// FailExpiredCommands force-fails every live command whose deadline has
// passed and returns the affected rows for fan-out.
func (s *Store) FailExpiredCommands(ctx context.Context, now time.Time, reason string) ([]Command, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE command_queue
		SET    status = $1, error = $2, finished_at = $3
		WHERE  deadline < $3 AND status IN ($4, $5, $6)
		RETURNING id, node_id, cmd_type, payload, status, output, error,
		          exit_code, created_by, created_at, sent_at, started_at,
		          finished_at, deadline`,
		protocol.StatusFailed, reason, now,
		protocol.StatusQueued, protocol.StatusSent, protocol.StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("fail expired commands: %w", err)
	}
	defer rows.Close()
	return collectCommands(rows)
}

// NodesWithLiveCommands returns the set of nodes owning at least one
// non-terminal command created after the cutoff. The service-status
// refresher uses this to skip nodes that are already busy.
func (s *Store) NodesWithLiveCommands(ctx context.Context, createdAfter time.Time) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT node_id::text
		FROM   command_queue
		WHERE  status IN ($1, $2, $3) AND created_at > $4`,
		protocol.StatusQueued, protocol.StatusSent, protocol.StatusInProgress, createdAfter)
	if err != nil {
		return nil, fmt.Errorf("nodes with live commands: %w", err)
	}
	defer rows.Close()

	busy := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan node id: %w", err)
		}
		busy[id] = true
	}
	return busy, rows.Err()
}

// transition runs an optimistic status update; zero affected rows means the
// command either does not exist or was not in an accepted prior state.
func (s *Store) transition(ctx context.Context, id, sql string, args ...any) error {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("command transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetCommand(ctx, id); err != nil {
			return err // not found
		}
		return fmt.Errorf("command %s: %w", id, errdefs.ErrConflict)
	}
	return nil
}

const commandSelect = `
	SELECT id, node_id, cmd_type, payload, status, output, error, exit_code,
	       created_by, created_at, sent_at, started_at, finished_at, deadline
	FROM   command_queue
	`

func collectCommands(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]Command, error) {
	var cmds []Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan command: %w", err)
		}
		cmds = append(cmds, *c)
	}
	return cmds, rows.Err()
}

func scanCommand(sc scanner) (*Command, error) {
	var c Command
	var payload []byte
	var output, errMsg, createdBy *string
	var exitCode *int
	err := sc.Scan(
		&c.ID, &c.NodeID, &c.Type, &payload, &c.Status,
		&output, &errMsg, &exitCode,
		&createdBy, &c.CreatedAt, &c.SentAt, &c.StartedAt, &c.FinishedAt,
		&c.Deadline,
	)
	if err != nil {
		return nil, err
	}
	c.Payload = payload
	if output != nil {
		c.Output = *output
	}
	if errMsg != nil {
		c.Error = *errMsg
	}
	if exitCode != nil {
		c.ExitCode = *exitCode
	}
	if createdBy != nil {
		c.CreatedBy = *createdBy
	}
	return &c, nil
}
