package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertNode inserts a new node or, on hostname conflict, updates all
// mutable fields. It returns the effective node_id persisted in the
// database: on a clean insert this equals n.ID; on a hostname conflict the
// existing node_id is returned unchanged, so an agent that lost its state
// file is re-attached to its history instead of forking a duplicate node.
func (s *Store) UpsertNode(ctx context.Context, n Node) (string, error) {
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return "", fmt.Errorf("marshal capabilities: %w", err)
	}

	var effectiveID string
	err = s.pool.QueryRow(ctx, `
		INSERT INTO nodes
			(node_id, hostname, os, arch, kernel_version, agent_version,
			 ip_address, iface, mac_address, capabilities, status, last_seen)
		VALUES ($1, $2, $3, $4, $5, $6, $7::inet, $8, $9, $10, $11, $12)
		ON CONFLICT (hostname) DO UPDATE SET
			os             = EXCLUDED.os,
			arch           = EXCLUDED.arch,
			kernel_version = EXCLUDED.kernel_version,
			agent_version  = EXCLUDED.agent_version,
			ip_address     = EXCLUDED.ip_address,
			iface          = EXCLUDED.iface,
			mac_address    = EXCLUDED.mac_address,
			capabilities   = EXCLUDED.capabilities,
			status         = EXCLUDED.status,
			last_seen      = EXCLUDED.last_seen
		RETURNING node_id`,
		n.ID,
		n.Hostname,
		nullableStr(n.OS),
		nullableStr(n.Arch),
		nullableStr(n.KernelVer),
		nullableStr(n.AgentVersion),
		nullableStr(n.IPAddress),
		nullableStr(n.Interface),
		nullableStr(n.MACAddress),
		caps,
		string(n.Status),
		n.LastSeen,
	).Scan(&effectiveID)
	if err != nil {
		return "", fmt.Errorf("upsert node: %w", err)
	}
	return effectiveID, nil
}

// UpdateNodeRegistration refreshes the registration fields of an existing
// node identified by n.ID. Unknown ids yield ErrNotFound.
func (s *Store) UpdateNodeRegistration(ctx context.Context, n Node) error {
	caps, err := json.Marshal(n.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET    hostname       = $2,
		       os             = $3,
		       arch           = $4,
		       kernel_version = $5,
		       agent_version  = $6,
		       ip_address     = $7::inet,
		       iface          = $8,
		       mac_address    = $9,
		       capabilities   = $10,
		       status         = $11,
		       last_seen      = $12
		WHERE  node_id = $1`,
		n.ID,
		n.Hostname,
		nullableStr(n.OS),
		nullableStr(n.Arch),
		nullableStr(n.KernelVer),
		nullableStr(n.AgentVersion),
		nullableStr(n.IPAddress),
		nullableStr(n.Interface),
		nullableStr(n.MACAddress),
		caps,
		string(n.Status),
		n.LastSeen,
	)
	if err != nil {
		return fmt.Errorf("update node %s: %w", n.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("node", n.ID)
	}
	return nil
}

// GetNode returns the node with the given UUID, or ErrNotFound.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT node_id, hostname, os, arch, kernel_version, agent_version,
		       ip_address::text, iface, mac_address, capabilities, status,
		       last_seen, registered_at
		FROM   nodes
		WHERE  node_id = $1`, nodeID)
	n, err := scanNode(row)
	if err != nil {
		return nil, noRows(err, "node", nodeID)
	}
	return n, nil
}

// ListNodes returns all registered nodes ordered alphabetically by hostname.
func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, hostname, os, arch, kernel_version, agent_version,
		       ip_address::text, iface, mac_address, capabilities, status,
		       last_seen, registered_at
		FROM   nodes
		ORDER  BY hostname`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, *n)
	}
	return nodes, rows.Err()
}

// SetNodeStatus records a reachability change.
func (s *Store) SetNodeStatus(ctx context.Context, nodeID string, status NodeStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET status = $2 WHERE node_id = $1`,
		nodeID, string(status))
	if err != nil {
		return fmt.Errorf("set node status %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("node", nodeID)
	}
	return nil
}

// TouchNode marks a node online and advances last_seen.
func (s *Store) TouchNode(ctx context.Context, nodeID string, seenAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET    status = $2, last_seen = GREATEST(COALESCE(last_seen, $3), $3)
		WHERE  node_id = $1`,
		nodeID, string(NodeOnline), seenAt)
	if err != nil {
		return fmt.Errorf("touch node %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("node", nodeID)
	}
	return nil
}

// MarkAllNodesOffline resets reachability at startup; no agent can be
// connected before the hub accepts its first socket.
func (s *Store) MarkAllNodesOffline(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE nodes SET status = $1 WHERE status <> $1`, string(NodeOffline))
	if err != nil {
		return 0, fmt.Errorf("mark nodes offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteNode removes a node and, via cascades, its history.
func (s *Store) DeleteNode(ctx context.Context, nodeID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM nodes WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("delete node %s: %w", nodeID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("node", nodeID)
	}
	return nil
}

// scanNode reads one node row. The ip_address column must be projected as
// ::text by the caller.
func scanNode(sc scanner) (*Node, error) {
	var n Node
	var os, arch, kernel, agentVer, ip, iface, mac *string
	var caps []byte
	var status string
	err := sc.Scan(
		&n.ID, &n.Hostname,
		&os, &arch, &kernel, &agentVer,
		&ip, &iface, &mac,
		&caps, &status,
		&n.LastSeen, &n.RegisteredAt,
	)
	if err != nil {
		return nil, err
	}
	n.Status = NodeStatus(status)
	if os != nil {
		n.OS = *os
	}
	if arch != nil {
		n.Arch = *arch
	}
	if kernel != nil {
		n.KernelVer = *kernel
	}
	if agentVer != nil {
		n.AgentVersion = *agentVer
	}
	if ip != nil {
		n.IPAddress = *ip
	}
	if iface != nil {
		n.Interface = *iface
	}
	if mac != nil {
		n.MACAddress = *mac
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &n.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	return &n, nil
}
