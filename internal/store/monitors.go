package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// --- HTTP monitors ---

// CreateHTTPMonitor inserts a new HTTP monitor config.
func (s *Store) CreateHTTPMonitor(ctx context.Context, m HTTPMonitor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO http_monitor_configs
			(id, name, url, method, expect_status, expect_body, timeout_sec, schedule, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.Name, m.URL, m.Method, m.ExpectStatus,
		nullableStr(m.ExpectBody), m.TimeoutSec, m.Schedule, m.Enabled)
	if err != nil {
		return fmt.Errorf("create http monitor: %w", err)
	}
	return nil
}

// GetHTTPMonitor fetches a single HTTP monitor config.
func (s *Store) GetHTTPMonitor(ctx context.Context, id string) (*HTTPMonitor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, url, method, expect_status, expect_body, timeout_sec,
		       schedule, enabled, created_at
		FROM   http_monitor_configs
		WHERE  id = $1`, id)
	m, err := scanHTTPMonitor(row)
	if err != nil {
		return nil, noRows(err, "http monitor", id)
	}
	return m, nil
}

// ListHTTPMonitors returns monitor configs; onlyEnabled restricts to those
// the scheduler should run.
func (s *Store) ListHTTPMonitors(ctx context.Context, onlyEnabled bool) ([]HTTPMonitor, error) {
	query := `
		SELECT id, name, url, method, expect_status, expect_body, timeout_sec,
		       schedule, enabled, created_at
		FROM   http_monitor_configs`
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY name`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list http monitors: %w", err)
	}
	defer rows.Close()

	var monitors []HTTPMonitor
	for rows.Next() {
		m, err := scanHTTPMonitor(rows)
		if err != nil {
			return nil, fmt.Errorf("scan http monitor: %w", err)
		}
		monitors = append(monitors, *m)
	}
	return monitors, rows.Err()
}

// UpdateHTTPMonitor replaces all mutable fields of a monitor config.
func (s *Store) UpdateHTTPMonitor(ctx context.Context, m HTTPMonitor) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE http_monitor_configs
		SET    name = $2, url = $3, method = $4, expect_status = $5,
		       expect_body = $6, timeout_sec = $7, schedule = $8, enabled = $9
		WHERE  id = $1`,
		m.ID, m.Name, m.URL, m.Method, m.ExpectStatus,
		nullableStr(m.ExpectBody), m.TimeoutSec, m.Schedule, m.Enabled)
	if err != nil {
		return fmt.Errorf("update http monitor %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("http monitor", m.ID)
	}
	return nil
}

// DeleteHTTPMonitor removes a monitor config and its check history.
func (s *Store) DeleteHTTPMonitor(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM http_monitor_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete http monitor %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("http monitor", id)
	}
	return nil
}

// InsertHTTPCheck records one probe outcome.
func (s *Store) InsertHTTPCheck(ctx context.Context, c HTTPCheck) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO http_monitor_checks
			(monitor_id, checked_at, healthy, status_code, latency_ms, message, tls_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING`,
		c.MonitorID, c.CheckedAt, c.Healthy, nullableInt(c.StatusCode),
		c.LatencyMs, nullableStr(c.Message), c.TLSExpiresAt)
	if err != nil {
		return fmt.Errorf("insert http check: %w", err)
	}
	return nil
}

// RecentHTTPChecks returns the newest probe outcomes for a monitor.
func (s *Store) RecentHTTPChecks(ctx context.Context, monitorID string, limit int) ([]HTTPCheck, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT monitor_id, checked_at, healthy, status_code, latency_ms, message, tls_expires_at
		FROM   http_monitor_checks
		WHERE  monitor_id = $1
		ORDER  BY checked_at DESC
		LIMIT  $2`, monitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent http checks: %w", err)
	}
	defer rows.Close()

	var checks []HTTPCheck
	for rows.Next() {
		var c HTTPCheck
		var statusCode *int
		var message *string
		if err := rows.Scan(&c.MonitorID, &c.CheckedAt, &c.Healthy,
			&statusCode, &c.LatencyMs, &message, &c.TLSExpiresAt); err != nil {
			return nil, fmt.Errorf("scan http check: %w", err)
		}
		if statusCode != nil {
			c.StatusCode = *statusCode
		}
		if message != nil {
			c.Message = *message
		}
		checks = append(checks, c)
	}
	return checks, rows.Err()
}

// PruneHTTPChecks deletes probe history older than the cutoff.
func (s *Store) PruneHTTPChecks(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM http_monitor_checks WHERE checked_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune http checks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Traffic monitors ---

// CreateTrafficMonitor inserts a new interface sampling config.
func (s *Store) CreateTrafficMonitor(ctx context.Context, m TrafficMonitor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO traffic_monitor_configs (id, iface, schedule, enabled)
		VALUES ($1, $2, $3, $4)`,
		m.ID, m.Interface, m.Schedule, m.Enabled)
	if err != nil {
		return fmt.Errorf("create traffic monitor: %w", err)
	}
	return nil
}

// GetTrafficMonitor returns one traffic config by id.
func (s *Store) GetTrafficMonitor(ctx context.Context, id string) (*TrafficMonitor, error) {
	var m TrafficMonitor
	err := s.pool.QueryRow(ctx, `
		SELECT id, iface, schedule, enabled, created_at
		FROM   traffic_monitor_configs
		WHERE  id = $1`, id).
		Scan(&m.ID, &m.Interface, &m.Schedule, &m.Enabled, &m.CreatedAt)
	if err != nil {
		return nil, noRows(err, "traffic monitor", id)
	}
	return &m, nil
}

// ListTrafficMonitors returns traffic monitor configs.
func (s *Store) ListTrafficMonitors(ctx context.Context, onlyEnabled bool) ([]TrafficMonitor, error) {
	query := `SELECT id, iface, schedule, enabled, created_at FROM traffic_monitor_configs`
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY iface`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list traffic monitors: %w", err)
	}
	defer rows.Close()

	var monitors []TrafficMonitor
	for rows.Next() {
		var m TrafficMonitor
		if err := rows.Scan(&m.ID, &m.Interface, &m.Schedule, &m.Enabled, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan traffic monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

// UpdateTrafficMonitor replaces all mutable fields of a traffic config.
func (s *Store) UpdateTrafficMonitor(ctx context.Context, m TrafficMonitor) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE traffic_monitor_configs
		SET    iface = $2, schedule = $3, enabled = $4
		WHERE  id = $1`,
		m.ID, m.Interface, m.Schedule, m.Enabled)
	if err != nil {
		return fmt.Errorf("update traffic monitor %s: %w", m.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("traffic monitor", m.ID)
	}
	return nil
}

// DeleteTrafficMonitor removes a traffic config and its samples.
func (s *Store) DeleteTrafficMonitor(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM traffic_monitor_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete traffic monitor %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("traffic monitor", id)
	}
	return nil
}

// InsertTrafficSample records one counter sample with derived rates.
func (s *Store) InsertTrafficSample(ctx context.Context, t TrafficSample) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO traffic_monitor_samples
			(monitor_id, sampled_at, rx_bytes, tx_bytes, rx_rate, tx_rate)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		t.MonitorID, t.SampledAt, t.RxBytes, t.TxBytes, t.RxRate, t.TxRate)
	if err != nil {
		return fmt.Errorf("insert traffic sample: %w", err)
	}
	return nil
}

// RecentTrafficSamples returns samples for a monitor ordered by time.
func (s *Store) RecentTrafficSamples(ctx context.Context, monitorID string, from, to time.Time, limit int) ([]TrafficSample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT monitor_id, sampled_at, rx_bytes, tx_bytes, rx_rate, tx_rate
		FROM   traffic_monitor_samples
		WHERE  monitor_id = $1 AND sampled_at >= $2 AND sampled_at < $3
		ORDER  BY sampled_at
		LIMIT  $4`, monitorID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("recent traffic samples: %w", err)
	}
	defer rows.Close()

	var samples []TrafficSample
	for rows.Next() {
		var t TrafficSample
		if err := rows.Scan(&t.MonitorID, &t.SampledAt, &t.RxBytes, &t.TxBytes,
			&t.RxRate, &t.TxRate); err != nil {
			return nil, fmt.Errorf("scan traffic sample: %w", err)
		}
		samples = append(samples, t)
	}
	return samples, rows.Err()
}

// --- Scheduled network tools ---

// CreateNetTool inserts a new scheduled network tool config.
func (s *Store) CreateNetTool(ctx context.Context, n NetToolConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_network_tool_configs
			(id, node_id, tool, target, schedule, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		n.ID, nullableStr(n.NodeID), n.Tool, n.Target, n.Schedule, n.Enabled)
	if err != nil {
		return fmt.Errorf("create nettool config: %w", err)
	}
	return nil
}

// GetNetTool fetches one scheduled network tool config.
func (s *Store) GetNetTool(ctx context.Context, id string) (*NetToolConfig, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, node_id, tool, target, schedule, enabled, last_run, last_result, created_at
		FROM   scheduled_network_tool_configs
		WHERE  id = $1`, id)
	n, err := scanNetTool(row)
	if err != nil {
		return nil, noRows(err, "nettool config", id)
	}
	return n, nil
}

// ListNetTools returns scheduled network tool configs.
func (s *Store) ListNetTools(ctx context.Context, onlyEnabled bool) ([]NetToolConfig, error) {
	query := `
		SELECT id, node_id, tool, target, schedule, enabled, last_run, last_result, created_at
		FROM   scheduled_network_tool_configs`
	if onlyEnabled {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list nettool configs: %w", err)
	}
	defer rows.Close()

	var configs []NetToolConfig
	for rows.Next() {
		n, err := scanNetTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan nettool config: %w", err)
		}
		configs = append(configs, *n)
	}
	return configs, rows.Err()
}

// UpdateNetTool replaces all mutable fields of a nettool config.
func (s *Store) UpdateNetTool(ctx context.Context, n NetToolConfig) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_network_tool_configs
		SET    node_id = $2, tool = $3, target = $4, schedule = $5, enabled = $6
		WHERE  id = $1`,
		n.ID, nullableStr(n.NodeID), n.Tool, n.Target, n.Schedule, n.Enabled)
	if err != nil {
		return fmt.Errorf("update nettool config %s: %w", n.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("nettool config", n.ID)
	}
	return nil
}

// DeleteNetTool removes a scheduled network tool config.
func (s *Store) DeleteNetTool(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scheduled_network_tool_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete nettool config %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("nettool config", id)
	}
	return nil
}

// RecordNetToolRun stores the latest outcome on the config row. Only the
// most recent run is retained.
func (s *Store) RecordNetToolRun(ctx context.Context, id string, at time.Time, result json.RawMessage) error {
	res := []byte(result)
	if res == nil {
		res = []byte("null")
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_network_tool_configs
		SET    last_run = $2, last_result = $3
		WHERE  id = $1`, id, at, res)
	if err != nil {
		return fmt.Errorf("record nettool run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("nettool config", id)
	}
	return nil
}

// --- Service monitors ---

// ReplaceServiceMonitors swaps the monitored unit set for a node in one
// transaction.
func (s *Store) ReplaceServiceMonitors(ctx context.Context, nodeID string, units []ServiceMonitor) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin replace service monitors: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`DELETE FROM service_monitor_configs WHERE node_id = $1`, nodeID); err != nil {
		return fmt.Errorf("clear service monitors: %w", err)
	}
	for _, u := range units {
		if _, err := tx.Exec(ctx, `
			INSERT INTO service_monitor_configs (node_id, unit, notify)
			VALUES ($1, $2, $3)`, nodeID, u.Unit, u.Notify); err != nil {
			return fmt.Errorf("insert service monitor %s: %w", u.Unit, err)
		}
	}
	return tx.Commit(ctx)
}

// ListServiceMonitors returns the monitored units for one node.
func (s *Store) ListServiceMonitors(ctx context.Context, nodeID string) ([]ServiceMonitor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, unit, notify
		FROM   service_monitor_configs
		WHERE  node_id = $1
		ORDER  BY unit`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list service monitors: %w", err)
	}
	defer rows.Close()
	return collectServiceMonitors(rows)
}

// AllServiceMonitors returns every node's monitored units in one query,
// grouped by node, for the periodic refresher.
func (s *Store) AllServiceMonitors(ctx context.Context) (map[string][]ServiceMonitor, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, unit, notify
		FROM   service_monitor_configs
		ORDER  BY node_id, unit`)
	if err != nil {
		return nil, fmt.Errorf("all service monitors: %w", err)
	}
	defer rows.Close()

	monitors, err := collectServiceMonitors(rows)
	if err != nil {
		return nil, err
	}
	byNode := make(map[string][]ServiceMonitor)
	for _, m := range monitors {
		byNode[m.NodeID] = append(byNode[m.NodeID], m)
	}
	return byNode, nil
}

func collectServiceMonitors(rows pgx.Rows) ([]ServiceMonitor, error) {
	var monitors []ServiceMonitor
	for rows.Next() {
		var m ServiceMonitor
		if err := rows.Scan(&m.NodeID, &m.Unit, &m.Notify); err != nil {
			return nil, fmt.Errorf("scan service monitor: %w", err)
		}
		monitors = append(monitors, m)
	}
	return monitors, rows.Err()
}

// --- scan helpers ---

func scanHTTPMonitor(sc scanner) (*HTTPMonitor, error) {
	var m HTTPMonitor
	var expectBody *string
	err := sc.Scan(&m.ID, &m.Name, &m.URL, &m.Method, &m.ExpectStatus,
		&expectBody, &m.TimeoutSec, &m.Schedule, &m.Enabled, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	if expectBody != nil {
		m.ExpectBody = *expectBody
	}
	return &m, nil
}

func scanNetTool(sc scanner) (*NetToolConfig, error) {
	var n NetToolConfig
	var nodeID *string
	var lastResult []byte
	err := sc.Scan(&n.ID, &nodeID, &n.Tool, &n.Target, &n.Schedule, &n.Enabled,
		&n.LastRun, &lastResult, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nodeID != nil {
		n.NodeID = *nodeID
	}
	n.LastResult = lastResult
	return &n, nil
}

// nullableInt converts zero to a nil pointer, stored as SQL NULL.
func nullableInt(i int) *int {
	if i == 0 {
		return nil
	}
	return &i
}
