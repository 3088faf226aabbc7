package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/manlab/manlab/internal/errdefs"
)

// InsertTelemetry persists one heartbeat sample. The (node_id, taken_at)
// primary key makes replay idempotent: a duplicate sample from an agent's
// offline spool is silently dropped.
func (s *Store) InsertTelemetry(ctx context.Context, t TelemetrySample) error {
	top := []byte(t.TopProcesses)
	if top == nil {
		top = []byte("null")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO telemetry_samples
			(node_id, taken_at, cpu_percent, mem_percent, mem_used, mem_total,
			 disk_percent, disk_used, disk_total, cpu_temp,
			 net_rx_rate, net_tx_rate, ping_ms, uptime_sec, top_processes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT DO NOTHING`,
		t.NodeID, t.TakenAt, t.CPUPercent, t.MemPercent, t.MemUsedBytes, t.MemTotalBytes,
		t.DiskPercent, t.DiskUsedBytes, t.DiskTotalBytes, nullableFloat(t.CPUTempC),
		t.NetRxRate, t.NetTxRate, nullableFloat(t.PingMs), t.UptimeSec, top,
	)
	if err != nil {
		return fmt.Errorf("insert telemetry: %w", err)
	}
	return nil
}

// LatestTelemetry returns the most recent sample for a node.
func (s *Store) LatestTelemetry(ctx context.Context, nodeID string) (*TelemetrySample, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT node_id, taken_at, cpu_percent, mem_percent, mem_used, mem_total,
		       disk_percent, disk_used, disk_total, cpu_temp,
		       net_rx_rate, net_tx_rate, ping_ms, uptime_sec, top_processes
		FROM   telemetry_samples
		WHERE  node_id = $1
		ORDER  BY taken_at DESC
		LIMIT  1`, nodeID)
	t, err := scanSample(row)
	if err != nil {
		return nil, noRows(err, "telemetry for node", nodeID)
	}
	return t, nil
}

// RawTelemetry returns samples in [from, to) ordered by time ascending.
func (s *Store) RawTelemetry(ctx context.Context, nodeID string, from, to time.Time, limit int) ([]TelemetrySample, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT node_id, taken_at, cpu_percent, mem_percent, mem_used, mem_total,
		       disk_percent, disk_used, disk_total, cpu_temp,
		       net_rx_rate, net_tx_rate, ping_ms, uptime_sec, top_processes
		FROM   telemetry_samples
		WHERE  node_id = $1 AND taken_at >= $2 AND taken_at < $3
		ORDER  BY taken_at
		LIMIT  $4`, nodeID, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("raw telemetry: %w", err)
	}
	defer rows.Close()

	var samples []TelemetrySample
	for rows.Next() {
		t, err := scanSample(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sample: %w", err)
		}
		samples = append(samples, *t)
	}
	return samples, rows.Err()
}

// TelemetryHistory returns aggregated history points for [from, to) at hour
// or day granularity. Buckets still present in raw samples are aggregated
// on the fly; older buckets come from the rollup table. When both exist the
// raw aggregation wins, as it may include late-arriving samples.
func (s *Store) TelemetryHistory(ctx context.Context, nodeID string, from, to time.Time, bucket RollupBucket) ([]HistoryPoint, error) {
	unit, err := truncUnit(bucket)
	if err != nil {
		return nil, err
	}

	byBucket := make(map[time.Time]HistoryPoint)

	rollups, err := s.pool.Query(ctx, `
		SELECT bucket_start, cpu_avg, cpu_max, cpu_p95,
		       mem_avg, mem_max, mem_p95, disk_avg, sample_count
		FROM   telemetry_rollups
		WHERE  node_id = $1 AND bucket = $2
		       AND bucket_start >= $3 AND bucket_start < $4`,
		nodeID, string(bucket), from, to)
	if err != nil {
		return nil, fmt.Errorf("rollup history: %w", err)
	}
	defer rollups.Close()
	for rollups.Next() {
		var p HistoryPoint
		if err := rollups.Scan(&p.Bucket, &p.CPUAvg, &p.CPUMax, &p.CPUP95,
			&p.MemAvg, &p.MemMax, &p.MemP95, &p.DiskAvg, &p.Samples); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		byBucket[p.Bucket.UTC()] = p
	}
	if err := rollups.Err(); err != nil {
		return nil, err
	}

	raw, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT date_trunc('%s', taken_at) AS bucket_start,
		       avg(cpu_percent), max(cpu_percent),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY cpu_percent),
		       avg(mem_percent), max(mem_percent),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY mem_percent),
		       avg(disk_percent), count(*)
		FROM   telemetry_samples
		WHERE  node_id = $1 AND taken_at >= $2 AND taken_at < $3
		GROUP  BY bucket_start`, unit),
		nodeID, from, to)
	if err != nil {
		return nil, fmt.Errorf("raw history: %w", err)
	}
	defer raw.Close()
	for raw.Next() {
		var p HistoryPoint
		if err := raw.Scan(&p.Bucket, &p.CPUAvg, &p.CPUMax, &p.CPUP95,
			&p.MemAvg, &p.MemMax, &p.MemP95, &p.DiskAvg, &p.Samples); err != nil {
			return nil, fmt.Errorf("scan raw bucket: %w", err)
		}
		byBucket[p.Bucket.UTC()] = p
	}
	if err := raw.Err(); err != nil {
		return nil, err
	}

	points := make([]HistoryPoint, 0, len(byBucket))
	for _, p := range byBucket {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Bucket.Before(points[j].Bucket) })
	return points, nil
}

// RollupTelemetry folds raw samples in [from, to) into the rollup table.
// Re-running over the same window recomputes the buckets, so the job can
// overlap its previous window safely.
func (s *Store) RollupTelemetry(ctx context.Context, bucket RollupBucket, from, to time.Time) (int64, error) {
	unit, err := truncUnit(bucket)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO telemetry_rollups
			(node_id, bucket, bucket_start, cpu_avg, cpu_max, cpu_p95,
			 mem_avg, mem_max, mem_p95, disk_avg, net_rx_avg, net_tx_avg, sample_count)
		SELECT node_id, $1, date_trunc('%s', taken_at) AS bucket_start,
		       avg(cpu_percent), max(cpu_percent),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY cpu_percent),
		       avg(mem_percent), max(mem_percent),
		       percentile_cont(0.95) WITHIN GROUP (ORDER BY mem_percent),
		       avg(disk_percent), avg(net_rx_rate), avg(net_tx_rate), count(*)
		FROM   telemetry_samples
		WHERE  taken_at >= $2 AND taken_at < $3
		GROUP  BY node_id, bucket_start
		ON CONFLICT (node_id, bucket, bucket_start) DO UPDATE SET
			cpu_avg      = EXCLUDED.cpu_avg,
			cpu_max      = EXCLUDED.cpu_max,
			cpu_p95      = EXCLUDED.cpu_p95,
			mem_avg      = EXCLUDED.mem_avg,
			mem_max      = EXCLUDED.mem_max,
			mem_p95      = EXCLUDED.mem_p95,
			disk_avg     = EXCLUDED.disk_avg,
			net_rx_avg   = EXCLUDED.net_rx_avg,
			net_tx_avg   = EXCLUDED.net_tx_avg,
			sample_count = EXCLUDED.sample_count`, unit),
		string(bucket), from, to)
	if err != nil {
		return 0, fmt.Errorf("rollup telemetry: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneTelemetry deletes raw samples older than the cutoff.
func (s *Store) PruneTelemetry(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM telemetry_samples WHERE taken_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune telemetry: %w", err)
	}
	return tag.RowsAffected(), nil
}

// InsertProcessAlerts persists a batch of alerts in one round-trip.
func (s *Store) InsertProcessAlerts(ctx context.Context, alerts []ProcessAlertRecord) error {
	if len(alerts) == 0 {
		return nil
	}
	const query = `
		INSERT INTO process_alerts
			(node_id, pid, name, kind, value, threshold, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	b := &pgx.Batch{}
	for i := range alerts {
		a := &alerts[i]
		b.Queue(query, a.NodeID, a.PID, a.Name, a.Kind, a.Value, a.Threshold, a.ObservedAt)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range alerts {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec process alert: %w", err)
		}
	}
	return nil
}

// RecentProcessAlerts returns the newest alerts for a node.
func (s *Store) RecentProcessAlerts(ctx context.Context, nodeID string, limit int) ([]ProcessAlertRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, node_id, pid, name, kind, value, threshold, observed_at
		FROM   process_alerts
		WHERE  node_id = $1
		ORDER  BY observed_at DESC
		LIMIT  $2`, nodeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent process alerts: %w", err)
	}
	defer rows.Close()

	var alerts []ProcessAlertRecord
	for rows.Next() {
		var a ProcessAlertRecord
		if err := rows.Scan(&a.ID, &a.NodeID, &a.PID, &a.Name, &a.Kind,
			&a.Value, &a.Threshold, &a.ObservedAt); err != nil {
			return nil, fmt.Errorf("scan process alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func truncUnit(b RollupBucket) (string, error) {
	switch b {
	case BucketHour:
		return "hour", nil
	case BucketDay:
		return "day", nil
	default:
		return "", fmt.Errorf("bucket %q: %w", b, errdefs.ErrBadRequest)
	}
}

// nullableFloat converts a zero value to a nil pointer, stored as SQL NULL.
func nullableFloat(f float64) *float64 {
	if f == 0 {
		return nil
	}
	return &f
}

func scanSample(sc scanner) (*TelemetrySample, error) {
	var t TelemetrySample
	var temp, ping *float64
	var top []byte
	err := sc.Scan(
		&t.NodeID, &t.TakenAt, &t.CPUPercent, &t.MemPercent,
		&t.MemUsedBytes, &t.MemTotalBytes,
		&t.DiskPercent, &t.DiskUsedBytes, &t.DiskTotalBytes,
		&temp, &t.NetRxRate, &t.NetTxRate, &ping, &t.UptimeSec, &top,
	)
	if err != nil {
		return nil, err
	}
	if temp != nil {
		t.CPUTempC = *temp
	}
	if ping != nil {
		t.PingMs = *ping
	}
	t.TopProcesses = top
	return &t, nil
}
