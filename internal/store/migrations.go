package store

import "fmt"

// schemaVersion defines the current schema version.
// Increment this value when adding a new migration.
const schemaVersion = 1

// getMigration returns migration SQL for a schema version.
func getMigration(version int) string {
	switch version {
	case 1:
		return migrateV1
	}
	panic(fmt.Sprintf("migration version not implemented: %v", version))
}

// migrateV1 is the baseline schema.
//
// telemetry_samples keys on (node_id, taken_at) so heartbeat replay from an
// agent's offline spool collapses into the existing row. command_queue keeps
// terminal rows for history; the partial index covers only the dispatcher's
// pending scan.
const migrateV1 = `
	CREATE TABLE nodes (
		node_id       UUID PRIMARY KEY,
		hostname      TEXT NOT NULL UNIQUE,
		os            TEXT,
		arch          TEXT,
		kernel_version TEXT,
		agent_version TEXT,
		ip_address    INET,
		iface         TEXT,
		mac_address   TEXT,
		capabilities  JSONB NOT NULL DEFAULT '{}',
		status        TEXT NOT NULL DEFAULT 'unknown',
		last_seen     TIMESTAMPTZ,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE command_queue (
		id         UUID PRIMARY KEY,
		node_id    UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		cmd_type   TEXT NOT NULL,
		payload    JSONB,
		status     TEXT NOT NULL DEFAULT 'queued',
		output     TEXT,
		error      TEXT,
		exit_code  INT,
		created_by TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		sent_at     TIMESTAMPTZ,
		started_at  TIMESTAMPTZ,
		finished_at TIMESTAMPTZ,
		deadline    TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX idx_command_queue_node ON command_queue (node_id, created_at);
	CREATE INDEX idx_command_queue_pending ON command_queue (node_id, created_at)
		WHERE status IN ('queued', 'sent', 'in_progress');

	CREATE TABLE telemetry_samples (
		node_id       UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		taken_at      TIMESTAMPTZ NOT NULL,
		cpu_percent   REAL NOT NULL DEFAULT 0,
		mem_percent   REAL NOT NULL DEFAULT 0,
		mem_used      BIGINT NOT NULL DEFAULT 0,
		mem_total     BIGINT NOT NULL DEFAULT 0,
		disk_percent  REAL NOT NULL DEFAULT 0,
		disk_used     BIGINT NOT NULL DEFAULT 0,
		disk_total    BIGINT NOT NULL DEFAULT 0,
		cpu_temp      REAL,
		net_rx_rate   DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_tx_rate   DOUBLE PRECISION NOT NULL DEFAULT 0,
		ping_ms       REAL,
		uptime_sec    BIGINT NOT NULL DEFAULT 0,
		top_processes JSONB,
		CONSTRAINT telemetry_samples_pk PRIMARY KEY (node_id, taken_at)
	);

	CREATE TABLE telemetry_rollups (
		node_id      UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		bucket       TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		cpu_avg      REAL NOT NULL DEFAULT 0,
		cpu_max      REAL NOT NULL DEFAULT 0,
		cpu_p95      REAL NOT NULL DEFAULT 0,
		mem_avg      REAL NOT NULL DEFAULT 0,
		mem_max      REAL NOT NULL DEFAULT 0,
		mem_p95      REAL NOT NULL DEFAULT 0,
		disk_avg     REAL NOT NULL DEFAULT 0,
		net_rx_avg   DOUBLE PRECISION NOT NULL DEFAULT 0,
		net_tx_avg   DOUBLE PRECISION NOT NULL DEFAULT 0,
		sample_count INT NOT NULL DEFAULT 0,
		CONSTRAINT telemetry_rollups_pk PRIMARY KEY (node_id, bucket, bucket_start)
	);

	CREATE TABLE service_status_snapshots (
		node_id  UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		key      TEXT NOT NULL,
		data     JSONB NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT service_status_snapshots_pk PRIMARY KEY (node_id, key)
	);

	CREATE TABLE smart_drive_snapshots (
		node_id  UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		key      TEXT NOT NULL,
		data     JSONB NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT smart_drive_snapshots_pk PRIMARY KEY (node_id, key)
	);

	CREATE TABLE gpu_snapshots (
		node_id  UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		key      TEXT NOT NULL,
		data     JSONB NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT gpu_snapshots_pk PRIMARY KEY (node_id, key)
	);

	CREATE TABLE ups_snapshots (
		node_id  UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		key      TEXT NOT NULL,
		data     JSONB NOT NULL,
		taken_at TIMESTAMPTZ NOT NULL,
		CONSTRAINT ups_snapshots_pk PRIMARY KEY (node_id, key)
	);

	CREATE TABLE http_monitor_configs (
		id            UUID PRIMARY KEY,
		name          TEXT NOT NULL,
		url           TEXT NOT NULL,
		method        TEXT NOT NULL DEFAULT 'GET',
		expect_status INT NOT NULL DEFAULT 200,
		expect_body   TEXT,
		timeout_sec   INT NOT NULL DEFAULT 10,
		schedule      TEXT NOT NULL,
		enabled       BOOLEAN NOT NULL DEFAULT true,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE http_monitor_checks (
		monitor_id     UUID NOT NULL REFERENCES http_monitor_configs(id) ON DELETE CASCADE,
		checked_at     TIMESTAMPTZ NOT NULL,
		healthy        BOOLEAN NOT NULL,
		status_code    INT,
		latency_ms     BIGINT NOT NULL DEFAULT 0,
		message        TEXT,
		tls_expires_at TIMESTAMPTZ,
		CONSTRAINT http_monitor_checks_pk PRIMARY KEY (monitor_id, checked_at)
	);

	CREATE TABLE traffic_monitor_configs (
		id         UUID PRIMARY KEY,
		iface      TEXT NOT NULL,
		schedule   TEXT NOT NULL,
		enabled    BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE traffic_monitor_samples (
		monitor_id UUID NOT NULL REFERENCES traffic_monitor_configs(id) ON DELETE CASCADE,
		sampled_at TIMESTAMPTZ NOT NULL,
		rx_bytes   BIGINT NOT NULL,
		tx_bytes   BIGINT NOT NULL,
		rx_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
		tx_rate    DOUBLE PRECISION NOT NULL DEFAULT 0,
		CONSTRAINT traffic_monitor_samples_pk PRIMARY KEY (monitor_id, sampled_at)
	);

	CREATE TABLE scheduled_network_tool_configs (
		id          UUID PRIMARY KEY,
		node_id     UUID REFERENCES nodes(node_id) ON DELETE CASCADE,
		tool        TEXT NOT NULL,
		target      TEXT NOT NULL,
		schedule    TEXT NOT NULL,
		enabled     BOOLEAN NOT NULL DEFAULT true,
		last_run    TIMESTAMPTZ,
		last_result JSONB,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE service_monitor_configs (
		node_id UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		unit    TEXT NOT NULL,
		notify  BOOLEAN NOT NULL DEFAULT false,
		CONSTRAINT service_monitor_configs_pk PRIMARY KEY (node_id, unit)
	);

	CREATE TABLE log_viewer_policies (
		node_id   UUID PRIMARY KEY REFERENCES nodes(node_id) ON DELETE CASCADE,
		sources   JSONB NOT NULL DEFAULT '[]',
		max_bytes BIGINT NOT NULL DEFAULT 1048576,
		enabled   BOOLEAN NOT NULL DEFAULT true
	);

	CREATE TABLE file_browser_policies (
		node_id        UUID PRIMARY KEY REFERENCES nodes(node_id) ON DELETE CASCADE,
		roots          JSONB NOT NULL DEFAULT '[]',
		max_file_bytes BIGINT NOT NULL DEFAULT 104857600,
		allow_download BOOLEAN NOT NULL DEFAULT true,
		system         BOOLEAN NOT NULL DEFAULT false,
		enabled        BOOLEAN NOT NULL DEFAULT true
	);

	CREATE TABLE terminal_sessions (
		session_id  UUID PRIMARY KEY,
		node_id     UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		opened_by   TEXT NOT NULL,
		opened_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
		closed_at   TIMESTAMPTZ,
		last_active TIMESTAMPTZ NOT NULL DEFAULT now(),
		status      TEXT NOT NULL DEFAULT 'open'
	);

	CREATE TABLE process_alerts (
		id          BIGSERIAL PRIMARY KEY,
		node_id     UUID NOT NULL REFERENCES nodes(node_id) ON DELETE CASCADE,
		pid         INT NOT NULL,
		name        TEXT NOT NULL,
		kind        TEXT NOT NULL,
		value       REAL NOT NULL,
		threshold   REAL NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX idx_process_alerts_node_time ON process_alerts (node_id, observed_at);

	CREATE TABLE settings (
		key        TEXT PRIMARY KEY,
		value      JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE audit_events (
		id         BIGSERIAL PRIMARY KEY,
		actor      TEXT NOT NULL,
		action     TEXT NOT NULL,
		node_id    UUID,
		detail     JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	CREATE INDEX idx_audit_events_time ON audit_events (created_at);
`
