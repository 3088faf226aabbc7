// Package store provides the PostgreSQL-backed persistence layer for the
// hub. It exposes typed model structs for the fleet tables (nodes, command
// queue, telemetry, snapshots, monitor configs, policies, audit) and a Store
// wrapping a pgxpool connection pool. Schema setup runs through a versioned
// migration runner at startup.
package store

import (
	"encoding/json"
	"time"
)

// NodeStatus is the hub's view of agent reachability.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
	NodeUnknown NodeStatus = "unknown"
)

// Node maps to the `nodes` table. Capabilities mirrors the agent's last
// registration; LastSeen is nil until the first heartbeat.
type Node struct {
	ID           string          `json:"id"`
	Hostname     string          `json:"hostname"`
	OS           string          `json:"os,omitempty"`
	Arch         string          `json:"arch,omitempty"`
	KernelVer    string          `json:"kernel_version,omitempty"`
	AgentVersion string          `json:"agent_version,omitempty"`
	IPAddress    string          `json:"ip_address,omitempty"`
	Interface    string          `json:"interface,omitempty"`
	MACAddress   string          `json:"mac_address,omitempty"`
	Capabilities map[string]bool `json:"capabilities"`
	Status       NodeStatus      `json:"status"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
}

// HasCapability applies the default-deny rule: absent keys are disabled.
func (n *Node) HasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	return n.Capabilities[cap]
}

// Command maps to the `command_queue` table.
//
// Output is bounded at MaxCommandOutput bytes; longer output is truncated
// with a marker. Deadline is the absolute wall-clock time after which the
// sweeper fails the command.
type Command struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     string          `json:"status"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	ExitCode   int             `json:"exit_code,omitempty"`
	CreatedBy  string          `json:"created_by,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Deadline   time.Time       `json:"deadline"`
}

// MaxCommandOutput bounds the persisted output of a single command.
const MaxCommandOutput = 256 * 1024

// TruncationMarker is appended when command output exceeds the bound.
const TruncationMarker = "\n... [output truncated]"

// TelemetrySample maps to the `telemetry_samples` table. The primary key is
// (node_id, taken_at), which makes heartbeat intake idempotent.
type TelemetrySample struct {
	NodeID         string          `json:"node_id"`
	TakenAt        time.Time       `json:"taken_at"`
	CPUPercent     float64         `json:"cpu_percent"`
	MemPercent     float64         `json:"mem_percent"`
	MemUsedBytes   int64           `json:"mem_used_bytes"`
	MemTotalBytes  int64           `json:"mem_total_bytes"`
	DiskPercent    float64         `json:"disk_percent"`
	DiskUsedBytes  int64           `json:"disk_used_bytes"`
	DiskTotalBytes int64           `json:"disk_total_bytes"`
	CPUTempC       float64         `json:"cpu_temp_c,omitempty"`
	NetRxRate      float64         `json:"net_rx_rate"`
	NetTxRate      float64         `json:"net_tx_rate"`
	PingMs         float64         `json:"ping_ms,omitempty"`
	UptimeSec      int64           `json:"uptime_sec"`
	TopProcesses   json.RawMessage `json:"top_processes,omitempty"`
}

// RollupBucket selects the aggregation granularity for telemetry history.
type RollupBucket string

const (
	BucketRaw  RollupBucket = "raw"
	BucketHour RollupBucket = "hour"
	BucketDay  RollupBucket = "day"
)

// TelemetryRollup maps to the `telemetry_rollups` table.
type TelemetryRollup struct {
	NodeID      string       `json:"node_id"`
	Bucket      RollupBucket `json:"bucket"`
	BucketStart time.Time    `json:"bucket_start"`
	CPUAvg      float64      `json:"cpu_avg"`
	CPUMax      float64      `json:"cpu_max"`
	CPUP95      float64      `json:"cpu_p95"`
	MemAvg      float64      `json:"mem_avg"`
	MemMax      float64      `json:"mem_max"`
	MemP95      float64      `json:"mem_p95"`
	DiskAvg     float64      `json:"disk_avg"`
	NetRxAvg    float64      `json:"net_rx_avg"`
	NetTxAvg    float64      `json:"net_tx_avg"`
	SampleCount int          `json:"sample_count"`
}

// HistoryPoint is one aggregated point returned by TelemetryHistory.
type HistoryPoint struct {
	Bucket  time.Time `json:"bucket"`
	CPUAvg  float64   `json:"cpu_avg"`
	CPUMax  float64   `json:"cpu_max"`
	CPUP95  float64   `json:"cpu_p95"`
	MemAvg  float64   `json:"mem_avg"`
	MemMax  float64   `json:"mem_max"`
	MemP95  float64   `json:"mem_p95"`
	DiskAvg float64   `json:"disk_avg"`
	Samples int       `json:"samples"`
}

// Snapshot is one hardware/service status document. Data round-trips as
// opaque JSONB; Key is the identity extracted at intake (service name,
// drive device, GPU index, UPS name).
type Snapshot struct {
	NodeID  string          `json:"node_id"`
	Key     string          `json:"key"`
	Data    json.RawMessage `json:"data"`
	TakenAt time.Time       `json:"taken_at"`
}

// SnapshotKind selects which snapshot table an operation touches.
type SnapshotKind string

const (
	SnapshotService SnapshotKind = "service"
	SnapshotSmart   SnapshotKind = "smart"
	SnapshotGPU     SnapshotKind = "gpu"
	SnapshotUPS     SnapshotKind = "ups"
)

// HTTPMonitor maps to the `http_monitor_configs` table.
type HTTPMonitor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Method       string    `json:"method"`
	ExpectStatus int       `json:"expect_status"`
	ExpectBody   string    `json:"expect_body,omitempty"`
	TimeoutSec   int       `json:"timeout_sec"`
	Schedule     string    `json:"schedule"` // cron expression
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"created_at"`
}

// HTTPCheck maps to the `http_monitor_checks` table.
type HTTPCheck struct {
	MonitorID    string     `json:"monitor_id"`
	CheckedAt    time.Time  `json:"checked_at"`
	Healthy      bool       `json:"healthy"`
	StatusCode   int        `json:"status_code,omitempty"`
	LatencyMs    int64      `json:"latency_ms"`
	Message      string     `json:"message,omitempty"`
	TLSExpiresAt *time.Time `json:"tls_expires_at,omitempty"`
}

// TrafficMonitor maps to the `traffic_monitor_configs` table. It samples a
// hub-side network interface on a cron schedule.
type TrafficMonitor struct {
	ID        string    `json:"id"`
	Interface string    `json:"interface"`
	Schedule  string    `json:"schedule"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// TrafficSample maps to the `traffic_monitor_samples` table. Rates are
// derived from counter deltas; the first sample after startup is a baseline
// and persists zero rates.
type TrafficSample struct {
	MonitorID string    `json:"monitor_id"`
	SampledAt time.Time `json:"sampled_at"`
	RxBytes   int64     `json:"rx_bytes"`
	TxBytes   int64     `json:"tx_bytes"`
	RxRate    float64   `json:"rx_rate"`
	TxRate    float64   `json:"tx_rate"`
}

// NetToolConfig maps to the `scheduled_network_tool_configs` table.
// A nil NodeID runs the tool from the hub itself; otherwise the run is
// enqueued as a nettool.run command on the named node. The latest outcome
// is kept on the config row, not in a history table.
type NetToolConfig struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id,omitempty"`
	Tool       string          `json:"tool"` // ping, tcp, dns
	Target     string          `json:"target"`
	Schedule   string          `json:"schedule"`
	Enabled    bool            `json:"enabled"`
	LastRun    *time.Time      `json:"last_run,omitempty"`
	LastResult json.RawMessage `json:"last_result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ServiceMonitor maps to the `service_monitor_configs` table: the units the
// periodic service-status refresh asks a node about.
type ServiceMonitor struct {
	NodeID string `json:"node_id"`
	Unit   string `json:"unit"`
	Notify bool   `json:"notify"`
}

// LogPolicy maps to the `log_viewer_policies` table. Sources is an
// allowlist of journal units and file path prefixes.
type LogPolicy struct {
	NodeID   string   `json:"node_id"`
	Sources  []string `json:"sources"`
	MaxBytes int64    `json:"max_bytes"`
	Enabled  bool     `json:"enabled"`
}

// FilePolicy maps to the `file_browser_policies` table. Roots is an
// allowlist of directory prefixes; System grants the "/" root to elevated
// callers only.
type FilePolicy struct {
	NodeID        string   `json:"node_id"`
	Roots         []string `json:"roots"`
	MaxFileBytes  int64    `json:"max_file_bytes"`
	AllowDownload bool     `json:"allow_download"`
	System        bool     `json:"system"`
	Enabled       bool     `json:"enabled"`
}

// TerminalRecord maps to the `terminal_sessions` table: the durable audit
// trail of PTY sessions (the live registry is in memory).
type TerminalRecord struct {
	SessionID  string     `json:"session_id"`
	NodeID     string     `json:"node_id"`
	OpenedBy   string     `json:"opened_by"`
	OpenedAt   time.Time  `json:"opened_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	LastActive time.Time  `json:"last_active"`
	Status     string     `json:"status"` // open, closed, expired, failed
}

// AuditEvent maps to the `audit_events` table.
type AuditEvent struct {
	ID        int64           `json:"id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	NodeID    string          `json:"node_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ProcessAlertRecord maps to the `process_alerts` table.
type ProcessAlertRecord struct {
	ID         int64     `json:"id"`
	NodeID     string    `json:"node_id"`
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // cpu or memory
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	ObservedAt time.Time `json:"observed_at"`
}
