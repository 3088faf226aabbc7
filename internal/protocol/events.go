package protocol

import "time"

// Event types (hub → dashboard). Dashboards receive the same Message
// envelope; slow subscribers are dropped rather than blocking the fan-out.
const (
	EventNodeRegistered    = "node_registered"
	EventNodeStatusChanged = "node_status_changed"
	EventTelemetry         = "telemetry"
	EventCommandUpdate     = "command_update"
	EventProcessAlerts     = "process_alerts"
	EventServiceStatus     = "service_status"
	EventTerminalOutput    = "terminal_output"
	EventDownloadProgress  = "download_progress"
	EventDownloadStatus    = "download_status_changed"
	EventBackoffStatus     = "backoff_status"
	EventServerResources   = "server_resource_usage"
	EventMonitorResult     = "monitor_result"
)

// NodeStatusEvent announces a reachability change.
type NodeStatusEvent struct {
	NodeID   string    `json:"node_id"`
	Hostname string    `json:"hostname"`
	Status   string    `json:"status"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// TelemetryEvent wraps a heartbeat sample with its node identity.
type TelemetryEvent struct {
	NodeID    string           `json:"node_id"`
	Hostname  string           `json:"hostname"`
	Telemetry TelemetryPayload `json:"telemetry"`
}

// CommandUpdateEvent mirrors a command row after each status transition.
type CommandUpdateEvent struct {
	NodeID   string    `json:"node_id"`
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	Status   string    `json:"status"`
	Output   string    `json:"output,omitempty"`
	Error    string    `json:"error,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

// ProcessAlert flags one process crossing a usage threshold.
type ProcessAlert struct {
	NodeID     string    `json:"node_id"`
	Hostname   string    `json:"hostname"`
	PID        int32     `json:"pid"`
	Name       string    `json:"name"`
	Kind       string    `json:"kind"` // cpu or memory
	Value      float64   `json:"value"`
	Threshold  float64   `json:"threshold"`
	ObservedAt time.Time `json:"observed_at"`
}

// DownloadProgressEvent reports stream delivery progress. Emitted at most
// every few hundred milliseconds per stream, not per chunk.
type DownloadProgressEvent struct {
	StreamID   string  `json:"stream_id"`
	NodeID     string  `json:"node_id"`
	BytesDone  int64   `json:"bytes_done"`
	BytesTotal int64   `json:"bytes_total,omitempty"` // 0 when unknown (zip streams)
	Percent    float64 `json:"percent,omitempty"`
}

// DownloadStatusEvent announces a stream lifecycle edge.
type DownloadStatusEvent struct {
	StreamID string `json:"stream_id"`
	NodeID   string `json:"node_id"`
	Status   string `json:"status"` // active, complete, failed, expired
	Error    string `json:"error,omitempty"`
}

// BackoffStatusEvent reports the hub-side heartbeat grace schedule for a
// node that has gone quiet.
type BackoffStatusEvent struct {
	NodeID       string    `json:"node_id"`
	Failures     int       `json:"failures"`
	NextDeadline time.Time `json:"next_deadline"`
}

// ServerResourceEvent carries the hub's own resource usage sample.
type ServerResourceEvent struct {
	CPUPercent float64   `json:"cpu_percent"`
	MemPercent float64   `json:"mem_percent"`
	Goroutines int       `json:"goroutines"`
	TakenAt    time.Time `json:"taken_at"`
}

// MonitorResultEvent carries one scheduled monitor probe outcome.
type MonitorResultEvent struct {
	MonitorID string    `json:"monitor_id"`
	Kind      string    `json:"kind"` // http, traffic, nettool
	Target    string    `json:"target"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	LatencyMs int64     `json:"latency_ms,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}
