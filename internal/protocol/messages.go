// Package protocol defines the WebSocket message types shared between the
// agent and the hub, plus the command taxonomy and the event names pushed to
// dashboard subscribers.
package protocol

import (
	"encoding/json"
	"time"
)

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:    msgType,
		Payload: data,
	}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (agent → hub)
const (
	TypeRegister       = "register"
	TypeHeartbeat      = "heartbeat"
	TypeCommandStatus  = "command_status"
	TypeServiceStatus  = "service_status"
	TypeSmartDrives    = "smart_drives"
	TypeGPUStatus      = "gpu_status"
	TypeUPSStatus      = "ups_status"
	TypeTerminalOutput = "terminal_output"
	TypeStreamChunk    = "stream_chunk"
	TypeStreamComplete = "stream_complete"
	TypeStreamError    = "stream_error"
	TypeFileListing    = "file_listing"
	TypeFileContent    = "file_content"
	TypeLogContent     = "log_content"
	TypeNetToolResult  = "nettool_result"
)

// Message types (hub → agent)
const (
	TypeRegistered       = "registered"
	TypeCommand          = "command"
	TypeCancelCommand    = "cancel_command"
	TypeRequestTelemetry = "request_telemetry"
	TypeStreamAck        = "stream_ack"
	TypeStreamCancel     = "stream_cancel"
	TypeSuperseded       = "superseded"
)

// Stream flow control. A sender may have at most StreamWindowChunks chunks
// in flight; each chunk carries at most MaxStreamChunk bytes of data.
const (
	MaxStreamChunk     = 1 << 20 // 1 MiB
	StreamWindowChunks = 16
)

// RegisterPayload is sent by the agent when connecting. NodeID is empty on
// first contact; the hub assigns one and returns it in RegisteredPayload.
type RegisterPayload struct {
	NodeID       string          `json:"node_id,omitempty"`
	Hostname     string          `json:"hostname"`
	OS           string          `json:"os"`
	Arch         string          `json:"arch"`
	KernelVer    string          `json:"kernel_version,omitempty"`
	AgentVersion string          `json:"agent_version"`
	Interface    string          `json:"interface,omitempty"` // primary NIC name
	MACAddress   string          `json:"mac_address,omitempty"`
	Capabilities map[string]bool `json:"capabilities"` // absent key means disabled
}

// RegisteredPayload is sent by the hub to confirm registration.
type RegisteredPayload struct {
	NodeID            string `json:"node_id"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
}

// TelemetryPayload is the periodic heartbeat sample.
type TelemetryPayload struct {
	TakenAt        time.Time       `json:"taken_at"`
	CPUPercent     float64         `json:"cpu_percent"`
	MemPercent     float64         `json:"mem_percent"`
	MemUsedBytes   uint64          `json:"mem_used_bytes"`
	MemTotalBytes  uint64          `json:"mem_total_bytes"`
	DiskPercent    float64         `json:"disk_percent"`
	DiskUsedBytes  uint64          `json:"disk_used_bytes"`
	DiskTotalBytes uint64          `json:"disk_total_bytes"`
	CPUTempC       float64         `json:"cpu_temp_c,omitempty"`
	NetRxRate      float64         `json:"net_rx_rate"` // bytes/sec
	NetTxRate      float64         `json:"net_tx_rate"` // bytes/sec
	PingMs         float64         `json:"ping_ms,omitempty"`
	UptimeSec      uint64          `json:"uptime_sec"`
	TopProcesses   []ProcessSample `json:"top_processes,omitempty"`
}

// ProcessSample is one row of the per-heartbeat top-process list.
type ProcessSample struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// SnapshotBatch carries hardware/service snapshots. Items are opaque JSON
// documents; the hub only inspects the identity field when persisting.
type SnapshotBatch struct {
	TakenAt time.Time         `json:"taken_at"`
	Items   []json.RawMessage `json:"items"`
}

// CommandEnvelope is sent by the hub to request command execution on the
// agent. Payload holds the type-specific parameters.
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// CommandStatusPayload is sent by the agent as a command advances.
type CommandStatusPayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"` // in_progress, success, failed, cancelled
	Output   string `json:"output,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// CancelCommandPayload asks the agent to abort a running command.
type CancelCommandPayload struct {
	ID string `json:"id"`
}

// TerminalOutputPayload carries raw PTY output for an open session.
type TerminalOutputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"` // base64 on the wire
}

// StreamChunkPayload is one bounded chunk of a file download stream.
type StreamChunkPayload struct {
	StreamID string `json:"stream_id"`
	Seq      uint64 `json:"seq"`
	Data     []byte `json:"data"` // base64 on the wire, ≤ MaxStreamChunk
}

// StreamAckPayload is the hub's credit grant for a stream.
type StreamAckPayload struct {
	StreamID string `json:"stream_id"`
	AckedSeq uint64 `json:"acked_seq"` // highest seq consumed so far
}

// StreamCompletePayload ends a stream after the last chunk.
type StreamCompletePayload struct {
	StreamID   string `json:"stream_id"`
	TotalBytes int64  `json:"total_bytes"`
	SHA256     string `json:"sha256,omitempty"`
}

// StreamErrorPayload ends a stream abnormally. The error reaches the
// consumer only after all previously queued chunks are drained.
type StreamErrorPayload struct {
	StreamID string `json:"stream_id"`
	Message  string `json:"message"`
}

// StreamCancelPayload tells the agent to stop sending a stream.
type StreamCancelPayload struct {
	StreamID string `json:"stream_id"`
	Reason   string `json:"reason,omitempty"`
}

// FileListingPayload is the agent's answer to a file.list command. A
// non-empty Error means the listing failed on the agent side.
type FileListingPayload struct {
	SessionID string      `json:"session_id"`
	Path      string      `json:"path"`
	Entries   []FileEntry `json:"entries"`
	Error     string      `json:"error,omitempty"`
}

// FileEntry is one directory entry in a file listing.
type FileEntry struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"mod_time"`
	IsDir   bool      `json:"is_dir"`
	Symlink string    `json:"symlink,omitempty"`
}

// FileContentPayload is the agent's answer to a bounded file.read command.
type FileContentPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Offset    int64  `json:"offset"`
	Data      []byte `json:"data"`
	EOF       bool   `json:"eof"`
	Error     string `json:"error,omitempty"`
}

// LogContentPayload is the agent's answer to a log.read command.
type LogContentPayload struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Lines     string `json:"lines"`
	Truncated bool   `json:"truncated"`
	Error     string `json:"error,omitempty"`
}

// NetToolResultPayload is the agent's answer to a nettool.run command.
type NetToolResultPayload struct {
	RunID      string `json:"run_id"`
	Tool       string `json:"tool"`
	Target     string `json:"target"`
	OK         bool   `json:"ok"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}
