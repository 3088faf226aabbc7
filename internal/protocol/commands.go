package protocol

import (
	"encoding/json"
	"fmt"
)

// Command types form a closed set. Anything outside it is rejected at
// enqueue time and again by the agent before execution.
const (
	CmdDockerList    = "docker.list"
	CmdDockerStart   = "docker.start"
	CmdDockerStop    = "docker.stop"
	CmdDockerRestart = "docker.restart"

	CmdSystemUpdate   = "system.update"
	CmdSystemShutdown = "system.shutdown"
	CmdSystemRestart  = "system.restart"

	CmdAgentShutdown    = "agent.shutdown"
	CmdAgentEnableTask  = "agent.enable_task"
	CmdAgentDisableTask = "agent.disable_task"
	CmdAgentUninstall   = "agent.uninstall"

	CmdShellExec = "shell.exec"

	CmdServiceStatus  = "service.status"
	CmdServiceRestart = "service.restart"

	CmdSmartScan = "smart.scan"
	CmdScriptRun = "script.run"

	CmdLogRead = "log.read"

	CmdTerminalOpen  = "terminal.open"
	CmdTerminalClose = "terminal.close"
	CmdTerminalInput = "terminal.input"

	CmdFileList   = "file.list"
	CmdFileRead   = "file.read"
	CmdFileZip    = "file.zip"
	CmdFileStream = "file.stream"

	CmdNetToolRun = "nettool.run"

	CmdCancel       = "command.cancel"
	CmdConfigUpdate = "config.update"
)

// Command statuses. Queued → Sent → InProgress → {Success, Failed,
// Cancelled}. The terminal three never change again.
const (
	StatusQueued     = "queued"
	StatusSent       = "sent"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// TerminalStatus reports whether a command status is final.
func TerminalStatus(s string) bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// capabilityByCommand maps each command type to the agent capability that
// gates it. Commands with an empty capability are always permitted.
var capabilityByCommand = map[string]string{
	CmdDockerList:    "docker",
	CmdDockerStart:   "docker",
	CmdDockerStop:    "docker",
	CmdDockerRestart: "docker",

	CmdSystemUpdate:   "system",
	CmdSystemShutdown: "system",
	CmdSystemRestart:  "system",

	CmdAgentShutdown:    "",
	CmdAgentEnableTask:  "",
	CmdAgentDisableTask: "",
	CmdAgentUninstall:   "",

	CmdShellExec: "shell",

	CmdServiceStatus:  "services",
	CmdServiceRestart: "services",

	CmdSmartScan: "smart",
	CmdScriptRun: "scripts",

	CmdLogRead: "logs",

	CmdTerminalOpen:  "terminal",
	CmdTerminalClose: "terminal",
	CmdTerminalInput: "terminal",

	CmdFileList:   "files",
	CmdFileRead:   "files",
	CmdFileZip:    "files",
	CmdFileStream: "files",

	CmdNetToolRun: "nettools",

	CmdCancel:       "",
	CmdConfigUpdate: "",
}

// ValidCommandType reports whether t belongs to the closed command set.
func ValidCommandType(t string) bool {
	_, ok := capabilityByCommand[t]
	return ok
}

// RequiredCapability returns the capability gating command type t, or ""
// when t needs none. The second return is false for unknown types.
func RequiredCapability(t string) (string, bool) {
	cap, ok := capabilityByCommand[t]
	return cap, ok
}

// DockerPayload targets a single container by name or ID.
type DockerPayload struct {
	Container string `json:"container"`
}

// ShellExecPayload runs a one-shot shell command.
type ShellExecPayload struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// ServicePayload targets system service units. service.restart uses Unit,
// service.status uses Units.
type ServicePayload struct {
	Unit  string   `json:"unit,omitempty"`
	Units []string `json:"units,omitempty"`
}

// ScriptRunPayload runs an uploaded script body.
type ScriptRunPayload struct {
	Interpreter string `json:"interpreter"` // e.g. /bin/sh, /usr/bin/python3
	Script      string `json:"script"`
	TimeoutSec  int    `json:"timeout_sec,omitempty"`
}

// LogReadPayload requests a bounded slice of a log source.
type LogReadPayload struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Tail      bool   `json:"tail,omitempty"`
	Lines     int    `json:"lines,omitempty"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
}

// TerminalOpenPayload opens a PTY on the agent.
type TerminalOpenPayload struct {
	SessionID string `json:"session_id"`
	Rows      uint16 `json:"rows"`
	Cols      uint16 `json:"cols"`
}

// TerminalInputPayload feeds keystrokes to an open PTY.
type TerminalInputPayload struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// TerminalClosePayload closes a PTY session.
type TerminalClosePayload struct {
	SessionID string `json:"session_id"`
}

// FileListPayload lists a directory within the session's allowed roots.
type FileListPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// FileReadPayload reads a bounded byte range of a file.
type FileReadPayload struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Offset    int64  `json:"offset,omitempty"`
	MaxBytes  int64  `json:"max_bytes,omitempty"`
}

// FileZipPayload archives paths and streams the archive back.
type FileZipPayload struct {
	SessionID string   `json:"session_id"`
	StreamID  string   `json:"stream_id"`
	Paths     []string `json:"paths"`
}

// FileStreamPayload streams a single file back in bounded chunks.
type FileStreamPayload struct {
	SessionID string `json:"session_id"`
	StreamID  string `json:"stream_id"`
	Path      string `json:"path"`
}

// NetToolRunPayload runs one network diagnostic against a target.
type NetToolRunPayload struct {
	RunID  string `json:"run_id"`
	Tool   string `json:"tool"` // ping, tcp, dns
	Target string `json:"target"`
	Count  int    `json:"count,omitempty"`
}

// AgentTaskPayload enables or disables a named collector task.
type AgentTaskPayload struct {
	Task string `json:"task"` // e.g. smart, gpu, ups, services
}

// ConfigUpdatePayload pushes one configuration key to the agent.
type ConfigUpdatePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DecodeCommandPayload parses raw into the typed payload for command type t.
// Unknown command types fail immediately rather than being carried along as
// half-parsed state.
func DecodeCommandPayload(t string, raw json.RawMessage) (any, error) {
	var target any
	switch t {
	case CmdDockerStart, CmdDockerStop, CmdDockerRestart:
		target = &DockerPayload{}
	case CmdDockerList, CmdSystemUpdate, CmdSystemShutdown, CmdSystemRestart,
		CmdAgentShutdown, CmdAgentUninstall, CmdSmartScan:
		target = &struct{}{}
	case CmdAgentEnableTask, CmdAgentDisableTask:
		target = &AgentTaskPayload{}
	case CmdShellExec:
		target = &ShellExecPayload{}
	case CmdServiceStatus, CmdServiceRestart:
		target = &ServicePayload{}
	case CmdScriptRun:
		target = &ScriptRunPayload{}
	case CmdLogRead:
		target = &LogReadPayload{}
	case CmdTerminalOpen:
		target = &TerminalOpenPayload{}
	case CmdTerminalInput:
		target = &TerminalInputPayload{}
	case CmdTerminalClose:
		target = &TerminalClosePayload{}
	case CmdFileList:
		target = &FileListPayload{}
	case CmdFileRead:
		target = &FileReadPayload{}
	case CmdFileZip:
		target = &FileZipPayload{}
	case CmdFileStream:
		target = &FileStreamPayload{}
	case CmdNetToolRun:
		target = &NetToolRunPayload{}
	case CmdCancel:
		target = &CancelCommandPayload{}
	case CmdConfigUpdate:
		target = &ConfigUpdatePayload{}
	default:
		return nil, fmt.Errorf("unknown command type %q", t)
	}
	// A missing payload decodes as an empty object. Commands that need
	// parameters fail on the agent, not here.
	if len(raw) == 0 {
		return target, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return target, nil
}
