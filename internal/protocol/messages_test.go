package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage(TypeHeartbeat, TelemetryPayload{CPUPercent: 42.5, UptimeSec: 3600})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}

	var decoded Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if decoded.Type != TypeHeartbeat {
		t.Errorf("type = %q, want %q", decoded.Type, TypeHeartbeat)
	}

	var tp TelemetryPayload
	if err := decoded.ParsePayload(&tp); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if tp.CPUPercent != 42.5 {
		t.Errorf("cpu = %v, want 42.5", tp.CPUPercent)
	}
	if tp.UptimeSec != 3600 {
		t.Errorf("uptime = %v, want 3600", tp.UptimeSec)
	}
}

func TestStreamChunkBinaryPayload(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	msg, err := NewMessage(TypeStreamChunk, StreamChunkPayload{StreamID: "s1", Seq: 7, Data: raw})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}

	// []byte fields travel base64-encoded inside the JSON payload.
	if !strings.Contains(string(msg.Payload), `"data":"AAH+/w=="`) {
		t.Errorf("payload missing base64 data: %s", msg.Payload)
	}

	var chunk StreamChunkPayload
	if err := msg.ParsePayload(&chunk); err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	if string(chunk.Data) != string(raw) {
		t.Errorf("data = %v, want %v", chunk.Data, raw)
	}
	if chunk.Seq != 7 {
		t.Errorf("seq = %d, want 7", chunk.Seq)
	}
}

func TestValidCommandType(t *testing.T) {
	valid := []string{CmdDockerRestart, CmdShellExec, CmdTerminalOpen, CmdFileStream, CmdCancel, CmdNetToolRun}
	for _, c := range valid {
		if !ValidCommandType(c) {
			t.Errorf("ValidCommandType(%q) = false, want true", c)
		}
	}

	invalid := []string{"", "docker", "shell.exec.extra", "rm -rf /", "DOCKER.LIST"}
	for _, c := range invalid {
		if ValidCommandType(c) {
			t.Errorf("ValidCommandType(%q) = true, want false", c)
		}
	}
}

func TestRequiredCapability(t *testing.T) {
	cap, ok := RequiredCapability(CmdDockerStop)
	if !ok || cap != "docker" {
		t.Errorf("RequiredCapability(docker.stop) = %q, %v", cap, ok)
	}

	cap, ok = RequiredCapability(CmdAgentShutdown)
	if !ok || cap != "" {
		t.Errorf("agent.shutdown should need no capability, got %q, %v", cap, ok)
	}

	if _, ok := RequiredCapability("bogus"); ok {
		t.Error("unknown command type should not resolve a capability")
	}
}

func TestDecodeCommandPayload(t *testing.T) {
	got, err := DecodeCommandPayload(CmdShellExec, json.RawMessage(`{"command":"uptime","timeout_sec":5}`))
	if err != nil {
		t.Fatalf("decode shell.exec: %v", err)
	}
	sh, ok := got.(*ShellExecPayload)
	if !ok {
		t.Fatalf("decode shell.exec returned %T", got)
	}
	if sh.Command != "uptime" || sh.TimeoutSec != 5 {
		t.Errorf("shell.exec payload = %+v", sh)
	}

	got, err = DecodeCommandPayload(CmdTerminalOpen, json.RawMessage(`{"session_id":"t1","rows":24,"cols":80}`))
	if err != nil {
		t.Fatalf("decode terminal.open: %v", err)
	}
	term := got.(*TerminalOpenPayload)
	if term.SessionID != "t1" || term.Rows != 24 || term.Cols != 80 {
		t.Errorf("terminal.open payload = %+v", term)
	}

	// Parameterless commands accept an absent payload.
	if _, err := DecodeCommandPayload(CmdSmartScan, nil); err != nil {
		t.Errorf("smart.scan with nil payload: %v", err)
	}

	// Unknown discriminants fail fast.
	if _, err := DecodeCommandPayload("fs.mount", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown command type should fail to decode")
	}

	// Malformed JSON fails rather than yielding a zero payload.
	if _, err := DecodeCommandPayload(CmdShellExec, json.RawMessage(`{"command":`)); err == nil {
		t.Error("malformed payload should fail to decode")
	}
}

func TestTerminalStatus(t *testing.T) {
	for _, s := range []string{StatusSuccess, StatusFailed, StatusCancelled} {
		if !TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = false, want true", s)
		}
	}
	for _, s := range []string{StatusQueued, StatusSent, StatusInProgress, ""} {
		if TerminalStatus(s) {
			t.Errorf("TerminalStatus(%q) = true, want false", s)
		}
	}
}
