package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/config"
	"github.com/manlab/manlab/internal/protocol"
)

func testAgent() *Agent {
	cfg := config.DefaultConfig()
	return &Agent{
		cfg:      cfg,
		log:      zerolog.Nop(),
		interval: cfg.HeartbeatInterval,
		tasks:    map[string]bool{"smart": true},
	}
}

func TestTailFileWholeFile(t *testing.T) {
	path := writeTestFile(t, "app.log", []byte("alpha\nbeta\n"))

	text, truncated, err := tailFile(path, 10, 1<<20)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if text != "alpha\nbeta" {
		t.Errorf("text = %q, want %q", text, "alpha\nbeta")
	}
	if truncated {
		t.Error("truncated = true for a file within both limits")
	}
}

func TestTailFileLineLimit(t *testing.T) {
	var content strings.Builder
	for _, line := range []string{"l1", "l2", "l3", "l4", "l5"} {
		content.WriteString(line + "\n")
	}
	path := writeTestFile(t, "app.log", []byte(content.String()))

	text, truncated, err := tailFile(path, 2, 1<<20)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if text != "l4\nl5" {
		t.Errorf("text = %q, want the last two lines", text)
	}
	if !truncated {
		t.Error("truncated = false after dropping lines")
	}
}

func TestTailFileByteLimit(t *testing.T) {
	path := writeTestFile(t, "app.log", []byte("aaaa\nbbbb\ncccc\n"))

	// A 10-byte window lands mid-line; the partial first line is dropped.
	text, truncated, err := tailFile(path, 10, 10)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if text != "cccc" {
		t.Errorf("text = %q, want %q", text, "cccc")
	}
	if !truncated {
		t.Error("truncated = false after the byte cap cut the file")
	}
}

func TestTailFileNoTrailingNewline(t *testing.T) {
	path := writeTestFile(t, "app.log", []byte("first\nlast"))

	text, _, err := tailFile(path, 1, 1<<20)
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}
	if text != "last" {
		t.Errorf("text = %q, want %q", text, "last")
	}
}

func TestTailFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gone.log")
	if _, _, err := tailFile(path, 10, 1024); !os.IsNotExist(err) {
		t.Errorf("err = %v, want not-exist", err)
	}
}

func TestLastNonEmptyLine(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"one\ntwo\nthree\n", "three"},
		{"one\n\n\n", "one"},
		{"  padded  \n\n", "padded"},
		{"single", "single"},
		{"", ""},
		{"\n\n", ""},
	}
	for _, c := range cases {
		if got := lastNonEmptyLine(c.in); got != c.want {
			t.Errorf("lastNonEmptyLine(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestDecodePayload(t *testing.T) {
	var p protocol.ShellExecPayload
	raw := json.RawMessage(`{"command":"uptime","timeout_sec":5}`)
	if err := decodePayload(raw, &p); err != nil {
		t.Fatalf("decodePayload: %v", err)
	}
	if p.Command != "uptime" || p.TimeoutSec != 5 {
		t.Errorf("decoded = %+v", p)
	}

	// An absent payload leaves the target at its defaults.
	preset := protocol.ShellExecPayload{Command: "preset"}
	if err := decodePayload(nil, &preset); err != nil {
		t.Fatalf("decodePayload(nil): %v", err)
	}
	if preset.Command != "preset" {
		t.Errorf("empty payload overwrote target: %+v", preset)
	}

	if err := decodePayload(json.RawMessage(`{broken`), &p); err == nil {
		t.Error("malformed payload decoded without error")
	}
}

func TestApplyConfigHeartbeatInterval(t *testing.T) {
	a := testAgent()

	if _, err := a.applyConfig("heartbeat_interval", "45"); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if got := a.heartbeatInterval(); got != 45*time.Second {
		t.Errorf("interval = %v, want 45s", got)
	}

	for _, bad := range []string{"0", "-5", "soon"} {
		if _, err := a.applyConfig("heartbeat_interval", bad); err == nil {
			t.Errorf("interval %q accepted, want error", bad)
		}
	}
	if got := a.heartbeatInterval(); got != 45*time.Second {
		t.Errorf("interval changed by rejected value: %v", got)
	}
}

func TestApplyConfigNetInterfaceResetsBaseline(t *testing.T) {
	a := testAgent()
	a.lastNet = &netSample{at: time.Now(), rx: 100, tx: 200}

	if _, err := a.applyConfig("net_interface", "eth1"); err != nil {
		t.Fatalf("applyConfig: %v", err)
	}
	if a.cfg.NetInterface != "eth1" {
		t.Errorf("NetInterface = %q, want eth1", a.cfg.NetInterface)
	}
	if a.lastNet != nil {
		t.Error("rate baseline survived an interface change")
	}
}

func TestApplyConfigSimpleKeys(t *testing.T) {
	a := testAgent()

	if _, err := a.applyConfig("ping_target", "10.0.0.1"); err != nil {
		t.Fatalf("ping_target: %v", err)
	}
	if a.cfg.PingTarget != "10.0.0.1" {
		t.Errorf("PingTarget = %q", a.cfg.PingTarget)
	}

	if _, err := a.applyConfig("disk_mount", "/srv"); err != nil {
		t.Fatalf("disk_mount: %v", err)
	}
	if a.cfg.DiskMount != "/srv" {
		t.Errorf("DiskMount = %q", a.cfg.DiskMount)
	}

	if _, err := a.applyConfig("update_command", "apt-get upgrade -y"); err != nil {
		t.Fatalf("update_command: %v", err)
	}
	if a.updateCommand() != "apt-get upgrade -y" {
		t.Errorf("UpdateCommand = %q", a.cfg.UpdateCommand)
	}

	if _, err := a.applyConfig("top_process_count", "7"); err != nil {
		t.Fatalf("top_process_count: %v", err)
	}
	if a.cfg.TopProcessCount != 7 {
		t.Errorf("TopProcessCount = %d", a.cfg.TopProcessCount)
	}
	if _, err := a.applyConfig("top_process_count", "-1"); err == nil {
		t.Error("negative top_process_count accepted")
	}

	if _, err := a.applyConfig("mystery_knob", "on"); err == nil {
		t.Error("unknown config key accepted")
	}
}

func TestSetTask(t *testing.T) {
	a := testAgent()

	if !a.taskEnabled("smart") {
		t.Fatal("smart task disabled at start")
	}
	if !a.setTask("smart", false) {
		t.Fatal("setTask(smart) = false, want true")
	}
	if a.taskEnabled("smart") {
		t.Error("smart task still enabled after disable")
	}
	if a.setTask("backup", true) {
		t.Error("unknown task accepted")
	}
}
