package diag

import (
	"context"
	"net"
	"strings"
	"testing"
)

func TestRunUnknownTool(t *testing.T) {
	result := Run(context.Background(), "traceroute", "example.com", 0)
	if result.OK {
		t.Error("unknown tool reported OK")
	}
	if !strings.Contains(result.Output, "unknown tool") {
		t.Errorf("output = %q, want unknown-tool message", result.Output)
	}
	if result.Tool != "traceroute" || result.Target != "example.com" {
		t.Errorf("result echo = %q/%q", result.Tool, result.Target)
	}
	if result.DurationMs < 0 {
		t.Errorf("duration = %d", result.DurationMs)
	}
}

func TestRunTCPConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	result := Run(context.Background(), "tcp", ln.Addr().String(), 0)
	if !result.OK {
		t.Fatalf("probe failed: %s", result.Output)
	}
	if !strings.Contains(result.Output, "connected to") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRunTCPRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	result := Run(context.Background(), "tcp", addr, 0)
	if result.OK {
		t.Error("probe of a closed port reported OK")
	}
	if result.Output == "" {
		t.Error("failure carries no message")
	}
}

func TestRunTCPRequiresHostPort(t *testing.T) {
	result := Run(context.Background(), "tcp", "portless-host", 0)
	if result.OK {
		t.Error("bare hostname accepted for tcp probe")
	}
	if !strings.Contains(result.Output, "host:port") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestRunDNSLocalhost(t *testing.T) {
	result := Run(context.Background(), "dns", "localhost", 0)
	if !result.OK {
		t.Skipf("localhost did not resolve: %s", result.Output)
	}
	if !strings.Contains(result.Output, "resolves to") {
		t.Errorf("output = %q", result.Output)
	}
}

func TestTruncate(t *testing.T) {
	short := "all good"
	if got := truncate(short); got != short {
		t.Errorf("short output modified: %q", got)
	}

	long := strings.Repeat("x", maxOutputBytes+100)
	got := truncate(long)
	if !strings.HasSuffix(got, "... (truncated)") {
		t.Error("long output missing truncation marker")
	}
	if len(got) >= len(long) {
		t.Errorf("truncate did not shrink output: %d >= %d", len(got), len(long))
	}
}
