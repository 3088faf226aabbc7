// Package diag implements the network diagnostics shared by the hub's
// scheduled runs and the agent's nettool.run command.
package diag

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/manlab/manlab/internal/protocol"
)

const (
	defaultPingCount = 3
	maxPingCount     = 10
	maxOutputBytes   = 8 * 1024
)

// Run executes one diagnostic and returns its outcome. Failures are
// reported in the result, never as a Go error; the caller decides what a
// failed probe means.
func Run(ctx context.Context, tool, target string, count int) protocol.NetToolResultPayload {
	start := time.Now()
	result := protocol.NetToolResultPayload{Tool: tool, Target: target}

	switch tool {
	case "ping":
		result.OK, result.Output = ping(ctx, target, count)
	case "tcp":
		result.OK, result.Output = tcpConnect(ctx, target)
	case "dns":
		result.OK, result.Output = resolve(ctx, target)
	default:
		result.Output = fmt.Sprintf("unknown tool %q", tool)
	}

	result.DurationMs = time.Since(start).Milliseconds()
	return result
}

// ping shells out to the system binary. Raw ICMP sockets need elevated
// privileges the process usually does not have.
func ping(ctx context.Context, target string, count int) (bool, string) {
	if count <= 0 {
		count = defaultPingCount
	}
	if count > maxPingCount {
		count = maxPingCount
	}

	out, err := exec.CommandContext(ctx, "ping", "-c", strconv.Itoa(count), "-W", "5", target).CombinedOutput()
	text := truncate(strings.TrimSpace(string(out)))
	if err != nil {
		if text == "" {
			text = err.Error()
		}
		return false, text
	}
	return true, text
}

func tcpConnect(ctx context.Context, target string) (bool, string) {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return false, fmt.Sprintf("target must be host:port: %v", err)
	}

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return false, err.Error()
	}
	conn.Close()
	return true, fmt.Sprintf("connected to %s in %s", target, time.Since(start).Round(time.Millisecond))
}

func resolve(ctx context.Context, target string) (bool, string) {
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(ctx, target)
	if err != nil {
		return false, err.Error()
	}
	return true, fmt.Sprintf("%s resolves to %s (%s)",
		target, strings.Join(addrs, ", "), time.Since(start).Round(time.Millisecond))
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (truncated)"
}
