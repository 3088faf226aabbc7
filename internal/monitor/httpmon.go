package monitor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// Response bodies are only inspected for a substring; cap what we pull.
const maxProbeBody = 64 * 1024

// RunHTTPNow probes one HTTP monitor immediately and records the check.
// Also the body of the cron job for that monitor.
func (e *Engine) RunHTTPNow(ctx context.Context, monitorID string) error {
	m, err := e.db.GetHTTPMonitor(ctx, monitorID)
	if err != nil {
		return err
	}

	check := e.probe(ctx, m)

	outcome := "unhealthy"
	if check.Healthy {
		outcome = "healthy"
	}
	ChecksTotal.WithLabelValues("http", outcome).Inc()

	if err := e.db.InsertHTTPCheck(ctx, check); err != nil {
		e.log.Error().Err(err).Str("monitor_id", m.ID).Msg("failed to record http check")
	}

	result := protocol.MonitorResultEvent{
		MonitorID: m.ID,
		Kind:      "http",
		Target:    m.URL,
		Healthy:   check.Healthy,
		Message:   check.Message,
		LatencyMs: check.LatencyMs,
		CheckedAt: check.CheckedAt,
	}
	e.fleet.BroadcastEvent(protocol.EventMonitorResult, result)
	if !check.Healthy {
		e.bus.Publish(&bus.Event{Type: bus.EventMonitorUnhealthy, Payload: result})
	}
	return nil
}

func (e *Engine) probe(ctx context.Context, m *store.HTTPMonitor) store.HTTPCheck {
	check := store.HTTPCheck{MonitorID: m.ID, CheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, m.Method, m.URL, nil)
	if err != nil {
		check.Message = fmt.Sprintf("bad request: %v", err)
		return check
	}

	client := &http.Client{Timeout: time.Duration(m.TimeoutSec) * time.Second}
	start := time.Now()
	resp, err := client.Do(req)
	check.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		check.Message = err.Error()
		return check
	}
	defer resp.Body.Close()

	check.StatusCode = resp.StatusCode
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		notAfter := resp.TLS.PeerCertificates[0].NotAfter
		check.TLSExpiresAt = &notAfter
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))

	switch {
	case resp.StatusCode != m.ExpectStatus:
		check.Message = fmt.Sprintf("expected status %d, got %d", m.ExpectStatus, resp.StatusCode)
	case m.ExpectBody != "" && !strings.Contains(string(body), m.ExpectBody):
		check.Message = fmt.Sprintf("response body does not contain %q", m.ExpectBody)
	default:
		check.Healthy = true
	}
	return check
}
