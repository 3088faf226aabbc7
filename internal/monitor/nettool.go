package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/diag"
	"github.com/manlab/manlab/internal/protocol"
)

// Unhealthy probe output is long; the dashboard event carries a summary.
const maxResultMessage = 200

// RunNetToolNow executes one scheduled diagnostic immediately. A config
// without a node runs on the hub itself; otherwise the run goes to the
// named agent and waits for its reply. Probe failure is recorded on the
// config row, not returned.
func (e *Engine) RunNetToolNow(ctx context.Context, configID string) error {
	cfg, err := e.db.GetNetTool(ctx, configID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.NetToolTimeout)
	defer cancel()

	var result protocol.NetToolResultPayload
	if cfg.NodeID == "" {
		result = diag.Run(runCtx, cfg.Tool, cfg.Target, 0)
	} else {
		res, err := e.fleet.RunNetTool(runCtx, cfg.NodeID, cfg.Tool, cfg.Target, 0, e.cfg.NetToolTimeout)
		if err != nil {
			result = protocol.NetToolResultPayload{Tool: cfg.Tool, Target: cfg.Target, Output: err.Error()}
		} else {
			result = *res
		}
	}

	outcome := "unhealthy"
	if result.OK {
		outcome = "healthy"
	}
	ChecksTotal.WithLabelValues("nettool", outcome).Inc()

	now := time.Now()
	raw, _ := json.Marshal(result)
	if err := e.db.RecordNetToolRun(ctx, cfg.ID, now, raw); err != nil {
		e.log.Error().Err(err).Str("config_id", cfg.ID).Msg("failed to record diagnostic run")
	}

	event := protocol.MonitorResultEvent{
		MonitorID: cfg.ID,
		Kind:      "nettool",
		Target:    cfg.Target,
		Healthy:   result.OK,
		LatencyMs: result.DurationMs,
		CheckedAt: now,
	}
	if !result.OK {
		event.Message = summarize(result.Output)
	}

	e.fleet.BroadcastEvent(protocol.EventMonitorResult, event)
	if !result.OK {
		e.bus.Publish(&bus.Event{Type: bus.EventMonitorUnhealthy, NodeID: cfg.NodeID, Payload: event})
	}
	return nil
}

// OnAgentResult receives diagnostic results no request is waiting for,
// usually replies that arrived after their deadline.
func (e *Engine) OnAgentResult(nodeID string, p protocol.NetToolResultPayload) {
	e.log.Info().
		Str("node_id", nodeID).
		Str("tool", p.Tool).
		Str("target", p.Target).
		Bool("ok", p.OK).
		Msg("late diagnostic result")
}

func summarize(output string) string {
	if len(output) <= maxResultMessage {
		return output
	}
	return output[:maxResultMessage] + "..."
}
