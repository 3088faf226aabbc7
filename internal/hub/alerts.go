package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// AlertEngine consumes fleet events off the bus and turns them into
// persisted process alerts and notifications. A cooldown LRU keyed
// (node, pid, kind) keeps a hot process from alerting on every
// heartbeat.
type AlertEngine struct {
	hub      *Hub
	log      zerolog.Logger
	cooldown *lru.Cache[string, time.Time]
	notifier *Notifier
}

func NewAlertEngine(h *Hub) (*AlertEngine, error) {
	cache, err := lru.New[string, time.Time](h.cfg.AlertCacheSize)
	if err != nil {
		return nil, err
	}
	return &AlertEngine{
		hub:      h,
		log:      h.log.With().Str("component", "alerts").Logger(),
		cooldown: cache,
		notifier: NewNotifier(h.cfg, h.log),
	}, nil
}

// Run consumes bus events until ctx is cancelled.
func (a *AlertEngine) Run(ctx context.Context) {
	sub := a.hub.bus.Subscribe()
	defer a.hub.bus.Unsubscribe(sub)

	cleanup := time.NewTicker(a.hub.cfg.AlertCooldown)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-sub:
			if !ok {
				return
			}
			a.handle(ev)

		case <-cleanup.C:
			a.expireCooldowns()
		}
	}
}

func (a *AlertEngine) handle(ev *bus.Event) {
	switch ev.Type {
	case bus.EventHeartbeatProcesses:
		pc, ok := ev.Payload.(bus.ProcessContext)
		if !ok {
			return
		}
		a.evaluate(ev.NodeID, ev.Hostname, pc)

	case bus.EventServiceDegraded:
		state, ok := ev.Payload.(bus.ServiceState)
		if !ok {
			return
		}
		a.notifier.ServiceDegraded(ev.NodeID, state)

	case bus.EventMonitorUnhealthy:
		result, ok := ev.Payload.(protocol.MonitorResultEvent)
		if !ok {
			return
		}
		a.notifier.MonitorUnhealthy(result)
	}
}

// evaluate applies the CPU and memory thresholds to a heartbeat's
// top-process list.
func (a *AlertEngine) evaluate(nodeID, hostname string, pc bus.ProcessContext) {
	now := time.Now()
	var alerts []protocol.ProcessAlert

	for _, proc := range pc.Processes {
		if proc.CPUPercent >= a.hub.cfg.AlertCPUThreshold {
			if alert := a.trigger(nodeID, hostname, proc, "cpu", proc.CPUPercent, a.hub.cfg.AlertCPUThreshold, pc.TakenAt, now); alert != nil {
				alerts = append(alerts, *alert)
			}
		}
		if proc.MemPercent >= a.hub.cfg.AlertMemThreshold {
			if alert := a.trigger(nodeID, hostname, proc, "memory", proc.MemPercent, a.hub.cfg.AlertMemThreshold, pc.TakenAt, now); alert != nil {
				alerts = append(alerts, *alert)
			}
		}
	}
	if len(alerts) == 0 {
		return
	}

	records := make([]store.ProcessAlertRecord, len(alerts))
	for i, al := range alerts {
		records[i] = store.ProcessAlertRecord{
			NodeID:     al.NodeID,
			PID:        al.PID,
			Name:       al.Name,
			Kind:       al.Kind,
			Value:      al.Value,
			Threshold:  al.Threshold,
			ObservedAt: al.ObservedAt,
		}
	}
	if err := a.hub.db.InsertProcessAlerts(context.Background(), records); err != nil {
		a.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to persist process alerts")
	}

	a.hub.BroadcastEvent(protocol.EventProcessAlerts, alerts)
	a.notifier.ProcessAlerts(alerts)
}

// trigger returns an alert unless the (node, pid, kind) tuple is still
// cooling down.
func (a *AlertEngine) trigger(nodeID, hostname string, proc bus.ProcessUsage, kind string, value, threshold float64, observedAt, now time.Time) *protocol.ProcessAlert {
	key := fmt.Sprintf("%s|%d|%s", nodeID, proc.PID, kind)
	if last, ok := a.cooldown.Get(key); ok && now.Sub(last) < a.hub.cfg.AlertCooldown {
		return nil
	}
	a.cooldown.Add(key, now)

	if observedAt.IsZero() {
		observedAt = now
	}
	return &protocol.ProcessAlert{
		NodeID:     nodeID,
		Hostname:   hostname,
		PID:        proc.PID,
		Name:       proc.Name,
		Kind:       kind,
		Value:      value,
		Threshold:  threshold,
		ObservedAt: observedAt,
	}
}

// expireCooldowns drops entries old enough that they no longer suppress
// anything. The LRU bound already caps memory; this keeps Len honest
// for the metrics gauge.
func (a *AlertEngine) expireCooldowns() {
	cutoff := time.Now().Add(-a.hub.cfg.AlertCooldown)
	for _, key := range a.cooldown.Keys() {
		if at, ok := a.cooldown.Peek(key); ok && at.Before(cutoff) {
			a.cooldown.Remove(key)
		}
	}
}

// CooldownSize returns the number of live cooldown entries.
func (a *AlertEngine) CooldownSize() int {
	return a.cooldown.Len()
}

// Notifier delivers alerts to the log and, when configured, a Discord
// webhook. Delivery failures are logged and dropped; alerting must
// never back-pressure intake.
type Notifier struct {
	cfg    *Config
	log    zerolog.Logger
	client *http.Client
}

func NewNotifier(cfg *Config, log zerolog.Logger) *Notifier {
	return &Notifier{
		cfg:    cfg,
		log:    log.With().Str("component", "notifier").Logger(),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// ProcessAlerts reports threshold crossings.
func (n *Notifier) ProcessAlerts(alerts []protocol.ProcessAlert) {
	for _, al := range alerts {
		n.log.Warn().
			Str("node_id", al.NodeID).
			Str("hostname", al.Hostname).
			Int32("pid", al.PID).
			Str("process", al.Name).
			Str("kind", al.Kind).
			Float64("value", al.Value).
			Float64("threshold", al.Threshold).
			Msg("process alert")
	}

	if !n.cfg.HasDiscord() {
		return
	}
	var buf bytes.Buffer
	for _, al := range alerts {
		fmt.Fprintf(&buf, "**%s** `%s` (pid %d) %s at %.1f%% (threshold %.0f%%)\n",
			al.Hostname, al.Name, al.PID, al.Kind, al.Value, al.Threshold)
	}
	n.postDiscord(buf.String())
}

// ServiceDegraded reports a monitored unit leaving its healthy state.
func (n *Notifier) ServiceDegraded(nodeID string, state bus.ServiceState) {
	n.log.Warn().
		Str("node_id", nodeID).
		Str("unit", state.Unit).
		Str("status", state.Status).
		Msg("monitored service degraded")

	if n.cfg.HasDiscord() {
		n.postDiscord(fmt.Sprintf("service **%s** on node `%s` is %s", state.Unit, nodeID, state.Status))
	}
}

// MonitorUnhealthy reports a failed scheduled probe.
func (n *Notifier) MonitorUnhealthy(result protocol.MonitorResultEvent) {
	n.log.Warn().
		Str("monitor_id", result.MonitorID).
		Str("kind", result.Kind).
		Str("target", result.Target).
		Str("message", result.Message).
		Msg("monitor unhealthy")

	if n.cfg.HasDiscord() {
		n.postDiscord(fmt.Sprintf("%s monitor for `%s` unhealthy: %s", result.Kind, result.Target, result.Message))
	}
}

func (n *Notifier) postDiscord(content string) {
	// Discord caps message content at 2000 characters.
	if len(content) > 2000 {
		content = content[:1997] + "..."
	}
	body, err := json.Marshal(map[string]string{"content": content})
	if err != nil {
		return
	}
	resp, err := n.client.Post(n.cfg.DiscordWebhook, "application/json", bytes.NewReader(body))
	if err != nil {
		n.log.Error().Err(err).Msg("discord webhook failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.log.Error().Int("status", resp.StatusCode).Msg("discord webhook rejected")
	}
}
