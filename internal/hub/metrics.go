package hub

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/manlab/manlab/internal/protocol"
)

var (
	// Fleet metrics
	NodesOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manlab_nodes_online",
			Help: "Number of nodes with a live agent session",
		},
	)

	DashboardsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manlab_dashboards_connected",
			Help: "Number of connected dashboard WebSocket clients",
		},
	)

	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "manlab_heartbeats_total",
			Help: "Total number of heartbeat samples received",
		},
	)

	// Command queue metrics
	CommandsQueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manlab_commands_queued_total",
			Help: "Total number of commands enqueued by type",
		},
		[]string{"type"},
	)

	CommandsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "manlab_commands_finished_total",
			Help: "Total number of commands reaching a terminal status",
		},
		[]string{"status"},
	)

	// Session and stream metrics
	SessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "manlab_sessions_active",
			Help: "Active interactive sessions by kind",
		},
		[]string{"kind"},
	)

	StreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manlab_streams_active",
			Help: "Active download streams",
		},
	)

	AlertCooldowns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "manlab_alert_cooldowns",
			Help: "Process alert cooldown entries currently held",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(NodesOnline)
	prometheus.MustRegister(DashboardsConnected)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(CommandsQueued)
	prometheus.MustRegister(CommandsFinished)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(StreamsActive)
	prometheus.MustRegister(AlertCooldowns)
}

// MetricsHandler returns the Prometheus HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// ResourcePublisher periodically samples the hub's own resource usage,
// refreshes the gauges above, and pushes a usage event to dashboards.
type ResourcePublisher struct {
	hub    *Hub
	alerts *AlertEngine
	self   *process.Process
}

func NewResourcePublisher(h *Hub, alerts *AlertEngine) *ResourcePublisher {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		self = nil
	}
	return &ResourcePublisher{hub: h, alerts: alerts, self: self}
}

// Run publishes until ctx is cancelled.
func (p *ResourcePublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.hub.cfg.ResourceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publish()
		}
	}
}

func (p *ResourcePublisher) publish() {
	NodesOnline.Set(float64(p.hub.registry.Count()))
	DashboardsConnected.Set(float64(p.hub.DashboardCount()))
	StreamsActive.Set(float64(p.hub.streams.Count()))
	SessionsActive.WithLabelValues("terminal").Set(float64(p.hub.terminals.Len()))
	SessionsActive.WithLabelValues("log").Set(float64(p.hub.logSessions.Len()))
	SessionsActive.WithLabelValues("file").Set(float64(p.hub.fileSessions.Len()))
	SessionsActive.WithLabelValues("download").Set(float64(p.hub.downloads.Len()))
	if p.alerts != nil {
		AlertCooldowns.Set(float64(p.alerts.CooldownSize()))
	}

	var cpuPercent float64
	if p.self != nil {
		if v, err := p.self.Percent(0); err == nil {
			cpuPercent = v
		}
	}
	var memPercent float64
	if vm, err := mem.VirtualMemory(); err == nil {
		memPercent = vm.UsedPercent
	}

	p.hub.BroadcastEvent(protocol.EventServerResources, protocol.ServerResourceEvent{
		CPUPercent: cpuPercent,
		MemPercent: memPercent,
		Goroutines: runtime.NumGoroutine(),
		TakenAt:    time.Now(),
	})
}
