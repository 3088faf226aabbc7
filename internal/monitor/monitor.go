// Package monitor runs the scheduled probe jobs: HTTP checks, interface
// traffic sampling, network diagnostics, and the periodic service-status
// refresh. Cron jobs run in-process; service refreshes go out as commands
// to the owning agents.
package monitor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

var ChecksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "manlab_monitor_checks_total",
		Help: "Total number of monitor probes by kind and outcome",
	},
	[]string{"kind", "outcome"},
)

func init() {
	prometheus.MustRegister(ChecksTotal)
}

// Fleet is the slice of the hub the monitor engine needs: liveness,
// command delivery, agent-run diagnostics, and the dashboard fan-out.
type Fleet interface {
	Online(nodeID string) bool
	EnqueueCommand(ctx context.Context, nodeID, cmdType string, payload json.RawMessage, createdBy string) (*store.Command, error)
	RunNetTool(ctx context.Context, nodeID, tool, target string, count int, timeout time.Duration) (*protocol.NetToolResultPayload, error)
	BroadcastEvent(event string, payload any)
}

type Config struct {
	// ServiceRefreshEvery is the interval of the service-status poll.
	ServiceRefreshEvery time.Duration
	// ServicePendingWindow skips nodes that already own a live command
	// younger than this, so polls never pile up behind slow agents.
	ServicePendingWindow time.Duration
	// ServiceSnapshotAge is how stale a service snapshot must be before
	// the poll refreshes it.
	ServiceSnapshotAge time.Duration
	// NetToolTimeout bounds agent-run diagnostics.
	NetToolTimeout time.Duration
	// CheckRetention prunes HTTP check history older than this.
	CheckRetention time.Duration
}

func (c *Config) setDefaults() {
	if c.ServiceRefreshEvery <= 0 {
		c.ServiceRefreshEvery = 30 * time.Second
	}
	if c.ServicePendingWindow <= 0 {
		c.ServicePendingWindow = 2 * time.Minute
	}
	if c.ServiceSnapshotAge <= 0 {
		c.ServiceSnapshotAge = time.Minute
	}
	if c.NetToolTimeout <= 0 {
		c.NetToolTimeout = 30 * time.Second
	}
	if c.CheckRetention <= 0 {
		c.CheckRetention = 7 * 24 * time.Hour
	}
}

// Engine owns the cron scheduler and the interval loops. One Engine per
// hub process.
type Engine struct {
	log   zerolog.Logger
	cfg   Config
	db    *store.Store
	fleet Fleet
	bus   *bus.Broker

	cron    *cron.Cron
	traffic *trafficSampler

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func New(log zerolog.Logger, cfg Config, db *store.Store, fleet Fleet, broker *bus.Broker) *Engine {
	cfg.setDefaults()
	e := &Engine{
		log:     log.With().Str("component", "monitor").Logger(),
		cfg:     cfg,
		db:      db,
		fleet:   fleet,
		bus:     broker,
		traffic: newTrafficSampler(),
		entries: make(map[string]cron.EntryID),
	}
	// Overlapping runs of the same job are skipped, not queued.
	e.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{e.log})))
	return e
}

// Run bootstraps the persisted schedules and drives the interval loops
// until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Reload(ctx); err != nil {
		return err
	}
	e.cron.Start()
	defer e.cron.Stop()

	services := time.NewTicker(e.cfg.ServiceRefreshEvery)
	defer services.Stop()
	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-services.C:
			e.refreshServices(ctx)
		case <-prune.C:
			if n, err := e.db.PruneHTTPChecks(ctx, time.Now().Add(-e.cfg.CheckRetention)); err != nil {
				e.log.Error().Err(err).Msg("failed to prune http check history")
			} else if n > 0 {
				e.log.Debug().Int64("rows", n).Msg("pruned http check history")
			}
		}
	}
}

// Reload drops every cron entry and re-registers the enabled configs.
// Called at startup and after monitor CRUD; a disabled config simply
// never comes back.
func (e *Engine) Reload(ctx context.Context) error {
	https, err := e.db.ListHTTPMonitors(ctx, true)
	if err != nil {
		return err
	}
	traffic, err := e.db.ListTrafficMonitors(ctx, true)
	if err != nil {
		return err
	}
	tools, err := e.db.ListNetTools(ctx, true)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for key, entry := range e.entries {
		e.cron.Remove(entry)
		delete(e.entries, key)
	}

	for _, m := range https {
		monitorID := m.ID
		e.schedule("http:"+monitorID, m.Schedule, func() {
			if err := e.RunHTTPNow(context.Background(), monitorID); err != nil {
				e.log.Error().Err(err).Str("monitor_id", monitorID).Msg("http check failed to run")
			}
		})
	}
	for _, m := range traffic {
		monitorID := m.ID
		e.schedule("traffic:"+monitorID, m.Schedule, func() {
			if err := e.sampleTraffic(context.Background(), monitorID); err != nil {
				e.log.Error().Err(err).Str("monitor_id", monitorID).Msg("traffic sample failed")
			}
		})
	}
	for _, t := range tools {
		configID := t.ID
		e.schedule("nettool:"+configID, t.Schedule, func() {
			if err := e.RunNetToolNow(context.Background(), configID); err != nil {
				e.log.Error().Err(err).Str("config_id", configID).Msg("scheduled diagnostic failed")
			}
		})
	}

	e.log.Info().
		Int("http", len(https)).
		Int("traffic", len(traffic)).
		Int("nettools", len(tools)).
		Msg("monitor schedules loaded")
	return nil
}

// schedule registers one cron entry. Invalid expressions are rejected at
// CRUD time, so a parse failure here is only logged.
func (e *Engine) schedule(key, spec string, job func()) {
	entry, err := e.cron.AddFunc(spec, job)
	if err != nil {
		e.log.Error().Err(err).Str("entry", key).Str("schedule", spec).Msg("failed to schedule monitor")
		return
	}
	e.entries[key] = entry
}

// EntryCount reports the registered cron entries.
func (e *Engine) EntryCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// cronLogger routes the cron library's messages into zerolog. Info chatter
// (mostly skip notices) is dropped.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(string, ...any) {}

func (l cronLogger) Error(err error, msg string, _ ...any) {
	l.log.Error().Err(err).Msg(msg)
}
