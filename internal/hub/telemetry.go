package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// Intake persists heartbeats and snapshots and fans telemetry out to
// dashboards. Fan-out is coalesced latest-wins per node on a short
// flush tick, so a burst of spool replays does not flood dashboards.
type Intake struct {
	hub *Hub
	log zerolog.Logger

	mu     sync.Mutex
	latest map[string]protocol.TelemetryEvent
}

func NewIntake(h *Hub) *Intake {
	return &Intake{
		hub:    h,
		log:    h.log.With().Str("component", "telemetry").Logger(),
		latest: make(map[string]protocol.TelemetryEvent),
	}
}

// HandleHeartbeat persists one telemetry sample and queues it for
// dashboard fan-out.
func (in *Intake) HandleHeartbeat(nodeID string, p protocol.TelemetryPayload) {
	ctx := context.Background()
	HeartbeatsTotal.Inc()

	sample := sampleFromPayload(nodeID, p)
	if err := in.hub.db.TouchNode(ctx, nodeID, sample.TakenAt); err != nil {
		in.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to touch node")
	}
	if err := in.hub.db.InsertTelemetry(ctx, sample); err != nil {
		in.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to persist telemetry")
	}

	hostname := nodeID
	if sess, ok := in.hub.registry.Session(nodeID); ok {
		hostname = sess.Hostname
	}

	if len(p.TopProcesses) > 0 {
		procs := make([]bus.ProcessUsage, len(p.TopProcesses))
		for i, tp := range p.TopProcesses {
			procs[i] = bus.ProcessUsage{
				PID:        tp.PID,
				Name:       tp.Name,
				CPUPercent: tp.CPUPercent,
				MemPercent: tp.MemPercent,
			}
		}
		in.hub.bus.Publish(&bus.Event{
			Type:     bus.EventHeartbeatProcesses,
			NodeID:   nodeID,
			Hostname: hostname,
			Payload: bus.ProcessContext{
				TakenAt:   sample.TakenAt,
				Processes: procs,
			},
		})
	}

	in.mu.Lock()
	in.latest[nodeID] = protocol.TelemetryEvent{
		NodeID:    nodeID,
		Hostname:  hostname,
		Telemetry: p,
	}
	in.mu.Unlock()
}

// HandleSnapshot persists one snapshot batch. Items are stored as
// opaque documents keyed by the identity field for their kind.
func (in *Intake) HandleSnapshot(nodeID, msgType string, batch protocol.SnapshotBatch) {
	kind, ok := snapshotKindForType(msgType)
	if !ok {
		in.log.Warn().Str("type", msgType).Msg("unknown snapshot type")
		return
	}

	takenAt := batch.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now()
	}

	snaps := make([]store.Snapshot, 0, len(batch.Items))
	for _, item := range batch.Items {
		key, err := snapshotKey(kind, item)
		if err != nil {
			in.log.Warn().Err(err).Str("node_id", nodeID).Str("kind", string(kind)).Msg("snapshot item dropped")
			continue
		}
		snaps = append(snaps, store.Snapshot{
			NodeID:  nodeID,
			Key:     key,
			Data:    item,
			TakenAt: takenAt,
		})
	}
	if len(snaps) == 0 {
		return
	}

	ctx := context.Background()
	if err := in.hub.db.UpsertSnapshots(ctx, kind, snaps); err != nil {
		in.log.Error().Err(err).Str("node_id", nodeID).Str("kind", string(kind)).Msg("failed to persist snapshots")
		return
	}

	if kind == store.SnapshotService {
		in.checkServiceHealth(ctx, nodeID, batch.Items)
		in.hub.BroadcastEvent(protocol.EventServiceStatus, map[string]any{
			"node_id": nodeID,
			"items":   batch.Items,
		})
	}
}

// checkServiceHealth publishes a degraded event for each monitored unit
// with notify enabled that is not active.
func (in *Intake) checkServiceHealth(ctx context.Context, nodeID string, items []json.RawMessage) {
	monitors, err := in.hub.db.ListServiceMonitors(ctx, nodeID)
	if err != nil {
		in.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to load service monitors")
		return
	}
	notify := make(map[string]bool, len(monitors))
	for _, m := range monitors {
		if m.Notify {
			notify[m.Unit] = true
		}
	}
	if len(notify) == 0 {
		return
	}

	for _, item := range items {
		var state struct {
			Unit   string `json:"unit"`
			Name   string `json:"name"`
			Active string `json:"active"`
			State  string `json:"state"`
		}
		if err := json.Unmarshal(item, &state); err != nil {
			continue
		}
		unit := state.Unit
		if unit == "" {
			unit = state.Name
		}
		status := state.Active
		if status == "" {
			status = state.State
		}
		if notify[unit] && status != "active" && status != "running" {
			in.hub.bus.Publish(&bus.Event{
				Type:   bus.EventServiceDegraded,
				NodeID: nodeID,
				Payload: bus.ServiceState{
					Unit:   unit,
					Status: status,
				},
			})
		}
	}
}

// Run drives the fan-out flush and the rollup/prune jobs until ctx is
// cancelled.
func (in *Intake) Run(ctx context.Context) {
	flush := time.NewTicker(time.Second)
	rollup := time.NewTicker(in.hub.cfg.RollupEvery)
	defer flush.Stop()
	defer rollup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-flush.C:
			in.flushLatest()
		case <-rollup.C:
			in.rollup(ctx)
		}
	}
}

func (in *Intake) flushLatest() {
	in.mu.Lock()
	if len(in.latest) == 0 {
		in.mu.Unlock()
		return
	}
	pending := in.latest
	in.latest = make(map[string]protocol.TelemetryEvent)
	in.mu.Unlock()

	for _, ev := range pending {
		in.hub.BroadcastEvent(protocol.EventTelemetry, ev)
	}
}

// rollup folds raw samples into hourly and daily buckets, then prunes
// raw rows past retention. Windows overlap the previous run; the upsert
// recomputes affected buckets, so overlap is harmless.
func (in *Intake) rollup(ctx context.Context) {
	now := time.Now()

	if n, err := in.hub.db.RollupTelemetry(ctx, store.BucketHour, now.Add(-2*time.Hour), now); err != nil {
		in.log.Error().Err(err).Msg("hourly rollup failed")
	} else if n > 0 {
		in.log.Debug().Int64("buckets", n).Msg("hourly rollup complete")
	}

	if n, err := in.hub.db.RollupTelemetry(ctx, store.BucketDay, now.Add(-48*time.Hour), now); err != nil {
		in.log.Error().Err(err).Msg("daily rollup failed")
	} else if n > 0 {
		in.log.Debug().Int64("buckets", n).Msg("daily rollup complete")
	}

	if n, err := in.hub.db.PruneTelemetry(ctx, now.Add(-in.hub.cfg.RawRetention)); err != nil {
		in.log.Error().Err(err).Msg("telemetry prune failed")
	} else if n > 0 {
		in.log.Info().Int64("rows", n).Msg("pruned raw telemetry")
	}
}

func sampleFromPayload(nodeID string, p protocol.TelemetryPayload) store.TelemetrySample {
	sample := store.TelemetrySample{
		NodeID:         nodeID,
		TakenAt:        p.TakenAt,
		CPUPercent:     p.CPUPercent,
		MemPercent:     p.MemPercent,
		MemUsedBytes:   int64(p.MemUsedBytes),
		MemTotalBytes:  int64(p.MemTotalBytes),
		DiskPercent:    p.DiskPercent,
		DiskUsedBytes:  int64(p.DiskUsedBytes),
		DiskTotalBytes: int64(p.DiskTotalBytes),
		CPUTempC:       p.CPUTempC,
		NetRxRate:      p.NetRxRate,
		NetTxRate:      p.NetTxRate,
		PingMs:         p.PingMs,
		UptimeSec:      int64(p.UptimeSec),
	}
	if sample.TakenAt.IsZero() {
		sample.TakenAt = time.Now()
	}
	if len(p.TopProcesses) > 0 {
		if data, err := json.Marshal(p.TopProcesses); err == nil {
			sample.TopProcesses = data
		}
	}
	return sample
}

func snapshotKindForType(msgType string) (store.SnapshotKind, bool) {
	switch msgType {
	case protocol.TypeServiceStatus:
		return store.SnapshotService, true
	case protocol.TypeSmartDrives:
		return store.SnapshotSmart, true
	case protocol.TypeGPUStatus:
		return store.SnapshotGPU, true
	case protocol.TypeUPSStatus:
		return store.SnapshotUPS, true
	}
	return "", false
}

// snapshotKeyFields lists, per kind, the JSON fields tried in order for
// the item identity.
var snapshotKeyFields = map[store.SnapshotKind][]string{
	store.SnapshotService: {"unit", "name"},
	store.SnapshotSmart:   {"device", "name"},
	store.SnapshotGPU:     {"id", "index", "name"},
	store.SnapshotUPS:     {"name", "id"},
}

func snapshotKey(kind store.SnapshotKind, item json.RawMessage) (string, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(item, &probe); err != nil {
		return "", fmt.Errorf("snapshot item is not an object: %w", err)
	}
	for _, field := range snapshotKeyFields[kind] {
		raw, ok := probe[field]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil && s != "" {
			return s, nil
		}
		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil {
			return n.String(), nil
		}
	}
	return "", fmt.Errorf("snapshot item has no identity field")
}
