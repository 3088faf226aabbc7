package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// refreshServices asks nodes with watched units for a service-status
// round through the normal command queue. Three guards keep the poll
// from piling onto nodes that are offline, busy, or already fresh.
func (e *Engine) refreshServices(ctx context.Context) {
	watched, err := e.db.AllServiceMonitors(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to load service monitors")
		return
	}
	if len(watched) == 0 {
		return
	}

	busy, err := e.db.NodesWithLiveCommands(ctx, time.Now().Add(-e.cfg.ServicePendingWindow))
	if err != nil {
		e.log.Error().Err(err).Msg("failed to load live command owners")
		return
	}
	ages, err := e.db.SnapshotAges(ctx, store.SnapshotService)
	if err != nil {
		e.log.Error().Err(err).Msg("failed to load snapshot ages")
		return
	}

	cutoff := time.Now().Add(-e.cfg.ServiceSnapshotAge)
	for nodeID, monitors := range watched {
		if !e.fleet.Online(nodeID) {
			continue
		}
		// A node already working a recent command gets skipped; a second
		// refresh would just queue behind it.
		if busy[nodeID] {
			continue
		}
		if at, ok := ages[nodeID]; ok && at.After(cutoff) {
			continue
		}

		units := make([]string, 0, len(monitors))
		for _, m := range monitors {
			units = append(units, m.Unit)
		}
		payload, err := json.Marshal(protocol.ServicePayload{Units: units})
		if err != nil {
			e.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to encode service payload")
			continue
		}
		if _, err := e.fleet.EnqueueCommand(ctx, nodeID, protocol.CmdServiceStatus, payload, "monitor"); err != nil {
			// Capability changes between polls are expected; anything
			// else is worth a line.
			if !errdefs.IsFeatureDisabled(err) {
				e.log.Warn().Err(err).Str("node_id", nodeID).Msg("service refresh not enqueued")
			}
		}
	}
}
