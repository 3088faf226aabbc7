package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// Dispatcher owns the durable command queue: enqueueing, delivery to
// connected agents, status intake, cancellation, and the deadline
// sweeper. Delivery is at-most-once; a command is marked sent before
// the frame leaves, and a frame that dies on the wire is recovered by
// the sweeper, never by resending.
type Dispatcher struct {
	hub *Hub
	log zerolog.Logger

	cancelMu      sync.Mutex
	cancelWaiters map[string]chan string // command ID → terminal status
}

func NewDispatcher(h *Hub) *Dispatcher {
	return &Dispatcher{
		hub:           h,
		log:           h.log.With().Str("component", "dispatcher").Logger(),
		cancelWaiters: make(map[string]chan string),
	}
}

// Enqueue validates and persists a command, then attempts immediate
// delivery if the node is connected.
func (d *Dispatcher) Enqueue(ctx context.Context, nodeID, cmdType string, payload json.RawMessage, createdBy string) (*store.Command, error) {
	if !protocol.ValidCommandType(cmdType) {
		return nil, errBadRequest("unknown command type %q", cmdType)
	}
	if _, err := protocol.DecodeCommandPayload(cmdType, payload); err != nil {
		return nil, errBadRequest("invalid payload for %s: %v", cmdType, err)
	}

	node, err := d.hub.db.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if capability, ok := protocol.RequiredCapability(cmdType); ok && !node.HasCapability(capability) {
		return nil, errFeatureDisabled("node %s has capability %q disabled", node.Hostname, capability)
	}

	now := time.Now()
	cmd := store.Command{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      cmdType,
		Payload:   payload,
		Status:    protocol.StatusQueued,
		CreatedBy: createdBy,
		CreatedAt: now,
		Deadline:  now.Add(d.hub.cfg.CommandTimeout),
	}
	if err := d.hub.db.EnqueueCommand(ctx, cmd); err != nil {
		return nil, err
	}

	CommandsQueued.WithLabelValues(cmdType).Inc()
	d.log.Info().
		Str("command_id", cmd.ID).
		Str("node_id", nodeID).
		Str("type", cmdType).
		Str("created_by", createdBy).
		Msg("command queued")
	d.broadcast(&cmd)

	d.tryDispatch(ctx, &cmd)
	return &cmd, nil
}

// FlushQueued delivers the backlog for a node that just connected,
// oldest first.
func (d *Dispatcher) FlushQueued(nodeID string) {
	ctx := context.Background()
	cmds, err := d.hub.db.PendingCommands(ctx, nodeID)
	if err != nil {
		d.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to load pending commands")
		return
	}
	for i := range cmds {
		d.tryDispatch(ctx, &cmds[i])
	}
}

// tryDispatch delivers one queued command to its agent. The sent mark
// is taken first; losing that race means another path already delivered
// the frame and this caller must not.
func (d *Dispatcher) tryDispatch(ctx context.Context, cmd *store.Command) {
	if d.hub.Agent(cmd.NodeID) == nil {
		return
	}

	now := time.Now()
	if err := d.hub.db.MarkCommandSent(ctx, cmd.ID, now); err != nil {
		if !errdefs.IsConflict(err) {
			d.log.Error().Err(err).Str("command_id", cmd.ID).Msg("failed to mark command sent")
		}
		return
	}
	cmd.Status = protocol.StatusSent
	cmd.SentAt = &now

	err := d.hub.SendToAgent(cmd.NodeID, protocol.TypeCommand, protocol.CommandEnvelope{
		ID:      cmd.ID,
		Type:    cmd.Type,
		Payload: cmd.Payload,
	})
	if err != nil {
		// The row stays in sent; the deadline sweeper will fail it.
		// Resending here could double-execute on the agent.
		d.log.Warn().Err(err).Str("command_id", cmd.ID).Msg("command send failed after sent mark")
		return
	}

	d.broadcast(cmd)
}

// OnCommandStatus applies a status report from an agent.
func (d *Dispatcher) OnCommandStatus(nodeID string, p protocol.CommandStatusPayload) {
	ctx := context.Background()
	cmd, err := d.hub.db.GetCommand(ctx, p.ID)
	if err != nil {
		d.log.Warn().Err(err).Str("command_id", p.ID).Msg("status for unknown command")
		return
	}
	if cmd.NodeID != nodeID {
		d.log.Warn().
			Str("command_id", p.ID).
			Str("node_id", nodeID).
			Str("owner", cmd.NodeID).
			Msg("status report from wrong node dropped")
		return
	}

	now := time.Now()
	switch {
	case p.Status == protocol.StatusInProgress:
		if err := d.hub.db.MarkCommandInProgress(ctx, p.ID, now); err != nil && !errdefs.IsConflict(err) {
			d.log.Error().Err(err).Str("command_id", p.ID).Msg("failed to mark command in progress")
			return
		}
		if p.Output != "" {
			if err := d.hub.db.AppendCommandOutput(ctx, p.ID, p.Output); err != nil && !errdefs.IsConflict(err) {
				d.log.Error().Err(err).Str("command_id", p.ID).Msg("failed to append command output")
			}
		}

	case protocol.TerminalStatus(p.Status):
		err := d.hub.db.CompleteCommand(ctx, p.ID, p.Status, p.Output, p.Error, p.ExitCode, now)
		if err != nil {
			// A second terminal report loses the race; the first result
			// stands.
			if !errdefs.IsConflict(err) {
				d.log.Error().Err(err).Str("command_id", p.ID).Msg("failed to complete command")
			}
			return
		}
		CommandsFinished.WithLabelValues(p.Status).Inc()
		d.resolveCancel(p.ID, p.Status)
		d.hub.bus.Publish(&bus.Event{
			Type:    bus.EventCommandTerminal,
			NodeID:  nodeID,
			Payload: p,
		})

	default:
		d.log.Warn().Str("command_id", p.ID).Str("status", p.Status).Msg("unknown command status")
		return
	}

	updated, err := d.hub.db.GetCommand(ctx, p.ID)
	if err != nil {
		return
	}
	d.broadcast(updated)
}

// Cancel stops a command. Queued commands cancel locally; sent or
// running commands ask the agent and fall back to a forced cancel when
// the ack does not arrive in time.
func (d *Dispatcher) Cancel(ctx context.Context, id, actor string) (*store.Command, error) {
	cmd, err := d.hub.db.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}

	switch cmd.Status {
	case protocol.StatusQueued:
		if err := d.hub.db.CancelQueuedCommand(ctx, id, time.Now()); err != nil {
			return nil, err
		}

	case protocol.StatusSent, protocol.StatusInProgress:
		if err := d.cancelRemote(ctx, cmd, actor); err != nil {
			return nil, err
		}

	default:
		return nil, errConflict("command %s already %s", id, cmd.Status)
	}

	updated, err := d.hub.db.GetCommand(ctx, id)
	if err != nil {
		return nil, err
	}
	d.broadcast(updated)
	return updated, nil
}

func (d *Dispatcher) cancelRemote(ctx context.Context, cmd *store.Command, actor string) error {
	wait := d.registerCancel(cmd.ID)
	defer d.discardCancel(cmd.ID)

	err := d.hub.SendToAgent(cmd.NodeID, protocol.TypeCancelCommand, protocol.CancelCommandPayload{ID: cmd.ID})
	if err != nil {
		// Node offline: the agent cannot be running this anymore once it
		// reconnects, because sent commands are never redelivered.
		return d.forceCancel(ctx, cmd.ID, "agent offline, cancelled by "+actor)
	}

	timer := time.NewTimer(d.hub.cfg.CancelTimeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		d.log.Warn().Str("command_id", cmd.ID).Msg("cancel ack timed out, forcing")
		return d.forceCancel(ctx, cmd.ID, "cancel acknowledgement timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) forceCancel(ctx context.Context, id, note string) error {
	err := d.hub.db.CompleteCommand(ctx, id, protocol.StatusCancelled, "", note, -1, time.Now())
	if errdefs.IsConflict(err) {
		// The agent's own terminal report won the race.
		return nil
	}
	return err
}

func (d *Dispatcher) registerCancel(id string) chan string {
	ch := make(chan string, 1)
	d.cancelMu.Lock()
	d.cancelWaiters[id] = ch
	d.cancelMu.Unlock()
	return ch
}

func (d *Dispatcher) discardCancel(id string) {
	d.cancelMu.Lock()
	delete(d.cancelWaiters, id)
	d.cancelMu.Unlock()
}

func (d *Dispatcher) resolveCancel(id, status string) {
	d.cancelMu.Lock()
	ch, ok := d.cancelWaiters[id]
	if ok {
		delete(d.cancelWaiters, id)
	}
	d.cancelMu.Unlock()
	if ok {
		ch <- status
	}
}

// Sweep runs the deadline sweeper until ctx is cancelled.
func (d *Dispatcher) Sweep(ctx context.Context) {
	ticker := time.NewTicker(d.hub.cfg.CommandSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := d.hub.db.FailExpiredCommands(ctx, time.Now(), "TimedOut")
			if err != nil {
				d.log.Error().Err(err).Msg("deadline sweep failed")
				continue
			}
			for i := range expired {
				d.log.Warn().
					Str("command_id", expired[i].ID).
					Str("node_id", expired[i].NodeID).
					Str("type", expired[i].Type).
					Msg("command timed out")
				CommandsFinished.WithLabelValues(protocol.StatusFailed).Inc()
				d.resolveCancel(expired[i].ID, protocol.StatusFailed)
				d.broadcast(&expired[i])
			}
		}
	}
}

func (d *Dispatcher) broadcast(cmd *store.Command) {
	d.hub.BroadcastEvent(protocol.EventCommandUpdate, protocol.CommandUpdateEvent{
		NodeID:   cmd.NodeID,
		ID:       cmd.ID,
		Type:     cmd.Type,
		Status:   cmd.Status,
		Output:   cmd.Output,
		Error:    cmd.Error,
		ExitCode: cmd.ExitCode,
		At:       time.Now(),
	})
}
