package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

var errSendBufferFull = errors.New("client send buffer full")

// Hub maintains active connections and routes agent traffic to the
// subsystems that consume it.
type Hub struct {
	log zerolog.Logger
	cfg *Config
	db  *store.Store
	bus *bus.Broker

	registry     *NodeRegistry
	dispatcher   *Dispatcher
	streams      *StreamRegistry
	terminals    *SessionRegistry[*TerminalSession]
	logSessions  *SessionRegistry[*LogSession]
	fileSessions *SessionRegistry[*FileSession]
	downloads    *SessionRegistry[*DownloadSession]
	replies      *replyTable
	intake       *Intake

	// Registered clients
	clients map[*Client]bool

	// Dashboard connections
	dashboards map[*Client]bool

	// Channels for registration/unregistration
	register   chan *Client
	unregister chan *Client

	// Channel for messages from agents
	agentMessages chan *agentMessage

	// onNetTool receives nettool results that no REST waiter claimed,
	// i.e. results of scheduled runs. Set by the monitor engine.
	onNetTool func(nodeID string, p protocol.NetToolResultPayload)

	mu sync.RWMutex
}

type agentMessage struct {
	client  *Client
	message *protocol.Message
}

// NewHub creates a new Hub. The subsystem fields are wired by the
// server before Run is called.
func NewHub(log zerolog.Logger, cfg *Config, db *store.Store, broker *bus.Broker) *Hub {
	h := &Hub{
		log:           log.With().Str("component", "hub").Logger(),
		cfg:           cfg,
		db:            db,
		bus:           broker,
		clients:       make(map[*Client]bool),
		dashboards:    make(map[*Client]bool),
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		agentMessages: make(chan *agentMessage, 256),
	}
	h.registry = NewNodeRegistry(h)
	h.dispatcher = NewDispatcher(h)
	h.streams = NewStreamRegistry(h)
	h.terminals = NewSessionRegistry[*TerminalSession](cfg.SessionTTL)
	h.logSessions = NewSessionRegistry[*LogSession](cfg.SessionTTL)
	h.fileSessions = NewSessionRegistry[*FileSession](cfg.SessionTTL)
	h.downloads = NewSessionRegistry[*DownloadSession](cfg.SessionTTL)
	h.replies = newReplyTable()
	h.intake = NewIntake(h)

	h.terminals.OnExpire(func(id string, sess *TerminalSession) {
		h.expireTerminal(id, sess)
	})
	h.downloads.OnExpire(func(id string, sess *DownloadSession) {
		h.log.Info().Str("stream_id", sess.StreamID).Msg("unclaimed download expired")
		sess.Cancel()
	})
	return h
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.kind == clientDashboard {
				h.dashboards[client] = true
			}
			h.mu.Unlock()
			h.log.Debug().
				Str("type", client.kind).
				Str("id", client.id).
				Msg("client registered")

		case client := <-h.unregister:
			h.dropClient(client)

		case msg := <-h.agentMessages:
			h.handleAgentMessage(msg)
		}
	}
}

func (h *Hub) dropClient(client *Client) {
	h.mu.Lock()
	_, known := h.clients[client]
	if known {
		delete(h.clients, client)
		delete(h.dashboards, client)
		close(client.send)
	}
	h.mu.Unlock()
	if !known {
		return
	}

	if client.kind == clientAgent && client.id != "" {
		if h.registry.Disconnect(client.id, client) {
			h.markOffline(client.id, "disconnected")
		}
	}

	h.log.Debug().
		Str("type", client.kind).
		Str("id", client.id).
		Msg("client unregistered")
}

// markOffline records and broadcasts a node status change. Called from
// disconnect handling and from the liveness watcher.
func (h *Hub) markOffline(nodeID, reason string) {
	if err := h.db.SetNodeStatus(context.Background(), nodeID, store.NodeOffline); err != nil {
		h.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to mark node offline")
	}
	h.streams.AbortNode(nodeID, "agent disconnected")
	h.bus.Publish(&bus.Event{Type: bus.EventNodeOffline, NodeID: nodeID})
	h.BroadcastEvent(protocol.EventNodeStatusChanged, protocol.NodeStatusEvent{
		NodeID: nodeID,
		Status: string(store.NodeOffline),
		Reason: reason,
	})
}

// handleAgentMessage dispatches a frame to the owning subsystem.
func (h *Hub) handleAgentMessage(msg *agentMessage) {
	// Everything except register requires a completed registration.
	if msg.message.Type != protocol.TypeRegister && msg.client.id == "" {
		h.log.Warn().Str("type", msg.message.Type).Msg("frame from unregistered agent dropped")
		return
	}

	switch msg.message.Type {
	case protocol.TypeRegister:
		h.handleRegister(msg.client, msg.message)

	case protocol.TypeHeartbeat:
		var payload protocol.TelemetryPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse heartbeat payload")
			return
		}
		h.registry.MarkHeartbeat(msg.client.id)
		h.intake.HandleHeartbeat(msg.client.id, payload)

	case protocol.TypeCommandStatus:
		var payload protocol.CommandStatusPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse command status payload")
			return
		}
		h.dispatcher.OnCommandStatus(msg.client.id, payload)

	case protocol.TypeServiceStatus, protocol.TypeSmartDrives, protocol.TypeGPUStatus, protocol.TypeUPSStatus:
		var payload protocol.SnapshotBatch
		if err := msg.message.ParsePayload(&payload); err != nil {
			h.log.Error().Err(err).Msg("failed to parse snapshot payload")
			return
		}
		h.intake.HandleSnapshot(msg.client.id, msg.message.Type, payload)

	case protocol.TypeTerminalOutput:
		var payload protocol.TerminalOutputPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.handleTerminalOutput(msg.client.id, payload)

	case protocol.TypeStreamChunk:
		var payload protocol.StreamChunkPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.streams.OnChunk(msg.client, payload)

	case protocol.TypeStreamComplete:
		var payload protocol.StreamCompletePayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.streams.OnComplete(payload)

	case protocol.TypeStreamError:
		var payload protocol.StreamErrorPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.streams.OnError(payload)

	case protocol.TypeFileListing:
		var payload protocol.FileListingPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.replies.resolve(replyKeyFiles(payload.SessionID), msg.message.Payload)

	case protocol.TypeFileContent:
		var payload protocol.FileContentPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.replies.resolve(replyKeyFiles(payload.SessionID), msg.message.Payload)

	case protocol.TypeLogContent:
		var payload protocol.LogContentPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		h.replies.resolve(replyKeyLog(payload.SessionID), msg.message.Payload)

	case protocol.TypeNetToolResult:
		var payload protocol.NetToolResultPayload
		if err := msg.message.ParsePayload(&payload); err != nil {
			return
		}
		if h.replies.resolve(replyKeyNetTool(payload.RunID), msg.message.Payload) {
			return
		}
		if h.onNetTool != nil {
			h.onNetTool(msg.client.id, payload)
		}

	default:
		h.log.Warn().Str("type", msg.message.Type).Str("node_id", msg.client.id).Msg("unknown message type")
	}
}

// handleRegister processes an agent's register frame: resolve the node
// identity, claim the session slot, and confirm.
func (h *Hub) handleRegister(client *Client, msg *protocol.Message) {
	var payload protocol.RegisterPayload
	if err := msg.ParsePayload(&payload); err != nil {
		h.log.Error().Err(err).Msg("failed to parse register payload")
		return
	}
	if payload.Hostname == "" {
		h.log.Warn().Msg("register without hostname rejected")
		return
	}

	ctx := context.Background()
	node := store.Node{
		ID:           payload.NodeID,
		Hostname:     payload.Hostname,
		OS:           payload.OS,
		Arch:         payload.Arch,
		KernelVer:    payload.KernelVer,
		AgentVersion: payload.AgentVersion,
		IPAddress:    client.remoteAddr,
		Interface:    payload.Interface,
		MACAddress:   payload.MACAddress,
		Capabilities: payload.Capabilities,
	}

	nodeID := payload.NodeID
	if nodeID != "" {
		// Returning agent. Refresh its registration row; an unknown ID
		// means the hub database was rebuilt, so fall through to upsert.
		err := h.db.UpdateNodeRegistration(ctx, node)
		if err != nil && !errdefs.IsNotFound(err) {
			h.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to update node registration")
			return
		}
		if err != nil {
			nodeID = ""
		}
	}
	if nodeID == "" {
		node.ID = ""
		id, err := h.db.UpsertNode(ctx, node)
		if err != nil {
			h.log.Error().Err(err).Str("hostname", payload.Hostname).Msg("failed to upsert node")
			return
		}
		nodeID = id
	}

	if !h.registry.Claim(nodeID, payload.Hostname, client) {
		// Tie-break policy rejected the new socket.
		h.log.Warn().Str("node_id", nodeID).Str("hostname", payload.Hostname).Msg("rejected duplicate agent session")
		_ = client.sendMessage(protocol.TypeSuperseded, nil)
		go func() { h.unregister <- client }()
		return
	}
	client.id = nodeID

	if err := h.db.TouchNode(ctx, nodeID, time.Now()); err != nil {
		h.log.Error().Err(err).Str("node_id", nodeID).Msg("failed to touch node")
	}

	_ = client.sendMessage(protocol.TypeRegistered, protocol.RegisteredPayload{
		NodeID:            nodeID,
		HeartbeatInterval: int(h.cfg.HeartbeatInterval.Seconds()),
	})

	h.bus.Publish(&bus.Event{Type: bus.EventNodeOnline, NodeID: nodeID, Hostname: payload.Hostname})
	h.BroadcastEvent(protocol.EventNodeRegistered, protocol.NodeStatusEvent{
		NodeID:   nodeID,
		Hostname: payload.Hostname,
		Status:   string(store.NodeOnline),
	})

	h.log.Info().
		Str("node_id", nodeID).
		Str("hostname", payload.Hostname).
		Str("agent_version", payload.AgentVersion).
		Msg("agent registered")

	// Queued work may have accumulated while the node was offline.
	h.dispatcher.FlushQueued(nodeID)
}

func (h *Hub) handleTerminalOutput(nodeID string, payload protocol.TerminalOutputPayload) {
	if !h.terminals.Touch(payload.SessionID) {
		// Output for a session the hub no longer tracks; tell the agent
		// to tear it down.
		_ = h.SendToAgent(nodeID, protocol.TypeCommand, protocol.CommandEnvelope{
			ID:      payload.SessionID,
			Type:    protocol.CmdTerminalClose,
			Payload: mustJSON(protocol.TerminalClosePayload{SessionID: payload.SessionID}),
		})
		return
	}
	h.BroadcastEvent(protocol.EventTerminalOutput, payload)
}

// expireTerminal closes an idle terminal on both sides and records the
// expiry.
func (h *Hub) expireTerminal(id string, sess *TerminalSession) {
	h.log.Info().Str("session_id", id).Str("node_id", sess.NodeID).Msg("terminal session expired")
	_ = h.SendToAgent(sess.NodeID, protocol.TypeCommand, protocol.CommandEnvelope{
		ID:      id,
		Type:    protocol.CmdTerminalClose,
		Payload: mustJSON(protocol.TerminalClosePayload{SessionID: id}),
	})
	if err := h.db.CloseTerminalRecord(context.Background(), id, "expired", time.Now()); err != nil && !errdefs.IsNotFound(err) {
		h.log.Error().Err(err).Str("session_id", id).Msg("failed to record terminal expiry")
	}
}

// mustJSON marshals a payload that cannot fail (struct of plain fields).
func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}

// Agent returns the connected client for a node, or nil.
func (h *Hub) Agent(nodeID string) *Client {
	return h.registry.Client(nodeID)
}

// Online reports whether a node has a live agent session.
func (h *Hub) Online(nodeID string) bool {
	return h.registry.Client(nodeID) != nil
}

// RequestTelemetry prompts a node for a telemetry sample ahead of its
// heartbeat schedule.
func (h *Hub) RequestTelemetry(nodeID string) error {
	return h.SendToAgent(nodeID, protocol.TypeRequestTelemetry, nil)
}

// RequestPing asks a node to re-measure its ping target now. Latency
// rides inside telemetry samples, so the prompt is the same frame.
func (h *Hub) RequestPing(nodeID string) error {
	return h.SendToAgent(nodeID, protocol.TypeRequestTelemetry, nil)
}

// EnqueueCommand persists and dispatches one command through the normal
// queue. The monitor scheduler uses this for service refreshes so its
// commands get the same delivery and deadline handling as user ones.
func (h *Hub) EnqueueCommand(ctx context.Context, nodeID, cmdType string, payload json.RawMessage, createdBy string) (*store.Command, error) {
	return h.dispatcher.Enqueue(ctx, nodeID, cmdType, payload, createdBy)
}

// SendToAgent delivers one protocol message to a connected agent.
// Returns ErrTransportFailed when the node has no live session.
func (h *Hub) SendToAgent(nodeID, msgType string, payload any) error {
	client := h.registry.Client(nodeID)
	if client == nil {
		return errTransport("node %s is not connected", nodeID)
	}
	if err := client.sendMessage(msgType, payload); err != nil {
		return errTransport("node %s send queue full", nodeID)
	}
	return nil
}

// BroadcastEvent sends an event frame to all connected dashboards.
func (h *Hub) BroadcastEvent(event string, payload any) {
	body, err := json.Marshal(map[string]any{
		"type":    event,
		"payload": payload,
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	dashboards := make([]*Client, 0, len(h.dashboards))
	for client := range h.dashboards {
		dashboards = append(dashboards, client)
	}
	h.mu.RUnlock()

	for _, client := range dashboards {
		// Slow dashboards lose frames rather than stalling the hub.
		client.enqueue(body)
	}
}

// DashboardCount returns the number of connected dashboard clients.
func (h *Hub) DashboardCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.dashboards)
}

// RunNetTool executes one network diagnostic on a connected agent and
// waits for the result frame.
func (h *Hub) RunNetTool(ctx context.Context, nodeID, tool, target string, count int, timeout time.Duration) (*protocol.NetToolResultPayload, error) {
	runID := uuid.NewString()
	payload, err := h.replies.wait(ctx, replyKeyNetTool(runID), timeout, func() error {
		return h.SendToAgent(nodeID, protocol.TypeCommand, protocol.CommandEnvelope{
			ID:   uuid.NewString(),
			Type: protocol.CmdNetToolRun,
			Payload: mustJSON(protocol.NetToolRunPayload{
				RunID:  runID,
				Tool:   tool,
				Target: target,
				Count:  count,
			}),
		})
	})
	if err != nil {
		return nil, err
	}

	var result protocol.NetToolResultPayload
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, errTransport("malformed diagnostic result from node %s: %v", nodeID, err)
	}
	return &result, nil
}
