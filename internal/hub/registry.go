package hub

import (
	"context"
	"sync"
	"time"

	"github.com/manlab/manlab/internal/protocol"
)

// AgentSession is the hub-side state for one connected agent socket.
type AgentSession struct {
	NodeID        string
	Hostname      string
	ConnectedAt   time.Time
	LastHeartbeat time.Time

	// Missed-heartbeat bookkeeping. failures counts consecutive silent
	// probe intervals; nextCheck is when the watcher looks again.
	failures  int
	nextCheck time.Time

	client *Client
}

// NodeRegistry maps node IDs to their live agent session. At most one
// session exists per node; the tie-break policy decides what happens
// when a second socket claims a claimed slot.
type NodeRegistry struct {
	hub      *Hub
	mu       sync.RWMutex
	sessions map[string]*AgentSession
}

func NewNodeRegistry(h *Hub) *NodeRegistry {
	return &NodeRegistry{
		hub:      h,
		sessions: make(map[string]*AgentSession),
	}
}

// Claim installs client as the session for nodeID. Returns false when an
// existing session wins the tie-break ("reject" policy). Under the
// "newest" policy the old socket is told it was superseded and closed.
func (r *NodeRegistry) Claim(nodeID, hostname string, client *Client) bool {
	r.mu.Lock()
	existing, ok := r.sessions[nodeID]
	if ok && existing.client != client {
		if r.hub.cfg.SessionTieBreak == TieBreakReject {
			r.mu.Unlock()
			return false
		}
		// Newest wins: replace the mapping before closing the loser so
		// its disconnect does not flip the node offline.
		delete(r.sessions, nodeID)
	}
	now := time.Now()
	r.sessions[nodeID] = &AgentSession{
		NodeID:        nodeID,
		Hostname:      hostname,
		ConnectedAt:   now,
		LastHeartbeat: now,
		client:        client,
	}
	r.mu.Unlock()

	if ok && existing.client != client {
		_ = existing.client.sendMessage(protocol.TypeSuperseded, nil)
		go func() { r.hub.unregister <- existing.client }()
		r.hub.log.Warn().
			Str("node_id", nodeID).
			Str("hostname", hostname).
			Msg("superseded duplicate agent session")
	}
	return true
}

// Disconnect removes the session if it still belongs to client. Returns
// true when the node genuinely lost its live session, false when the
// socket had already been superseded.
func (r *NodeRegistry) Disconnect(nodeID string, client *Client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[nodeID]; ok && sess.client == client {
		delete(r.sessions, nodeID)
		return true
	}
	return false
}

// MarkHeartbeat resets the missed-heartbeat counter for a node.
func (r *NodeRegistry) MarkHeartbeat(nodeID string) {
	r.mu.Lock()
	sess, ok := r.sessions[nodeID]
	var hadFailures bool
	if ok {
		hadFailures = sess.failures > 0
		sess.LastHeartbeat = time.Now()
		sess.failures = 0
		sess.nextCheck = time.Time{}
	}
	r.mu.Unlock()

	if hadFailures {
		r.hub.BroadcastEvent(protocol.EventBackoffStatus, protocol.BackoffStatusEvent{
			NodeID:   nodeID,
			Failures: 0,
		})
	}
}

// Client returns the connected client for a node, or nil.
func (r *NodeRegistry) Client(nodeID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[nodeID]; ok {
		return sess.client
	}
	return nil
}

// Session returns a copy of the session state for a node.
func (r *NodeRegistry) Session(nodeID string) (AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if sess, ok := r.sessions[nodeID]; ok {
		return *sess, true
	}
	return AgentSession{}, false
}

// Count returns the number of live agent sessions.
func (r *NodeRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Watch runs the liveness loop: a session that stops heartbeating is
// probed on an exponential schedule and evicted once it crosses the
// offline threshold. Sockets can stay TCP-established long after the
// peer is gone, so ping frames alone are not trusted.
func (r *NodeRegistry) Watch(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(time.Now())
		}
	}
}

func (r *NodeRegistry) sweep(now time.Time) {
	type evicted struct {
		nodeID string
		client *Client
	}
	var evict []evicted
	var backoff []protocol.BackoffStatusEvent

	r.mu.Lock()
	for nodeID, sess := range r.sessions {
		silent := now.Sub(sess.LastHeartbeat)
		if silent <= r.hub.cfg.HeartbeatInterval {
			continue
		}
		if silent > r.hub.cfg.OfflineThreshold() {
			delete(r.sessions, nodeID)
			evict = append(evict, evicted{nodeID: nodeID, client: sess.client})
			continue
		}
		if sess.nextCheck.IsZero() || !now.Before(sess.nextCheck) {
			sess.failures++
			sess.nextCheck = now.Add(backoffDelay(r.hub.cfg.BackoffBase, r.hub.cfg.BackoffCap, sess.failures))
			backoff = append(backoff, protocol.BackoffStatusEvent{
				NodeID:       nodeID,
				Failures:     sess.failures,
				NextDeadline: sess.nextCheck,
			})
		}
	}
	r.mu.Unlock()

	for _, b := range backoff {
		r.hub.BroadcastEvent(protocol.EventBackoffStatus, b)
	}
	for _, e := range evict {
		r.hub.log.Warn().Str("node_id", e.nodeID).Msg("evicting silent agent session")
		r.hub.markOffline(e.nodeID, "heartbeat timeout")
		// Closing the conn unwinds the pumps; Disconnect then finds the
		// mapping gone and does not mark offline a second time.
		_ = e.client.conn.Close()
	}
}

// backoffDelay doubles the base delay per failure up to the limit.
func backoffDelay(base, limit time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := base
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= limit {
			return limit
		}
	}
	if d > limit {
		return limit
	}
	return d
}
