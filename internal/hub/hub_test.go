package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/manlab/manlab/internal/bus"
	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
)

func testConfig() *Config {
	return &Config{
		ListenAddr:        ":0",
		JWTSecret:         "test-secret",
		AgentToken:        "agent-token",
		TokenDuration:     time.Hour,
		RateLimitRequests: 5,
		RateLimitWindow:   time.Minute,
		HeartbeatInterval: 30 * time.Second,
		OfflineMultiplier: 3,
		// High floor keeps liveness sweeps on the probe path; eviction needs
		// the database and is covered by the integration suite.
		OfflineMinimum:     time.Hour,
		BackoffBase:        30 * time.Second,
		BackoffCap:         10 * time.Minute,
		SessionTieBreak:    TieBreakNewest,
		CommandTimeout:     10 * time.Minute,
		CancelTimeout:      time.Second,
		CommandSweepEvery:  time.Minute,
		SessionTTL:         10 * time.Minute,
		SessionSweepEvery:  time.Minute,
		DownloadTTL:        4 * time.Hour,
		DownloadSweepEvery: time.Minute,
		AlertCacheSize:     16,
	}
}

// testHub builds a hub without a database and runs its main loop. Tests
// that use it must stay on paths that never touch persistence.
func testHub(t *testing.T) *Hub {
	t.Helper()
	broker := bus.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	h := NewHub(zerolog.Nop(), testConfig(), nil, broker)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

// testAgent claims a registry slot for a client with no real socket.
// Frames sent to it pile up in its send buffer for the test to inspect.
func testAgent(t *testing.T, h *Hub, nodeID string) *Client {
	t.Helper()
	c := newClient(h, nil, clientAgent, nodeID, "127.0.0.1")
	if !h.registry.Claim(nodeID, "host-"+nodeID, c) {
		t.Fatalf("claim for %s rejected", nodeID)
	}
	return c
}

func readFrame(t *testing.T, c *Client) *protocol.Message {
	t.Helper()
	select {
	case data := <-c.send:
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("malformed frame: %v", err)
		}
		return &msg
	case <-time.After(time.Second):
		t.Fatal("no frame within 1s")
		return nil
	}
}

func noFrame(t *testing.T, c *Client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendToAgentRequiresLiveSession(t *testing.T) {
	h := testHub(t)

	err := h.SendToAgent("ghost", protocol.TypeRequestTelemetry, nil)
	if !errdefs.IsTransport(err) {
		t.Errorf("send to unknown node = %v, want transport error", err)
	}

	c := testAgent(t, h, "n1")
	if err := h.SendToAgent("n1", protocol.TypeRequestTelemetry, nil); err != nil {
		t.Fatalf("send to live node: %v", err)
	}
	msg := readFrame(t, c)
	if msg.Type != protocol.TypeRequestTelemetry {
		t.Errorf("frame type = %q", msg.Type)
	}
}

func TestSendToAgentReportsFullQueue(t *testing.T) {
	h := testHub(t)
	c := testAgent(t, h, "n1")

	for i := 0; i < sendBuffer; i++ {
		if !c.enqueue([]byte("x")) {
			t.Fatalf("enqueue %d should fit", i)
		}
	}
	err := h.SendToAgent("n1", protocol.TypeRequestTelemetry, nil)
	if !errdefs.IsTransport(err) {
		t.Errorf("send into full queue = %v, want transport error", err)
	}
}

func TestBroadcastEventReachesDashboards(t *testing.T) {
	h := testHub(t)

	d := newClient(h, nil, clientDashboard, "d1", "127.0.0.1")
	h.register <- d
	waitFor(t, func() bool { return h.DashboardCount() == 1 })

	h.BroadcastEvent(protocol.EventNodeStatusChanged, protocol.NodeStatusEvent{
		NodeID: "n1",
		Status: "offline",
	})

	select {
	case data := <-d.send:
		var ev struct {
			Type    string                   `json:"type"`
			Payload protocol.NodeStatusEvent `json:"payload"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("malformed event: %v", err)
		}
		if ev.Type != protocol.EventNodeStatusChanged || ev.Payload.NodeID != "n1" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("dashboard received no event")
	}
}

func TestBroadcastDropsFramesForSlowDashboard(t *testing.T) {
	h := testHub(t)

	d := newClient(h, nil, clientDashboard, "d1", "127.0.0.1")
	h.register <- d
	waitFor(t, func() bool { return h.DashboardCount() == 1 })

	// Nobody drains d.send; the hub must keep going regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendBuffer+50; i++ {
			h.BroadcastEvent(protocol.EventNodeStatusChanged, protocol.NodeStatusEvent{NodeID: "n1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow dashboard")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within 1s")
}
