package hub

import (
	"testing"
	"time"

	"github.com/manlab/manlab/internal/protocol"
)

func TestClaimNewestWins(t *testing.T) {
	h := testHub(t)

	old := testAgent(t, h, "n1")
	fresh := newClient(h, nil, clientAgent, "n1", "127.0.0.2")
	if !h.registry.Claim("n1", "host-n1", fresh) {
		t.Fatal("newest-wins policy must accept the second socket")
	}

	if h.registry.Client("n1") != fresh {
		t.Error("registry should map the node to the newest client")
	}
	msg := readFrame(t, old)
	if msg.Type != protocol.TypeSuperseded {
		t.Errorf("losing socket got %q, want %q", msg.Type, protocol.TypeSuperseded)
	}
}

func TestClaimRejectPolicy(t *testing.T) {
	h := testHub(t)
	h.cfg.SessionTieBreak = TieBreakReject

	old := testAgent(t, h, "n1")
	fresh := newClient(h, nil, clientAgent, "n1", "127.0.0.2")
	if h.registry.Claim("n1", "host-n1", fresh) {
		t.Fatal("reject policy must refuse the second socket")
	}

	if h.registry.Client("n1") != old {
		t.Error("original session must survive a rejected claim")
	}
	noFrame(t, old)
}

func TestReclaimBySameClientIsIdempotent(t *testing.T) {
	h := testHub(t)

	c := testAgent(t, h, "n1")
	if !h.registry.Claim("n1", "host-n1", c) {
		t.Fatal("re-register over the same socket must succeed")
	}
	if h.registry.Client("n1") != c {
		t.Error("client lost its own slot")
	}
	noFrame(t, c)
}

func TestDisconnectOnlyRemovesOwner(t *testing.T) {
	h := testHub(t)

	old := testAgent(t, h, "n1")
	fresh := newClient(h, nil, clientAgent, "n1", "127.0.0.2")
	h.registry.Claim("n1", "host-n1", fresh)

	// The superseded socket unwinding must not take the node offline.
	if h.registry.Disconnect("n1", old) {
		t.Error("stale socket should not own the session anymore")
	}
	if h.registry.Client("n1") != fresh {
		t.Error("fresh session must survive the stale disconnect")
	}

	if !h.registry.Disconnect("n1", fresh) {
		t.Error("owner disconnect should report the loss")
	}
	if h.registry.Count() != 0 {
		t.Errorf("session count = %d, want 0", h.registry.Count())
	}
}

func TestSweepProbesOnBackoffSchedule(t *testing.T) {
	h := testHub(t)
	testAgent(t, h, "n1")

	now := time.Now()
	h.registry.mu.Lock()
	h.registry.sessions["n1"].LastHeartbeat = now.Add(-time.Minute)
	h.registry.mu.Unlock()

	h.registry.sweep(now)
	sess, ok := h.registry.Session("n1")
	if !ok {
		t.Fatal("session evicted inside the offline threshold")
	}
	if sess.failures != 1 {
		t.Errorf("failures = %d, want 1", sess.failures)
	}
	if !sess.nextCheck.After(now) {
		t.Error("next probe should be scheduled in the future")
	}

	// Before nextCheck the counter must not advance further.
	h.registry.sweep(now.Add(time.Second))
	sess, _ = h.registry.Session("n1")
	if sess.failures != 1 {
		t.Errorf("failures advanced early: %d", sess.failures)
	}

	// At nextCheck the probe fires again.
	h.registry.sweep(sess.nextCheck)
	sess, _ = h.registry.Session("n1")
	if sess.failures != 2 {
		t.Errorf("failures = %d, want 2", sess.failures)
	}
}

func TestMarkHeartbeatResetsBackoff(t *testing.T) {
	h := testHub(t)
	testAgent(t, h, "n1")

	h.registry.mu.Lock()
	h.registry.sessions["n1"].failures = 3
	h.registry.sessions["n1"].nextCheck = time.Now().Add(time.Minute)
	h.registry.mu.Unlock()

	h.registry.MarkHeartbeat("n1")
	sess, _ := h.registry.Session("n1")
	if sess.failures != 0 {
		t.Errorf("failures = %d, want 0", sess.failures)
	}
	if !sess.nextCheck.IsZero() {
		t.Error("nextCheck should be cleared by a heartbeat")
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 30 * time.Second
	limit := 10 * time.Minute

	cases := []struct {
		failures int
		want     time.Duration
	}{
		{0, 30 * time.Second}, // clamped to one failure
		{1, 30 * time.Second},
		{2, time.Minute},
		{3, 2 * time.Minute},
		{5, 8 * time.Minute},
		{6, 10 * time.Minute}, // 16m capped
		{20, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := backoffDelay(base, limit, tc.failures); got != tc.want {
			t.Errorf("backoffDelay(%d) = %s, want %s", tc.failures, got, tc.want)
		}
	}

	// A base above the limit collapses to the limit.
	if got := backoffDelay(time.Hour, limit, 1); got != limit {
		t.Errorf("oversized base = %s, want %s", got, limit)
	}
}
