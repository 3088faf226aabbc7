//go:build integration

// Run with:
//
//	go test -tags integration -v ./internal/store/...
//
// Requires Docker (for testcontainers-go) and a reachable Docker socket.
package store_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/protocol"
	"github.com/manlab/manlab/internal/store"
)

// setupDB starts a PostgreSQL container and opens a Store against it; the
// Store applies its own migrations.
func setupDB(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := tcpostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15-alpine"),
		tcpostgres.WithDatabase("manlab_test"),
		tcpostgres.WithUsername("manlab"),
		tcpostgres.WithPassword("secret"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgContainer.Terminate(context.Background()) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("get connection string: %v", err)
	}

	s, err := store.New(ctx, connStr, zerolog.Nop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func testNode(hostname string) store.Node {
	return store.Node{
		ID:           uuid.NewString(),
		Hostname:     hostname,
		OS:           "linux",
		Arch:         "amd64",
		AgentVersion: "0.1.0",
		IPAddress:    "10.0.0.7",
		Capabilities: map[string]bool{"docker": true, "shell": true},
		Status:       store.NodeOnline,
	}
}

func mustUpsert(t *testing.T, s *store.Store, n store.Node) string {
	t.Helper()
	id, err := s.UpsertNode(context.Background(), n)
	if err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}
	return id
}

func TestNodeUpsertKeepsStableID(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	n := testNode("lab-node-1")
	first := mustUpsert(t, s, n)
	if first != n.ID {
		t.Errorf("clean insert should keep caller id, got %s", first)
	}

	// Same hostname with a fresh id simulates an agent that lost its state
	// file: the original id must come back.
	n2 := testNode("lab-node-1")
	n2.AgentVersion = "0.2.0"
	second := mustUpsert(t, s, n2)
	if second != first {
		t.Errorf("hostname conflict should return stable id %s, got %s", first, second)
	}

	got, err := s.GetNode(ctx, first)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.AgentVersion != "0.2.0" {
		t.Errorf("agent_version = %q, want 0.2.0", got.AgentVersion)
	}
	if !got.Capabilities["docker"] {
		t.Error("capabilities should round-trip")
	}
}

func TestMarkAllNodesOffline(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	id := mustUpsert(t, s, testNode("lab-node-2"))
	if _, err := s.MarkAllNodesOffline(ctx); err != nil {
		t.Fatalf("MarkAllNodesOffline: %v", err)
	}
	got, err := s.GetNode(ctx, id)
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if got.Status != store.NodeOffline {
		t.Errorf("status = %q, want offline", got.Status)
	}

	if err := s.TouchNode(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("TouchNode: %v", err)
	}
	got, _ = s.GetNode(ctx, id)
	if got.Status != store.NodeOnline {
		t.Errorf("status after touch = %q, want online", got.Status)
	}
	if got.LastSeen == nil {
		t.Error("last_seen should be set after touch")
	}
}

func TestGetNodeNotFound(t *testing.T) {
	s := setupDB(t)
	_, err := s.GetNode(context.Background(), uuid.NewString())
	if !errdefs.IsNotFound(err) {
		t.Errorf("want ErrNotFound, got %v", err)
	}
}

func testCommand(nodeID, cmdType string) store.Command {
	return store.Command{
		ID:        uuid.NewString(),
		NodeID:    nodeID,
		Type:      cmdType,
		Payload:   json.RawMessage(`{"container":"web"}`),
		CreatedBy: "admin",
		Deadline:  time.Now().Add(10 * time.Minute).UTC(),
	}
}

func TestCommandLifecycle(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-3"))

	c := testCommand(nodeID, protocol.CmdDockerRestart)
	if err := s.EnqueueCommand(ctx, c); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}

	pending, err := s.PendingCommands(ctx, nodeID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != c.ID {
		t.Fatalf("pending = %+v", pending)
	}

	now := time.Now().UTC()
	if err := s.MarkCommandSent(ctx, c.ID, now); err != nil {
		t.Fatalf("MarkCommandSent: %v", err)
	}
	// A second claim must lose the race.
	if err := s.MarkCommandSent(ctx, c.ID, now); !errdefs.IsConflict(err) {
		t.Errorf("second MarkCommandSent: want ErrConflict, got %v", err)
	}
	// Once sent, the command leaves the pending scan.
	pending, _ = s.PendingCommands(ctx, nodeID)
	if len(pending) != 0 {
		t.Errorf("pending after sent = %d, want 0", len(pending))
	}

	if err := s.MarkCommandInProgress(ctx, c.ID, now); err != nil {
		t.Fatalf("MarkCommandInProgress: %v", err)
	}
	if err := s.CompleteCommand(ctx, c.ID, protocol.StatusSuccess, "restarted web", "", 0, now); err != nil {
		t.Fatalf("CompleteCommand: %v", err)
	}

	// Terminal rows are immutable.
	err = s.CompleteCommand(ctx, c.ID, protocol.StatusFailed, "", "late failure", 1, now)
	if !errdefs.IsConflict(err) {
		t.Errorf("complete after terminal: want ErrConflict, got %v", err)
	}

	got, err := s.GetCommand(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCommand: %v", err)
	}
	if got.Status != protocol.StatusSuccess {
		t.Errorf("status = %q, want success", got.Status)
	}
	if got.Output != "restarted web" {
		t.Errorf("output = %q", got.Output)
	}
}

func TestPendingCommandsFIFO(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-4"))

	var ids []string
	for i := 0; i < 3; i++ {
		c := testCommand(nodeID, protocol.CmdShellExec)
		if err := s.EnqueueCommand(ctx, c); err != nil {
			t.Fatalf("EnqueueCommand[%d]: %v", i, err)
		}
		ids = append(ids, c.ID)
		time.Sleep(5 * time.Millisecond) // distinct created_at
	}

	pending, err := s.PendingCommands(ctx, nodeID)
	if err != nil {
		t.Fatalf("PendingCommands: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i, c := range pending {
		if c.ID != ids[i] {
			t.Errorf("position %d = %s, want %s (FIFO order)", i, c.ID, ids[i])
		}
	}
}

func TestCancelQueuedCommand(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-5"))

	c := testCommand(nodeID, protocol.CmdSystemUpdate)
	if err := s.EnqueueCommand(ctx, c); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if err := s.CancelQueuedCommand(ctx, c.ID, time.Now().UTC()); err != nil {
		t.Fatalf("CancelQueuedCommand: %v", err)
	}

	// Cancelling a sent command through the queued path must conflict.
	c2 := testCommand(nodeID, protocol.CmdSystemUpdate)
	_ = s.EnqueueCommand(ctx, c2)
	_ = s.MarkCommandSent(ctx, c2.ID, time.Now().UTC())
	if err := s.CancelQueuedCommand(ctx, c2.ID, time.Now().UTC()); !errdefs.IsConflict(err) {
		t.Errorf("cancel after sent: want ErrConflict, got %v", err)
	}
}

func TestFailExpiredCommands(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-6"))

	expired := testCommand(nodeID, protocol.CmdShellExec)
	expired.Deadline = time.Now().Add(-time.Minute).UTC()
	live := testCommand(nodeID, protocol.CmdShellExec)
	for _, c := range []store.Command{expired, live} {
		if err := s.EnqueueCommand(ctx, c); err != nil {
			t.Fatalf("EnqueueCommand: %v", err)
		}
	}

	failed, err := s.FailExpiredCommands(ctx, time.Now().UTC(), "TimedOut")
	if err != nil {
		t.Fatalf("FailExpiredCommands: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != expired.ID {
		t.Fatalf("failed = %+v, want only the expired command", failed)
	}
	if failed[0].Error != "TimedOut" {
		t.Errorf("error = %q, want TimedOut", failed[0].Error)
	}

	got, _ := s.GetCommand(ctx, live.ID)
	if got.Status != protocol.StatusQueued {
		t.Errorf("live command status = %q, want queued", got.Status)
	}
}

func TestNodesWithLiveCommands(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()

	busyNode := mustUpsert(t, s, testNode("lab-node-13"))
	sentNode := mustUpsert(t, s, testNode("lab-node-14"))
	idleNode := mustUpsert(t, s, testNode("lab-node-15"))

	queued := testCommand(busyNode, protocol.CmdShellExec)
	if err := s.EnqueueCommand(ctx, queued); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}

	sent := testCommand(sentNode, protocol.CmdShellExec)
	if err := s.EnqueueCommand(ctx, sent); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if err := s.MarkCommandSent(ctx, sent.ID, time.Now().UTC()); err != nil {
		t.Fatalf("MarkCommandSent: %v", err)
	}

	done := testCommand(idleNode, protocol.CmdShellExec)
	if err := s.EnqueueCommand(ctx, done); err != nil {
		t.Fatalf("EnqueueCommand: %v", err)
	}
	if err := s.CancelQueuedCommand(ctx, done.ID, time.Now().UTC()); err != nil {
		t.Fatalf("CancelQueuedCommand: %v", err)
	}

	busy, err := s.NodesWithLiveCommands(ctx, time.Now().Add(-time.Hour).UTC())
	if err != nil {
		t.Fatalf("NodesWithLiveCommands: %v", err)
	}
	if !busy[busyNode] {
		t.Error("node with a queued command missing from busy set")
	}
	if !busy[sentNode] {
		t.Error("node with a sent command missing from busy set")
	}
	if busy[idleNode] {
		t.Error("node with only a terminal command reported busy")
	}

	// A future cutoff excludes everything.
	busy, err = s.NodesWithLiveCommands(ctx, time.Now().Add(time.Hour).UTC())
	if err != nil {
		t.Fatalf("NodesWithLiveCommands with future cutoff: %v", err)
	}
	if len(busy) != 0 {
		t.Errorf("busy set with future cutoff = %v, want empty", busy)
	}
}

func TestTelemetryIdempotentInsert(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-7"))

	ts := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	sample := store.TelemetrySample{
		NodeID:     nodeID,
		TakenAt:    ts,
		CPUPercent: 55.5,
		MemPercent: 40,
		UptimeSec:  1234,
	}
	if err := s.InsertTelemetry(ctx, sample); err != nil {
		t.Fatalf("InsertTelemetry: %v", err)
	}
	// Replay from an offline spool: same (node, ts) must not duplicate.
	sample.CPUPercent = 99
	if err := s.InsertTelemetry(ctx, sample); err != nil {
		t.Fatalf("replay InsertTelemetry: %v", err)
	}

	got, err := s.LatestTelemetry(ctx, nodeID)
	if err != nil {
		t.Fatalf("LatestTelemetry: %v", err)
	}
	if got.CPUPercent != 55.5 {
		t.Errorf("cpu = %v, want original 55.5 (duplicate dropped)", got.CPUPercent)
	}

	raw, err := s.RawTelemetry(ctx, nodeID, ts.Add(-time.Hour), ts.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("RawTelemetry: %v", err)
	}
	if len(raw) != 1 {
		t.Errorf("raw samples = %d, want 1", len(raw))
	}
}

func TestTelemetryHistoryAndRollup(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-8"))

	base := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		sample := store.TelemetrySample{
			NodeID:     nodeID,
			TakenAt:    base.Add(time.Duration(i) * 10 * time.Minute),
			CPUPercent: float64(10 * (i + 1)),
			MemPercent: 50,
		}
		if err := s.InsertTelemetry(ctx, sample); err != nil {
			t.Fatalf("InsertTelemetry[%d]: %v", i, err)
		}
	}

	points, err := s.TelemetryHistory(ctx, nodeID, base, base.Add(2*time.Hour), store.BucketHour)
	if err != nil {
		t.Fatalf("TelemetryHistory: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("points = %d, want 1 hourly bucket", len(points))
	}
	if points[0].Samples != 6 {
		t.Errorf("samples = %d, want 6", points[0].Samples)
	}
	if points[0].CPUMax != 60 {
		t.Errorf("cpu max = %v, want 60", points[0].CPUMax)
	}

	n, err := s.RollupTelemetry(ctx, store.BucketHour, base, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("RollupTelemetry: %v", err)
	}
	if n != 1 {
		t.Errorf("rollup rows = %d, want 1", n)
	}

	pruned, err := s.PruneTelemetry(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PruneTelemetry: %v", err)
	}
	if pruned != 6 {
		t.Errorf("pruned = %d, want 6", pruned)
	}

	// History now comes from the rollup table alone.
	points, err = s.TelemetryHistory(ctx, nodeID, base, base.Add(2*time.Hour), store.BucketHour)
	if err != nil {
		t.Fatalf("TelemetryHistory after prune: %v", err)
	}
	if len(points) != 1 || points[0].Samples != 6 {
		t.Errorf("rollup-backed history = %+v", points)
	}
}

func TestSnapshotUpsertReplaces(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-9"))

	first := []store.Snapshot{
		{NodeID: nodeID, Key: "nginx.service", Data: json.RawMessage(`{"state":"running"}`), TakenAt: time.Now().UTC()},
		{NodeID: nodeID, Key: "postgresql.service", Data: json.RawMessage(`{"state":"running"}`), TakenAt: time.Now().UTC()},
	}
	if err := s.UpsertSnapshots(ctx, store.SnapshotService, first); err != nil {
		t.Fatalf("UpsertSnapshots: %v", err)
	}

	update := []store.Snapshot{
		{NodeID: nodeID, Key: "nginx.service", Data: json.RawMessage(`{"state":"failed"}`), TakenAt: time.Now().UTC()},
	}
	if err := s.UpsertSnapshots(ctx, store.SnapshotService, update); err != nil {
		t.Fatalf("second UpsertSnapshots: %v", err)
	}

	snaps, err := s.ListSnapshots(ctx, store.SnapshotService, nodeID)
	if err != nil {
		t.Fatalf("ListSnapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("snapshots = %d, want 2 (one row per key)", len(snaps))
	}
	var nginx *store.Snapshot
	for i := range snaps {
		if snaps[i].Key == "nginx.service" {
			nginx = &snaps[i]
		}
	}
	if nginx == nil || string(nginx.Data) != `{"state": "failed"}` && string(nginx.Data) != `{"state":"failed"}` {
		t.Errorf("nginx snapshot not replaced: %+v", nginx)
	}

	ages, err := s.SnapshotAges(ctx, store.SnapshotService)
	if err != nil {
		t.Fatalf("SnapshotAges: %v", err)
	}
	if _, ok := ages[nodeID]; !ok {
		t.Error("SnapshotAges should include the node")
	}
}

func TestPoliciesRoundTrip(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-10"))

	if _, err := s.GetLogPolicy(ctx, nodeID); !errdefs.IsNotFound(err) {
		t.Errorf("missing log policy: want ErrNotFound, got %v", err)
	}

	lp := store.LogPolicy{
		NodeID:   nodeID,
		Sources:  []string{"nginx.service", "/var/log/syslog"},
		MaxBytes: 1 << 20,
		Enabled:  true,
	}
	if err := s.UpsertLogPolicy(ctx, lp); err != nil {
		t.Fatalf("UpsertLogPolicy: %v", err)
	}
	got, err := s.GetLogPolicy(ctx, nodeID)
	if err != nil {
		t.Fatalf("GetLogPolicy: %v", err)
	}
	if len(got.Sources) != 2 || got.Sources[0] != "nginx.service" {
		t.Errorf("sources = %v", got.Sources)
	}

	fp := store.FilePolicy{
		NodeID:        nodeID,
		Roots:         []string{"/srv", "/var/backups"},
		MaxFileBytes:  100 << 20,
		AllowDownload: true,
		Enabled:       true,
	}
	if err := s.UpsertFilePolicy(ctx, fp); err != nil {
		t.Fatalf("UpsertFilePolicy: %v", err)
	}
	gotFP, err := s.GetFilePolicy(ctx, nodeID)
	if err != nil {
		t.Fatalf("GetFilePolicy: %v", err)
	}
	if gotFP.System {
		t.Error("system flag should default to false")
	}
	if len(gotFP.Roots) != 2 {
		t.Errorf("roots = %v", gotFP.Roots)
	}
}

func TestSettingsAndAudit(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-11"))

	if err := s.SetSetting(ctx, "alert_thresholds", json.RawMessage(`{"cpu":90,"memory":85}`)); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	val, err := s.GetSetting(ctx, "alert_thresholds")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	var thresholds map[string]float64
	if err := json.Unmarshal(val, &thresholds); err != nil {
		t.Fatalf("decode setting: %v", err)
	}
	if thresholds["cpu"] != 90 {
		t.Errorf("cpu threshold = %v", thresholds["cpu"])
	}

	now := time.Now().UTC()
	events := []store.AuditEvent{
		{Actor: "admin", Action: "command.enqueue", NodeID: nodeID, CreatedAt: now},
		{Actor: "admin", Action: "terminal.open", NodeID: nodeID, CreatedAt: now},
		{Actor: "operator", Action: "node.delete", CreatedAt: now},
	}
	for _, e := range events {
		if err := s.InsertAudit(ctx, e); err != nil {
			t.Fatalf("InsertAudit: %v", err)
		}
	}

	got, err := s.QueryAudit(ctx, "admin", "", now.Add(-time.Minute), now.Add(time.Minute), 10, 0)
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("admin events = %d, want 2", len(got))
	}

	got, err = s.QueryAudit(ctx, "", nodeID, now.Add(-time.Minute), now.Add(time.Minute), 10, 0)
	if err != nil {
		t.Fatalf("QueryAudit by node: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("node events = %d, want 2", len(got))
	}
}

func TestProcessAlertBatch(t *testing.T) {
	s := setupDB(t)
	ctx := context.Background()
	nodeID := mustUpsert(t, s, testNode("lab-node-12"))

	now := time.Now().UTC()
	alerts := []store.ProcessAlertRecord{
		{NodeID: nodeID, PID: 101, Name: "chromium", Kind: "cpu", Value: 97.2, Threshold: 90, ObservedAt: now},
		{NodeID: nodeID, PID: 202, Name: "java", Kind: "memory", Value: 88.1, Threshold: 85, ObservedAt: now},
	}
	if err := s.InsertProcessAlerts(ctx, alerts); err != nil {
		t.Fatalf("InsertProcessAlerts: %v", err)
	}

	got, err := s.RecentProcessAlerts(ctx, nodeID, 10)
	if err != nil {
		t.Fatalf("RecentProcessAlerts: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("alerts = %d, want 2", len(got))
	}
}
