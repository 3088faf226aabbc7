package agent

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/manlab/manlab/internal/protocol"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := OpenSpool(":memory:")
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleAt(takenAt time.Time, cpu float64) protocol.TelemetryPayload {
	return protocol.TelemetryPayload{
		TakenAt:    takenAt,
		CPUPercent: cpu,
		MemPercent: 50,
		UptimeSec:  1234,
	}
}

func TestSpoolDequeueOldestFirst(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, sampleAt(base.Add(time.Duration(i)*time.Minute), float64(i)), 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if got := s.Depth(); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}

	pending, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d samples, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].ID <= pending[i-1].ID {
			t.Errorf("ids out of order: %d after %d", pending[i].ID, pending[i-1].ID)
		}
	}
	for i, p := range pending {
		var got protocol.TelemetryPayload
		if err := json.Unmarshal(p.Sample, &got); err != nil {
			t.Fatalf("unmarshal sample %d: %v", i, err)
		}
		if got.CPUPercent != float64(i) {
			t.Errorf("sample %d cpu = %v, want %v", i, got.CPUPercent, float64(i))
		}
		if !got.TakenAt.Equal(base.Add(time.Duration(i) * time.Minute)) {
			t.Errorf("sample %d taken_at = %v, want %v", i, got.TakenAt, base.Add(time.Duration(i)*time.Minute))
		}
	}
}

func TestSpoolDequeueDoesNotConsume(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()

	if err := s.Enqueue(ctx, sampleAt(time.Now().UTC(), 10), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(ctx, sampleAt(time.Now().UTC(), 20), 0); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("first Dequeue: %v", err)
	}
	second, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("second Dequeue: %v", err)
	}
	if len(first) != 2 || len(second) != 2 {
		t.Fatalf("dequeue lengths = %d, %d, want 2, 2", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Errorf("row %d id changed between dequeues: %d vs %d", i, first[i].ID, second[i].ID)
		}
	}
	if got := s.Depth(); got != 2 {
		t.Errorf("Depth after dequeues = %d, want 2", got)
	}
}

func TestSpoolDequeueLimit(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, sampleAt(time.Now().UTC(), float64(i)), 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	pending, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Dequeue(2) returned %d samples", len(pending))
	}

	if got, err := s.Dequeue(ctx, 0); err != nil || got != nil {
		t.Errorf("Dequeue(0) = %v, %v, want nil, nil", got, err)
	}
	if got, err := s.Dequeue(ctx, -1); err != nil || got != nil {
		t.Errorf("Dequeue(-1) = %v, %v, want nil, nil", got, err)
	}
}

func TestSpoolAckRemovesAndIsIdempotent(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.Enqueue(ctx, sampleAt(time.Now().UTC(), float64(i)), 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	pending, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	acked := []int64{pending[0].ID, pending[1].ID}
	if err := s.Ack(ctx, acked); err != nil {
		t.Fatalf("Ack: %v", err)
	}
	if got := s.Depth(); got != 1 {
		t.Fatalf("Depth after ack = %d, want 1", got)
	}

	left, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after ack: %v", err)
	}
	if len(left) != 1 || left[0].ID != pending[2].ID {
		t.Fatalf("remaining rows = %v, want only id %d", left, pending[2].ID)
	}

	// Re-acking ids that are already gone must not drive the depth negative.
	if err := s.Ack(ctx, acked); err != nil {
		t.Fatalf("repeat Ack: %v", err)
	}
	if got := s.Depth(); got != 1 {
		t.Errorf("Depth after repeat ack = %d, want 1", got)
	}

	if err := s.Ack(ctx, nil); err != nil {
		t.Errorf("Ack(nil): %v", err)
	}
}

func TestSpoolCapDropsOldest(t *testing.T) {
	s := newTestSpool(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		if err := s.Enqueue(ctx, sampleAt(base.Add(time.Duration(i)*time.Minute), float64(i)), 3); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if got := s.Depth(); got != 3 {
		t.Fatalf("Depth = %d, want 3", got)
	}

	pending, err := s.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Dequeue returned %d samples, want 3", len(pending))
	}
	// The two oldest samples were dropped to make room.
	for i, p := range pending {
		var got protocol.TelemetryPayload
		if err := json.Unmarshal(p.Sample, &got); err != nil {
			t.Fatalf("unmarshal sample %d: %v", i, err)
		}
		if want := float64(i + 2); got.CPUPercent != want {
			t.Errorf("sample %d cpu = %v, want %v", i, got.CPUPercent, want)
		}
	}
}

func TestSpoolDepthSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spool.db")
	ctx := context.Background()

	s, err := OpenSpool(path)
	if err != nil {
		t.Fatalf("OpenSpool: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(ctx, sampleAt(time.Now().UTC(), float64(i)), 0); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := OpenSpool(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	if got := reopened.Depth(); got != 2 {
		t.Errorf("Depth after reopen = %d, want 2", got)
	}
	pending, err := reopened.Dequeue(ctx, 10)
	if err != nil {
		t.Fatalf("Dequeue after reopen: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("Dequeue after reopen returned %d samples, want 2", len(pending))
	}
}
