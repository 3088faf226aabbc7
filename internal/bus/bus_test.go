package bus

import (
	"testing"
	"time"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer b.Unsubscribe(sub1)
	defer b.Unsubscribe(sub2)

	b.Publish(&Event{Type: EventNodeOnline, NodeID: "n1", Hostname: "lab-1"})

	for i, sub := range []Subscriber{sub1, sub2} {
		select {
		case ev := <-sub:
			if ev.Type != EventNodeOnline {
				t.Errorf("subscriber %d: type = %q", i, ev.Type)
			}
			if ev.NodeID != "n1" {
				t.Errorf("subscriber %d: node = %q", i, ev.NodeID)
			}
			if ev.Timestamp.IsZero() {
				t.Errorf("subscriber %d: timestamp should be set", i)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event within 1s", i)
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	// Never drained: its buffer (50) fills and further events are skipped.
	slow := b.Subscribe()
	defer b.Unsubscribe(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(&Event{Type: EventHeartbeatProcesses, NodeID: "n1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publishing blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Errorf("count after unsubscribe = %d, want 0", b.SubscriberCount())
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("channel should be closed, got event")
		}
	case <-time.After(time.Second):
		t.Error("closed channel should yield immediately")
	}
}
