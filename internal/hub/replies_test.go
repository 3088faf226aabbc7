package hub

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
)

func TestReplyWaitReceivesResolution(t *testing.T) {
	table := newReplyTable()

	go func() {
		time.Sleep(10 * time.Millisecond)
		table.resolve("log:s1", json.RawMessage(`{"lines":"hello"}`))
	}()

	payload, err := table.wait(context.Background(), "log:s1", time.Second, func() error { return nil })
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(payload) != `{"lines":"hello"}` {
		t.Errorf("payload = %s", payload)
	}
}

func TestReplyWaitTimesOut(t *testing.T) {
	table := newReplyTable()

	_, err := table.wait(context.Background(), "log:s1", 20*time.Millisecond, func() error { return nil })
	if !errdefs.IsTimeout(err) {
		t.Errorf("err = %v, want timeout", err)
	}

	// The waiter must be gone: a late reply finds nobody.
	if table.resolve("log:s1", json.RawMessage(`{}`)) {
		t.Error("late resolve should report no waiter")
	}
}

func TestReplyWaitOnePerKey(t *testing.T) {
	table := newReplyTable()

	started := make(chan struct{})
	relDone := make(chan struct{})
	go func() {
		_, _ = table.wait(context.Background(), "files:s1", time.Second, func() error {
			close(started)
			return nil
		})
		close(relDone)
	}()
	<-started

	_, err := table.wait(context.Background(), "files:s1", time.Second, func() error { return nil })
	if !errdefs.IsConflict(err) {
		t.Errorf("second wait err = %v, want conflict", err)
	}

	table.resolve("files:s1", json.RawMessage(`{}`))
	<-relDone

	// After the first completes, the key is free again.
	go func() {
		time.Sleep(10 * time.Millisecond)
		table.resolve("files:s1", json.RawMessage(`{}`))
	}()
	if _, err := table.wait(context.Background(), "files:s1", time.Second, func() error { return nil }); err != nil {
		t.Errorf("key should be reusable: %v", err)
	}
}

func TestReplyWaitSendFailureCleansUp(t *testing.T) {
	table := newReplyTable()
	boom := errors.New("node offline")

	_, err := table.wait(context.Background(), "nettool:r1", time.Second, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want send failure", err)
	}
	if table.resolve("nettool:r1", json.RawMessage(`{}`)) {
		t.Error("failed send should leave no waiter behind")
	}
}

func TestReplyWaitHonorsContext(t *testing.T) {
	table := newReplyTable()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := table.wait(ctx, "log:s1", time.Second, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
