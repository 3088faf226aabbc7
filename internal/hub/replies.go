package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// replyTable correlates interactive requests with the agent frames that
// answer them. One request may be in flight per key; interactive
// sessions are strictly request-response.
type replyTable struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

func newReplyTable() *replyTable {
	return &replyTable{waiters: make(map[string]chan json.RawMessage)}
}

func replyKeyFiles(sessionID string) string { return "files:" + sessionID }
func replyKeyLog(sessionID string) string   { return "log:" + sessionID }
func replyKeyNetTool(runID string) string   { return "nettool:" + runID }

// register installs a waiter for key. The cleanup func must be called
// on every exit path.
func (t *replyTable) register(key string) (chan json.RawMessage, func(), error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.waiters[key]; exists {
		return nil, nil, errConflict("request already in flight for %s", key)
	}
	ch := make(chan json.RawMessage, 1)
	t.waiters[key] = ch
	cleanup := func() {
		t.mu.Lock()
		delete(t.waiters, key)
		t.mu.Unlock()
	}
	return ch, cleanup, nil
}

// resolve delivers a payload to the waiter for key. Returns false when
// nobody is waiting.
func (t *replyTable) resolve(key string, payload json.RawMessage) bool {
	t.mu.Lock()
	ch, ok := t.waiters[key]
	if ok {
		delete(t.waiters, key)
	}
	t.mu.Unlock()
	if !ok {
		return false
	}
	ch <- payload
	return true
}

// wait blocks until the reply for key arrives or the timeout elapses.
// The send func runs after the waiter is installed, so a fast agent
// reply cannot slip through unobserved.
func (t *replyTable) wait(ctx context.Context, key string, timeout time.Duration, send func() error) (json.RawMessage, error) {
	ch, cleanup, err := t.register(key)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if err := send(); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer.C:
		return nil, errTimeout("no reply within %s", timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
