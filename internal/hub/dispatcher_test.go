package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
)

func TestEnqueueRejectsUnknownType(t *testing.T) {
	h := testHub(t)

	_, err := h.dispatcher.Enqueue(context.Background(), "n1", "docker.selfdestruct", nil, "admin")
	if !errdefs.IsBadRequest(err) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestEnqueueRejectsMalformedPayload(t *testing.T) {
	h := testHub(t)

	// shell.exec requires a command field.
	_, err := h.dispatcher.Enqueue(context.Background(), "n1", "shell.exec", json.RawMessage(`{"command": 42}`), "admin")
	if !errdefs.IsBadRequest(err) {
		t.Errorf("err = %v, want bad request", err)
	}
}

func TestCancelWaiterResolution(t *testing.T) {
	h := testHub(t)
	d := h.dispatcher

	ch := d.registerCancel("c1")
	d.resolveCancel("c1", "cancelled")

	select {
	case status := <-ch:
		if status != "cancelled" {
			t.Errorf("status = %q", status)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never resolved")
	}

	// Resolving again, or resolving an unknown id, must be harmless.
	d.resolveCancel("c1", "cancelled")
	d.resolveCancel("ghost", "failed")
}

func TestDiscardedCancelWaiterIgnoresResolution(t *testing.T) {
	h := testHub(t)
	d := h.dispatcher

	ch := d.registerCancel("c1")
	d.discardCancel("c1")
	d.resolveCancel("c1", "cancelled")

	select {
	case status := <-ch:
		t.Errorf("discarded waiter received %q", status)
	case <-time.After(50 * time.Millisecond):
	}
}
