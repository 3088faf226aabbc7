package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/manlab/manlab/internal/store"
)

func testMonitor(url string) *store.HTTPMonitor {
	return &store.HTTPMonitor{
		ID:           "m1",
		Name:         "api",
		URL:          url,
		Method:       http.MethodGet,
		ExpectStatus: http.StatusOK,
		TimeoutSec:   5,
	}
}

func TestProbeHealthyOnExpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m := testMonitor(srv.URL)
	m.ExpectStatus = http.StatusNoContent

	e := &Engine{}
	check := e.probe(context.Background(), m)
	if !check.Healthy {
		t.Fatalf("check = %+v, want healthy", check)
	}
	if check.StatusCode != http.StatusNoContent {
		t.Errorf("status code = %d", check.StatusCode)
	}
	if check.LatencyMs < 0 {
		t.Errorf("latency = %d", check.LatencyMs)
	}
}

func TestProbeStatusMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := &Engine{}
	check := e.probe(context.Background(), testMonitor(srv.URL))
	if check.Healthy {
		t.Fatal("5xx answer marked healthy")
	}
	if check.StatusCode != http.StatusInternalServerError {
		t.Errorf("status code = %d", check.StatusCode)
	}
	if !strings.Contains(check.Message, "expected status 200, got 500") {
		t.Errorf("message = %q", check.Message)
	}
}

func TestProbeBodySubstring(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"service ready"}`))
	}))
	defer srv.Close()

	e := &Engine{}

	m := testMonitor(srv.URL)
	m.ExpectBody = "ready"
	if check := e.probe(context.Background(), m); !check.Healthy {
		t.Errorf("substring present but check = %+v", check)
	}

	m.ExpectBody = "degraded"
	check := e.probe(context.Background(), m)
	if check.Healthy {
		t.Error("missing substring marked healthy")
	}
	if !strings.Contains(check.Message, `does not contain "degraded"`) {
		t.Errorf("message = %q", check.Message)
	}
}

func TestProbeUsesConfiguredMethod(t *testing.T) {
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
	}))
	defer srv.Close()

	m := testMonitor(srv.URL)
	m.Method = http.MethodHead

	e := &Engine{}
	if check := e.probe(context.Background(), m); !check.Healthy {
		t.Fatalf("check = %+v", check)
	}
	if gotMethod != http.MethodHead {
		t.Errorf("method = %q, want HEAD", gotMethod)
	}
}

func TestProbeConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	e := &Engine{}
	check := e.probe(context.Background(), testMonitor(url))
	if check.Healthy {
		t.Fatal("unreachable target marked healthy")
	}
	if check.Message == "" {
		t.Error("failure should carry a message")
	}
	if check.StatusCode != 0 {
		t.Errorf("status code = %d, want 0", check.StatusCode)
	}
}
