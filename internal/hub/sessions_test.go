package hub

import (
	"testing"
	"time"

	"github.com/manlab/manlab/internal/errdefs"
	"github.com/manlab/manlab/internal/store"
)

func TestSessionRegistryPutGet(t *testing.T) {
	r := NewSessionRegistry[string](time.Minute)

	if err := r.Put("s1", "hello", 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	v, ok := r.Get("s1")
	if !ok || v != "hello" {
		t.Errorf("Get = %q, %v; want hello, true", v, ok)
	}

	if _, ok := r.Get("missing"); ok {
		t.Error("Get on unknown id should report false")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestSessionRegistryRejectsNegativeTTL(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	err := r.Put("s1", 1, -time.Second)
	if !errdefs.IsBadRequest(err) {
		t.Errorf("negative ttl error = %v, want bad request", err)
	}
}

func TestSessionExpiresExactlyAtDeadline(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	if err := r.Put("s1", 7, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// One hour minus a margin: still alive.
	if n := r.SweepNow(time.Now().Add(time.Hour - time.Minute)); n != 0 {
		t.Errorf("sweep before deadline removed %d entries", n)
	}
	// The deadline itself counts as expired, not as the last live instant.
	if n := r.SweepNow(time.Now().Add(time.Hour)); n != 1 {
		t.Errorf("sweep at deadline removed %d entries, want 1", n)
	}
	if r.Len() != 0 {
		t.Errorf("Len after expiry = %d, want 0", r.Len())
	}
}

func TestSessionExpiryFiresCallbackOnce(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	var fired int
	r.OnExpire(func(id string, v int) { fired++ })

	if err := r.Put("s1", 1, time.Nanosecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	// Lazy expiry on Get, then redundant sweeps.
	if _, ok := r.Get("s1"); ok {
		t.Error("expired session should not be returned")
	}
	r.Get("s1")
	r.SweepNow(time.Now())

	if fired != 1 {
		t.Errorf("onExpire fired %d times, want 1", fired)
	}
}

func TestSessionRemoveSkipsCallback(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	var fired int
	r.OnExpire(func(id string, v int) { fired++ })

	if err := r.Put("s1", 1, 0); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, ok := r.Remove("s1"); !ok || v != 1 {
		t.Errorf("Remove = %d, %v; want 1, true", v, ok)
	}
	if _, ok := r.Remove("s1"); ok {
		t.Error("second Remove should report false")
	}
	if fired != 0 {
		t.Errorf("onExpire fired %d times for explicit removal, want 0", fired)
	}
}

func TestSessionTouchExtends(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	if err := r.Put("s1", 1, 200*time.Millisecond); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(120 * time.Millisecond)
	if !r.Touch("s1") {
		t.Fatal("Touch on a live session should succeed")
	}
	// Past the original deadline but inside the extension.
	time.Sleep(120 * time.Millisecond)
	if _, ok := r.Get("s1"); !ok {
		t.Error("touched session expired at its original deadline")
	}

	if r.Touch("missing") {
		t.Error("Touch on unknown id should report false")
	}
}

func TestSessionTouchRefusesExpired(t *testing.T) {
	r := NewSessionRegistry[int](time.Minute)
	if err := r.Put("s1", 1, time.Nanosecond); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	if r.Touch("s1") {
		t.Error("Touch must not revive an expired session")
	}
}

func TestFileSessionAllowPath(t *testing.T) {
	sess := &FileSession{
		NodeID: "n1",
		Policy: store.FilePolicy{Roots: []string{"/var/log", "/srv/data"}},
	}

	cases := []struct {
		path    string
		want    string
		wantErr func(error) bool
	}{
		{path: "/var/log/syslog", want: "/var/log/syslog"},
		{path: "/var/log", want: "/var/log"},
		{path: "/srv/data/a/b.txt", want: "/srv/data/a/b.txt"},
		// Sibling directory sharing a name prefix must not pass.
		{path: "/var/logs/evil", wantErr: errdefs.IsPolicyViolation},
		// Dot-dot escapes are resolved before the root check.
		{path: "/var/log/../../etc/passwd", wantErr: errdefs.IsPolicyViolation},
		{path: "relative/path", wantErr: errdefs.IsBadRequest},
		{path: "/etc/passwd", wantErr: errdefs.IsPolicyViolation},
	}
	for _, tc := range cases {
		got, err := sess.AllowPath(tc.path)
		if tc.wantErr != nil {
			if err == nil || !tc.wantErr(err) {
				t.Errorf("AllowPath(%q) error = %v, want classified error", tc.path, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("AllowPath(%q): %v", tc.path, err)
			continue
		}
		if got != tc.want {
			t.Errorf("AllowPath(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestSystemFileSessionRootedAtSlash(t *testing.T) {
	sess := &FileSession{NodeID: "n1", System: true}
	for _, p := range []string{"/etc/passwd", "/", "/proc/1/status"} {
		if _, err := sess.AllowPath(p); err != nil {
			t.Errorf("system session should allow %q: %v", p, err)
		}
	}
}

func TestLogSessionAllowSource(t *testing.T) {
	sess := &LogSession{
		NodeID: "n1",
		Policy: store.LogPolicy{Sources: []string{"nginx.service", "/var/log/syslog"}},
	}
	if err := sess.AllowSource("nginx.service"); err != nil {
		t.Errorf("allowed source rejected: %v", err)
	}
	err := sess.AllowSource("sshd.service")
	if !errdefs.IsPolicyViolation(err) {
		t.Errorf("disallowed source error = %v, want policy violation", err)
	}
}
