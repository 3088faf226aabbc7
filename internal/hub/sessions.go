package hub

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/manlab/manlab/internal/store"
)

// Hard cap on requested session TTLs.
const maxSessionTTL = 60 * time.Minute

// SessionRegistry is a TTL-bounded map of interactive sessions. Expiry
// is lazy on access plus a periodic sweep; both paths fire onExpire
// exactly once per entry.
type SessionRegistry[T any] struct {
	defaultTTL time.Duration
	onExpire   func(id string, v T)

	mu      sync.Mutex
	entries map[string]*sessionEntry[T]
}

type sessionEntry[T any] struct {
	value     T
	ttl       time.Duration
	expiresAt time.Time
}

func NewSessionRegistry[T any](defaultTTL time.Duration) *SessionRegistry[T] {
	return &SessionRegistry[T]{
		defaultTTL: defaultTTL,
		entries:    make(map[string]*sessionEntry[T]),
	}
}

// OnExpire registers a callback invoked when an entry times out. Not
// called for explicit removals.
func (r *SessionRegistry[T]) OnExpire(fn func(id string, v T)) {
	r.onExpire = fn
}

// Put stores a session. A zero ttl selects the registry default;
// negative values are rejected and long ones are clamped.
func (r *SessionRegistry[T]) Put(id string, v T, ttl time.Duration) error {
	if ttl < 0 {
		return errBadRequest("session ttl must be positive")
	}
	if ttl == 0 {
		ttl = r.defaultTTL
	}
	if ttl > maxSessionTTL {
		ttl = maxSessionTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = &sessionEntry[T]{
		value:     v,
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Get returns a live session. An entry at or past its expiry is removed
// and reported expired, even if the sweeper has not run yet.
func (r *SessionRegistry[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && !time.Now().Before(e.expiresAt) {
		delete(r.entries, id)
		r.mu.Unlock()
		if r.onExpire != nil {
			r.onExpire(id, e.value)
		}
		var zero T
		return zero, false
	}
	r.mu.Unlock()
	if !ok {
		var zero T
		return zero, false
	}
	return e.value, true
}

// Touch extends a live session by its own TTL.
func (r *SessionRegistry[T]) Touch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || !time.Now().Before(e.expiresAt) {
		return false
	}
	e.expiresAt = time.Now().Add(e.ttl)
	return true
}

// Remove deletes a session without firing onExpire.
func (r *SessionRegistry[T]) Remove(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		return e.value, true
	}
	var zero T
	return zero, false
}

// Len returns the number of stored sessions, expired or not.
func (r *SessionRegistry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SweepNow removes every expired entry and fires onExpire for each.
// Returns the number of entries removed.
func (r *SessionRegistry[T]) SweepNow(now time.Time) int {
	type expired struct {
		id string
		v  T
	}
	r.mu.Lock()
	var gone []expired
	for id, e := range r.entries {
		if !now.Before(e.expiresAt) {
			delete(r.entries, id)
			gone = append(gone, expired{id: id, v: e.value})
		}
	}
	r.mu.Unlock()

	if r.onExpire != nil {
		for _, g := range gone {
			r.onExpire(g.id, g.v)
		}
	}
	return len(gone)
}

// Sweep runs periodic expiry until ctx is cancelled.
func (r *SessionRegistry[T]) Sweep(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepNow(time.Now())
		}
	}
}

// TerminalSession is a live PTY relay between one dashboard and one
// agent shell.
type TerminalSession struct {
	ID       string
	NodeID   string
	OpenedBy string
	Rows     uint16
	Cols     uint16
	OpenedAt time.Time
}

// LogSession scopes log reads for one viewer. The policy is resolved at
// creation time and re-checked per read.
type LogSession struct {
	ID        string
	NodeID    string
	Policy    store.LogPolicy
	CreatedBy string
}

// FileSession scopes file-browser operations. System sessions are
// rooted at / and require the node policy to allow them.
type FileSession struct {
	ID        string
	NodeID    string
	Policy    store.FilePolicy
	System    bool
	CreatedBy string
}

// DownloadSession holds the claim window for a prepared download. If
// nobody starts the transfer before expiry, cancel aborts the stream.
type DownloadSession struct {
	ID       string
	NodeID   string
	StreamID string
	Cancel   func()
}

// Roots returns the allowed path roots for the session.
func (f *FileSession) Roots() []string {
	if f.System {
		return []string{"/"}
	}
	return f.Policy.Roots
}

// AllowPath cleans the candidate path and checks it against the session
// roots. Returns the cleaned absolute path.
func (f *FileSession) AllowPath(p string) (string, error) {
	if !path.IsAbs(p) {
		return "", errBadRequest("path %q is not absolute", p)
	}
	cleaned := path.Clean(p)
	for _, root := range f.Roots() {
		if pathHasRoot(cleaned, root) {
			return cleaned, nil
		}
	}
	return "", errPolicy("path %q is outside the allowed roots", cleaned)
}

// AllowSource checks a log source against the session policy.
func (l *LogSession) AllowSource(source string) error {
	for _, s := range l.Policy.Sources {
		if s == source {
			return nil
		}
	}
	return errPolicy("log source %q is not allowed", source)
}

// pathHasRoot reports whether cleaned lives under root. Prefix matching
// alone would let /var/logs escape a /var/log root.
func pathHasRoot(cleaned, root string) bool {
	root = path.Clean(root)
	if root == "/" {
		return true
	}
	return cleaned == root || strings.HasPrefix(cleaned, root+"/")
}
