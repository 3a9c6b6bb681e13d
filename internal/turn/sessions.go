package turn

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrSessionBusy is returned by TryAcquire when another turn currently holds
// the session's mutex.
var ErrSessionBusy = errors.New("turn: session busy")

// Default registry bounds. Evicted sessions lose nothing: conversation state
// lives in the store, so an entry is recreated on next use.
const (
	defaultMaxIdle    = 30 * time.Minute
	defaultMaxEntries = 1024
)

// SessionRegistry hands out per-session turn mutexes. At most one turn per
// session id executes at a time; waiters are served in arrival order. Idle
// entries are evicted once the registry grows past its bound.
type SessionRegistry struct {
	maxIdle    time.Duration
	maxEntries int

	mu      sync.Mutex
	entries map[string]*sessionEntry
}

type sessionEntry struct {
	sem     chan struct{}
	refs    int
	lastUse time.Time
}

// NewSessionRegistry creates a registry with default bounds.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		maxIdle:    defaultMaxIdle,
		maxEntries: defaultMaxEntries,
		entries:    make(map[string]*sessionEntry),
	}
}

// Acquire blocks until the session's mutex is free or ctx is cancelled.
// Waiters are woken in FIFO order. The returned release function must be
// called exactly once.
func (r *SessionRegistry) Acquire(ctx context.Context, sessionID string) (func(), error) {
	e := r.checkout(sessionID)
	select {
	case e.sem <- struct{}{}:
		return func() { r.checkin(sessionID, e) }, nil
	case <-ctx.Done():
		r.checkin(sessionID, nil)
		return nil, ctx.Err()
	}
}

// TryAcquire takes the session's mutex without waiting, or reports
// ErrSessionBusy.
func (r *SessionRegistry) TryAcquire(sessionID string) (func(), error) {
	e := r.checkout(sessionID)
	select {
	case e.sem <- struct{}{}:
		return func() { r.checkin(sessionID, e) }, nil
	default:
		r.checkin(sessionID, nil)
		return nil, ErrSessionBusy
	}
}

// checkout returns the session's entry, creating it on first use, and pins
// it against eviction.
func (r *SessionRegistry) checkout(sessionID string) *sessionEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		e = &sessionEntry{sem: make(chan struct{}, 1)}
		r.entries[sessionID] = e
	}
	e.refs++
	if !ok {
		r.evictLocked()
	}
	return e
}

// checkin releases the mutex (when held is non-nil) and unpins the entry.
func (r *SessionRegistry) checkin(sessionID string, held *sessionEntry) {
	if held != nil {
		<-held.sem
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[sessionID]; ok {
		e.refs--
		e.lastUse = time.Now()
	}
}

// evictLocked drops unpinned entries that have been idle past maxIdle once
// the registry outgrows its bound. The bound is soft: pinned or recently used
// entries are never dropped.
func (r *SessionRegistry) evictLocked() {
	if len(r.entries) <= r.maxEntries {
		return
	}
	cutoff := time.Now().Add(-r.maxIdle)
	for id, e := range r.entries {
		if e.refs == 0 && e.lastUse.Before(cutoff) {
			delete(r.entries, id)
		}
	}
}

// Len reports the number of tracked sessions.
func (r *SessionRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
