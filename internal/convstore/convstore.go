// Package convstore provides the durable per-session conversation log.
//
// A session owns an append-only ordered list of messages. Sequence numbers
// are assigned by the store, never by callers, and are strictly increasing
// and gap-free within a session. The primary implementation is PostgreSQL
// backed ([Postgres]); [Memory] offers the same semantics in process for
// tests and for degraded operation during a store outage.
package convstore

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the backing store could not be reached or
// failed the operation after the store's own retry budget was exhausted.
// Callers decide whether to degrade or fail.
var ErrStoreUnavailable = errors.New("convstore: store unavailable")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one immutable entry in a session's log.
type Message struct {
	// SessionID names the owning session.
	SessionID string

	// Sequence is the store-assigned position within the session, starting at
	// 1, strictly increasing and gap-free.
	Sequence int64

	// Role is one of RoleUser, RoleAssistant or RoleTool.
	Role string

	// Content is the message text.
	Content string

	// Metadata is an opaque structured blob (intent info, tool calls,
	// device/room/speaker identifiers for voice turns). May be nil.
	Metadata map[string]any

	// Timestamp is the wall-clock time of the append.
	Timestamp time.Time
}

// Summary describes one session without its messages.
type Summary struct {
	SessionID    string
	MessageCount int64
	FirstMessage string
	LastMessage  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SessionInfo is one row of a session listing.
type SessionInfo struct {
	SessionID    string
	MessageCount int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SearchResult is the most recent matching message of one session.
type SearchResult struct {
	SessionID string
	Snippet   string
	Role      string
	Timestamp time.Time
}

// Stats aggregates store-wide counts.
type Stats struct {
	SessionCount   int64
	MessageCount   int64
	BusiestSession string
}

// Store is the conversation log abstraction. Implementations must be safe
// for concurrent use.
type Store interface {
	// Append atomically creates the session if absent, assigns the next
	// sequence, records the message and bumps the session's updated_at.
	// Fails only with ErrStoreUnavailable (wrapped); a caller can never cause
	// a sequence conflict because sequence is server-assigned.
	Append(ctx context.Context, sessionID, role, content string, metadata map[string]any) (Message, error)

	// Window returns the most recent maxMessages messages of the session in
	// chronological order. Unknown sessions and maxMessages <= 0 yield an
	// empty slice without error.
	Window(ctx context.Context, sessionID string, maxMessages int) ([]Message, error)

	// Summarize returns the session's summary, or ok=false if the session
	// does not exist.
	Summarize(ctx context.Context, sessionID string) (Summary, bool, error)

	// List returns sessions ordered by updated_at descending, plus the total
	// session count.
	List(ctx context.Context, limit, offset int) ([]SessionInfo, int64, error)

	// Search performs a case-insensitive substring match over message content
	// and returns at most limit per-session results, most recent match first.
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)

	// Delete removes the session and cascades to all its messages. Deleting
	// an unknown session is a no-op.
	Delete(ctx context.Context, sessionID string) error

	// Cleanup deletes every session whose updated_at is older than
	// olderThanDays days and returns the number of sessions removed.
	Cleanup(ctx context.Context, olderThanDays int) (int64, error)

	// Stats returns aggregate counts across all sessions.
	Stats(ctx context.Context) (Stats, error)
}
