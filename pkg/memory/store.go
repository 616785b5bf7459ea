// Package memory defines the transcript archive used by live voice sessions.
//
// A [SessionStore] keeps an append-only, per-session log of
// [TranscriptEntry] records plus the latest [SessionStatus] of every session
// attempt. Implementations live in sub-packages (memory/postgres for durable
// archives with full-text search, memory/redis for a lightweight live view).
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SearchOpts configures a keyword search over archived entries. All non-zero
// fields are applied as AND conditions.
type SearchOpts struct {
	// SessionID restricts results to one session.
	SessionID string

	// Speaker restricts results to one side. Zero matches both.
	Speaker Speaker

	// After and Before bound the entry timestamp (exclusive).
	After  time.Time
	Before time.Time

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// SessionStore archives transcripts and session status.
type SessionStore interface {
	// WriteEntry appends entry to the log of sessionID.
	// sessionID must be non-empty.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// Entries returns every entry of sessionID in append order. It returns an
	// empty (non-nil) slice for an unknown session.
	Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search returns entries whose text matches query, oldest first.
	// Returns an empty (non-nil) slice when nothing matches.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)

	// WriteStatus records the latest status of a session attempt.
	WriteStatus(ctx context.Context, status SessionStatus) error

	// Status returns the latest recorded status of sessionID and whether one
	// exists.
	Status(ctx context.Context, sessionID string) (SessionStatus, bool, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's connections.
	Close() error
}
