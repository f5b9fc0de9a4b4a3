// Package memory defines the transcript archive of séance sessions.
//
// Committed transcript entries are appended to a [SessionStore] keyed by
// session id. The archive is write-mostly: the live session never reads it
// back, but operators can replay a session with [SessionStore.Entries] or
// find past conversations with [SessionStore.Search].
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"
	"time"
)

// SearchOpts narrows a full-text search. Non-zero fields are ANDed.
type SearchOpts struct {
	// SessionID restricts the search to one session.
	SessionID string

	// After and Before bound the entry timestamp (exclusive). Zero disables
	// the bound.
	After  time.Time
	Before time.Time

	// Speaker restricts results to one party label.
	Speaker string

	// Limit caps the result count. Zero means no limit.
	Limit int
}

// SessionStore is the transcript archive.
type SessionStore interface {
	// WriteEntry appends entry under sessionID. Writing an entry id that is
	// already archived for the session is a no-op.
	WriteEntry(ctx context.Context, sessionID string, entry TranscriptEntry) error

	// Entries returns every entry of sessionID in chronological order. It
	// returns an empty non-nil slice for an unknown session.
	Entries(ctx context.Context, sessionID string) ([]TranscriptEntry, error)

	// Search matches query against entry text. Results are chronological.
	Search(ctx context.Context, query string, opts SearchOpts) ([]TranscriptEntry, error)
}
