// Package mock provides an in-memory [memory.SessionStore] for tests.
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//	// inject store into the system under test …
//	if got := store.CallCount("WriteEntry"); got != 1 {
//	    t.Errorf("expected 1 WriteEntry call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/MrWong99/seance/pkg/memory"
)

// Call records the name and non-context arguments of one method invocation.
type Call struct {
	Method string
	Args   []any
}

// SessionStore keeps entries in memory. The zero value is ready to use.
type SessionStore struct {
	mu sync.Mutex

	calls    []Call
	sessions map[string][]memory.TranscriptEntry

	// WriteEntryErr, if non-nil, is returned by WriteEntry and nothing is
	// stored.
	WriteEntryErr error

	// EntriesErr, if non-nil, is returned by Entries.
	EntriesErr error

	// SearchErr, if non-nil, is returned by Search.
	SearchErr error
}

var _ memory.SessionStore = (*SessionStore)(nil)

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "WriteEntry", Args: []any{sessionID, entry}})
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if m.sessions == nil {
		m.sessions = make(map[string][]memory.TranscriptEntry)
	}
	for _, e := range m.sessions[sessionID] {
		if e.ID == entry.ID {
			return nil
		}
	}
	m.sessions[sessionID] = append(m.sessions[sessionID], entry)
	return nil
}

// Entries implements [memory.SessionStore].
func (m *SessionStore) Entries(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Entries", Args: []any{sessionID}})
	if m.EntriesErr != nil {
		return nil, m.EntriesErr
	}
	out := slices.Clone(m.sessions[sessionID])
	if out == nil {
		out = []memory.TranscriptEntry{}
	}
	return out, nil
}

// Search implements [memory.SessionStore] with a case-insensitive substring
// match.
func (m *SessionStore) Search(_ context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Search", Args: []any{query, opts}})
	if m.SearchErr != nil {
		return nil, m.SearchErr
	}
	q := strings.ToLower(query)
	out := []memory.TranscriptEntry{}
	for sid, entries := range m.sessions {
		if opts.SessionID != "" && sid != opts.SessionID {
			continue
		}
		for _, e := range entries {
			if opts.Speaker != "" && e.Speaker != opts.Speaker {
				continue
			}
			if !opts.After.IsZero() && !e.Timestamp.After(opts.After) {
				continue
			}
			if !opts.Before.IsZero() && !e.Timestamp.Before(opts.Before) {
				continue
			}
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b memory.TranscriptEntry) int { return a.Timestamp.Compare(b.Timestamp) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Calls returns a copy of all recorded invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times method was invoked.
func (m *SessionStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls and stored entries.
func (m *SessionStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.sessions = nil
}
