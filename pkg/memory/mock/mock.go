// Package mock provides an in-memory test double for [memory.SessionStore].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent
// use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.SessionStore{}
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("WriteEntry"); got != 3 {
//	    t.Errorf("expected 3 WriteEntry calls, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/medilearn/livevoice/pkg/memory"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// SessionStore is a configurable test double for [memory.SessionStore].
// Written entries and statuses are kept in memory and served back, so the
// mock also works as a simple fake.
type SessionStore struct {
	mu sync.Mutex

	calls    []Call
	entries  map[string][]memory.TranscriptEntry
	statuses map[string]memory.SessionStatus
	closed   bool

	// WriteEntryErr is returned by WriteEntry when non-nil.
	WriteEntryErr error

	// WriteStatusErr is returned by WriteStatus when non-nil.
	WriteStatusErr error

	// PingErr is returned by Ping when non-nil.
	PingErr error

	// EntriesErr is returned by Entries and Search when non-nil.
	EntriesErr error
}

var _ memory.SessionStore = (*SessionStore)(nil)

func (m *SessionStore) record(method string, args ...any) {
	m.calls = append(m.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded method invocations.
func (m *SessionStore) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.calls)
}

// CallCount returns how many times the named method was invoked.
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

// Statuses returns every status written for sessionID, in order.
func (m *SessionStore) Statuses(sessionID string) []memory.SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []memory.SessionStatus
	for _, c := range m.calls {
		if c.Method != "WriteStatus" {
			continue
		}
		if st := c.Args[0].(memory.SessionStatus); st.SessionID == sessionID {
			out = append(out, st)
		}
	}
	return out
}

// WriteEntry implements [memory.SessionStore].
func (m *SessionStore) WriteEntry(_ context.Context, sessionID string, entry memory.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteEntry", sessionID, entry)
	if m.WriteEntryErr != nil {
		return m.WriteEntryErr
	}
	if m.entries == nil {
		m.entries = make(map[string][]memory.TranscriptEntry)
	}
	entry.SessionID = sessionID
	m.entries[sessionID] = append(m.entries[sessionID], entry)
	return nil
}

// Entries implements [memory.SessionStore].
func (m *SessionStore) Entries(_ context.Context, sessionID string) ([]memory.TranscriptEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Entries", sessionID)
	if m.EntriesErr != nil {
		return nil, m.EntriesErr
	}
	out := slices.Clone(m.entries[sessionID])
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
	m.record("Search", query, opts)
	if m.EntriesErr != nil {
		return nil, m.EntriesErr
	}
	q := strings.ToLower(query)
	out := []memory.TranscriptEntry{}
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if opts.SessionID != "" && id != opts.SessionID {
			continue
		}
		for _, e := range m.entries[id] {
			if opts.Speaker != 0 && e.Speaker != opts.Speaker {
				continue
			}
			if strings.Contains(strings.ToLower(e.Text), q) {
				out = append(out, e)
			}
		}
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// WriteStatus implements [memory.SessionStore].
func (m *SessionStore) WriteStatus(_ context.Context, st memory.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteStatus", st)
	if m.WriteStatusErr != nil {
		return m.WriteStatusErr
	}
	if m.statuses == nil {
		m.statuses = make(map[string]memory.SessionStatus)
	}
	m.statuses[st.SessionID] = st
	return nil
}

// Status implements [memory.SessionStore].
func (m *SessionStore) Status(_ context.Context, sessionID string) (memory.SessionStatus, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Status", sessionID)
	st, ok := m.statuses[sessionID]
	return st, ok, nil
}

// Ping implements [memory.SessionStore].
func (m *SessionStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Ping")
	return m.PingErr
}

// Close implements [memory.SessionStore].
func (m *SessionStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Close")
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *SessionStore) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
