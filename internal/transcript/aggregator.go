// Package transcript keeps the running transcript of a live voice session.
//
// The endpoint streams transcript fragments for both sides of the
// conversation. An [Aggregator] stores each fragment as its own entry, in
// arrival order, and hands it to observers such as the archive writer and
// the console printer.
package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/medilearn/livevoice/internal/observe"
	"github.com/medilearn/livevoice/pkg/memory"
)

// Observer is called with every entry appended to an [Aggregator]. It runs
// on the appending goroutine, outside the aggregator's lock, and must not
// block for long.
type Observer func(entry memory.TranscriptEntry)

// Labels are the display names of the two speakers.
type Labels struct {
	Caller string
	Remote string
}

// DefaultLabels renders the caller as "You" and the model as "Gemini".
var DefaultLabels = Labels{Caller: "You", Remote: "Gemini"}

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithObserver adds an observer. Observers run in registration order.
func WithObserver(o Observer) AggregatorOption {
	return func(a *Aggregator) { a.observers = append(a.observers, o) }
}

// WithLabels overrides [DefaultLabels]. Empty fields keep their default.
func WithLabels(l Labels) AggregatorOption {
	return func(a *Aggregator) {
		if l.Caller != "" {
			a.labels.Caller = l.Caller
		}
		if l.Remote != "" {
			a.labels.Remote = l.Remote
		}
	}
}

// WithMetrics records every appended entry. Default: no metrics.
func WithMetrics(m *observe.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) AggregatorOption {
	return func(a *Aggregator) { a.now = now }
}

// Aggregator is the append-only transcript log of one session attempt.
// Fragments are stored exactly as received, one entry each; nothing is
// merged, deduplicated or rewritten.
//
// Aggregator is safe for concurrent use.
type Aggregator struct {
	base      Labels
	labels    Labels
	observers []Observer
	metrics   *observe.Metrics
	now       func() time.Time

	mu        sync.Mutex
	sessionID string
	entries   []memory.TranscriptEntry
	seq       map[memory.Speaker]int
}

// NewAggregator returns an empty log for sessionID.
func NewAggregator(sessionID string, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		labels:    DefaultLabels,
		now:       time.Now,
		sessionID: sessionID,
		seq:       make(map[memory.Speaker]int),
	}
	for _, o := range opts {
		o(a)
	}
	a.base = a.labels
	return a
}

// Append records one fragment and returns the stored entry. Sequence
// numbers count per speaker from 1.
func (a *Aggregator) Append(speaker memory.Speaker, text string) memory.TranscriptEntry {
	a.mu.Lock()
	a.seq[speaker]++
	e := memory.TranscriptEntry{
		Speaker:   speaker,
		Text:      text,
		Sequence:  a.seq[speaker],
		SessionID: a.sessionID,
		Timestamp: a.now(),
	}
	a.entries = append(a.entries, e)
	a.mu.Unlock()

	if a.metrics != nil {
		a.metrics.RecordTranscriptEntry(context.Background(), speaker.String())
	}
	for _, o := range a.observers {
		o(e)
	}
	return e
}

// Entries returns a copy of the log in append order.
func (a *Aggregator) Entries() []memory.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]memory.TranscriptEntry(nil), a.entries...)
}

// Len returns the number of entries.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// SessionID returns the session the log currently belongs to.
func (a *Aggregator) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Reset starts a fresh log for sessionID. Snapshots taken earlier are not
// affected.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
	a.entries = nil
	clear(a.seq)
}

// SetLabels replaces the display names used by Label and Line. Empty fields
// fall back to the labels the aggregator was created with, never to those of
// an earlier SetLabels call.
func (a *Aggregator) SetLabels(l Labels) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.labels = a.base
	if l.Caller != "" {
		a.labels.Caller = l.Caller
	}
	if l.Remote != "" {
		a.labels.Remote = l.Remote
	}
}

// Label returns the display name of speaker.
func (a *Aggregator) Label(speaker memory.Speaker) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch speaker {
	case memory.SpeakerCaller:
		return a.labels.Caller
	case memory.SpeakerRemote:
		return a.labels.Remote
	}
	return speaker.String()
}

// Line renders e as a console line, e.g. "You: hello".
func (a *Aggregator) Line(e memory.TranscriptEntry) string {
	return a.Label(e.Speaker) + ": " + e.Text
}
