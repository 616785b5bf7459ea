package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/medilearn/livevoice/pkg/memory"
)

// archiveQueueSize bounds the number of pending store writes. Session
// callbacks never block on the store; when the queue is full the write is
// dropped and logged.
const archiveQueueSize = 256

// archiveWriteTimeout bounds one store write.
const archiveWriteTimeout = 5 * time.Second

type archiveJob struct {
	entry  *memory.TranscriptEntry
	status *memory.SessionStatus
}

// archiver moves transcript entries and status updates from session callbacks
// to a [memory.SessionStore] on a single goroutine, so writes reach the store
// in the order they were produced.
type archiver struct {
	store memory.SessionStore
	jobs  chan archiveJob

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newArchiver(store memory.SessionStore) *archiver {
	a := &archiver{
		store: store,
		jobs:  make(chan archiveJob, archiveQueueSize),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

// Entry queues a transcript entry.
func (a *archiver) Entry(e memory.TranscriptEntry) {
	a.enqueue(archiveJob{entry: &e})
}

// Status queues a status update.
func (a *archiver) Status(st memory.SessionStatus) {
	a.enqueue(archiveJob{status: &st})
}

func (a *archiver) enqueue(j archiveJob) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.jobs <- j:
	default:
		slog.Warn("app: archive queue full, dropping write")
	}
}

func (a *archiver) loop() {
	defer close(a.done)
	for j := range a.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		switch {
		case j.entry != nil:
			if err := a.store.WriteEntry(ctx, j.entry.SessionID, *j.entry); err != nil {
				slog.Warn("app: archive transcript entry", "session_id", j.entry.SessionID, "err", err)
			}
		case j.status != nil:
			if err := a.store.WriteStatus(ctx, *j.status); err != nil {
				slog.Warn("app: publish session status", "session_id", j.status.SessionID, "err", err)
			}
		}
		cancel()
	}
}

// Close stops accepting writes and waits until the queue is drained or ctx
// expires.
func (a *archiver) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.jobs)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
