package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/seance/internal/observe"
	"github.com/MrWong99/seance/internal/transcript"
	"github.com/MrWong99/seance/pkg/memory"
)

const (
	archiveQueueSize    = 256
	archiveWriteTimeout = 5 * time.Second
)

type archiveItem struct {
	sessionID string
	entry     memory.TranscriptEntry
}

// archiver writes committed transcript entries to the store on its own
// goroutine so that database latency never stalls the session's inbound
// loop. Entries that do not fit in the queue are dropped and counted.
type archiver struct {
	store   memory.SessionStore
	metrics *observe.Metrics

	mu     sync.Mutex
	closed bool
	queue  chan archiveItem
	done   chan struct{}
}

func newArchiver(store memory.SessionStore, metrics *observe.Metrics) *archiver {
	a := &archiver{
		store:   store,
		metrics: metrics,
		queue:   make(chan archiveItem, archiveQueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Enqueue schedules e for archiving. It never blocks.
func (a *archiver) Enqueue(sessionID string, e transcript.Entry) {
	item := archiveItem{sessionID: sessionID, entry: toMemoryEntry(e)}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- item:
	default:
		a.metrics.ArchiveErrors.Add(context.Background(), 1)
		slog.Warn("archive queue full, dropping transcript entry", "session_id", sessionID, "entry_id", e.ID)
	}
}

// Close stops accepting entries and waits until the queued ones are written.
func (a *archiver) Close() error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
	return nil
}

func (a *archiver) run() {
	defer close(a.done)
	for item := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
		err := a.store.WriteEntry(ctx, item.sessionID, item.entry)
		cancel()
		if err != nil {
			a.metrics.ArchiveErrors.Add(context.Background(), 1)
			slog.Warn("failed to archive transcript entry", "session_id", item.sessionID, "entry_id", item.entry.ID, "err", err)
		}
	}
}

func toMemoryEntry(e transcript.Entry) memory.TranscriptEntry {
	return memory.TranscriptEntry{
		ID:        e.ID,
		Speaker:   e.Speaker.String(),
		Kind:      e.Kind.String(),
		Text:      e.Content,
		Timestamp: e.CreatedAt,
	}
}
