package mcp

import (
	"sync"
	"time"
)

// readTracker records recent memory_read and context_snapshot calls so
// handleWrite can detect when a caller skips the read-before-write workflow
// and nudge them.
//
// Entries are keyed by client (session id, or one shared bucket for
// anonymous local callers) with a time window. This is an in-memory,
// per-process structure; it does not survive restarts, which is acceptable
// because the nudge is advisory, not a gate.
type readTracker struct {
	mu     sync.Mutex
	reads  map[string]time.Time
	window time.Duration
}

func newReadTracker(window time.Duration) *readTracker {
	return &readTracker{
		reads:  make(map[string]time.Time),
		window: window,
	}
}

// Record notes that the given client read from memory.
func (t *readTracker) Record(client string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reads[client] = time.Now()

	// Lazy cleanup: purge stale entries once the map has grown large, so
	// many distinct session ids cannot grow it without bound.
	if len(t.reads) > 1000 {
		t.purgeStale()
	}
}

// WasRead reports whether the given client read from memory within the
// configured window.
func (t *readTracker) WasRead(client string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.reads[client]
	if !ok {
		return false
	}
	if time.Since(ts) > t.window {
		delete(t.reads, client)
		return false
	}
	return true
}

// purgeStale removes entries older than the window. Must be called with mu
// held.
func (t *readTracker) purgeStale() {
	now := time.Now()
	for k, ts := range t.reads {
		if now.Sub(ts) > t.window {
			delete(t.reads, k)
		}
	}
}
