// Package undo holds soft-deleted events for a time-bounded restore
// window, one pending entry per session.
package undo

import (
	"sync"
	"time"

	"github.com/INDEVOPS/calendar/internal/model"
)

type entry struct {
	deletedAt time.Time
	ttl       time.Duration
	event     model.Event
}

// Buffer keeps at most one soft-deleted event per session key. Expiry is
// checked lazily on access; Sweep exists for housekeeping only.
type Buffer struct {
	mu      sync.Mutex
	entries map[string]entry

	// now is swappable for tests.
	now func() time.Time
}

// NewBuffer creates an empty undo buffer.
func NewBuffer() *Buffer {
	return &Buffer{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

// Remember parks a deleted event snapshot for the session, overwriting
// any previous pending entry.
func (b *Buffer) Remember(session string, ev model.Event, ttl time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[session] = entry{
		deletedAt: b.now(),
		ttl:       ttl,
		event:     ev.Clone(),
	}
}

// Restore returns and clears the session's pending snapshot. The second
// return value is false when no live entry exists; expired entries count
// as absent. The caller re-inserts the event into storage.
func (b *Buffer) Restore(session string) (model.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[session]
	if !ok {
		return model.Event{}, false
	}
	delete(b.entries, session)
	if b.expired(e) {
		return model.Event{}, false
	}
	return e.event, true
}

// Pending reports whether the session has a live entry without consuming it.
func (b *Buffer) Pending(session string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[session]
	return ok && !b.expired(e)
}

// Sweep drops every expired entry and returns how many were removed.
func (b *Buffer) Sweep() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for session, e := range b.entries {
		if b.expired(e) {
			delete(b.entries, session)
			removed++
		}
	}
	return removed
}

func (b *Buffer) expired(e entry) bool {
	return e.ttl > 0 && b.now().Sub(e.deletedAt) > e.ttl
}
