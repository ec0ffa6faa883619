// Package models holds the entities tracked by an engine listener:
// sessions, calls, background jobs and their rolling event history.
package models

import (
	"sync"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
)

// historyDepth bounds the per-session event ring.
const historyDepth = 512

// Events is a most-recent-first collection of received events. Header
// lookups walk from the newest event backwards so later values shadow
// earlier ones.
type Events struct {
	mu   sync.RWMutex
	ring []*esl.Message
}

// NewEvents seeds the history with an initial event, which may be nil.
func NewEvents(ev *esl.Message) *Events {
	e := &Events{}
	if ev != nil {
		e.Update(ev)
	}
	return e
}

// Update prepends an event, evicting the oldest past historyDepth.
func (e *Events) Update(ev *esl.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ring = append([]*esl.Message{ev}, e.ring...)
	if len(e.ring) > historyDepth {
		e.ring = e.ring[:historyDepth]
	}
}

// Len returns the number of retained events.
func (e *Events) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.ring)
}

// Latest returns the most recently received event, or nil.
func (e *Events) Latest() *esl.Message {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.ring) == 0 {
		return nil
	}
	return e.ring[0]
}

// Get returns the newest value seen for a header across the history.
func (e *Events) Get(name string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ev := range e.ring {
		if v, ok := ev.Lookup(name); ok && v != "" {
			return v, true
		}
	}
	return "", false
}
