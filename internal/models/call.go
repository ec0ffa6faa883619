package models

import (
	"context"
	"sync"
)

// Call is one correlated user call: the ordered set of sessions sharing
// a correlation tag (caller first, callee last). The call owns the
// session list; sessions carry only the call uuid back-reference.
type Call struct {
	UUID string

	mu       sync.RWMutex
	sessions []*Session
	vars     map[string]interface{}
}

// NewCall starts a call from its first correlated session.
func NewCall(uuid string, first *Session) *Call {
	c := &Call{
		UUID: uuid,
		vars: make(map[string]interface{}),
	}
	if first != nil {
		c.sessions = append(c.sessions, first)
		first.BindCall(uuid)
	}
	return c
}

// Append adds a later leg to this call.
func (c *Call) Append(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	s.BindCall(c.UUID)
}

// Remove drops a hung-up leg and reports how many remain.
func (c *Call) Remove(s *Session) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, have := range c.sessions {
		if have == s {
			c.sessions = append(c.sessions[:i], c.sessions[i+1:]...)
			break
		}
	}
	return len(c.sessions)
}

// NumSessions returns the live leg count.
func (c *Call) NumSessions() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

// First returns the initial (caller) leg, or nil.
func (c *Call) First() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[0]
}

// Last returns the most recently added (callee) leg, or nil.
func (c *Call) Last() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) == 0 {
		return nil
	}
	return c.sessions[len(c.sessions)-1]
}

// Peer returns the other leg of a two-party call, or nil.
func (c *Call) Peer(s *Session) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.sessions) < 2 {
		return nil
	}
	if c.sessions[0] == s {
		return c.sessions[len(c.sessions)-1]
	}
	if c.sessions[len(c.sessions)-1] == s {
		return c.sessions[0]
	}
	return nil
}

// Sessions returns a snapshot of the leg list.
func (c *Call) Sessions() []*Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Session, len(c.sessions))
	copy(out, c.sessions)
	return out
}

// SetVar / GetVar manage app scratch state shared across the call.
func (c *Call) SetVar(name string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars[name] = value
}

func (c *Call) GetVar(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.vars[name]
	return v, ok
}

// Hangup terminates the call by hanging up its first leg.
func (c *Call) Hangup(ctx context.Context) error {
	first := c.First()
	if first == nil {
		return nil
	}
	return first.Hangup(ctx, "")
}
