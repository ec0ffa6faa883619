// Package pool aggregates the clients and listeners of a cluster of
// engines and spreads originate traffic across them round-robin.
package pool

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/client"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/listener"
)

// Member is one engine's client/listener pair. MaxSessions, when set,
// caps the sessions this member will be handed by Next.
type Member struct {
	Client      *client.Client
	Listener    *listener.Listener
	MaxSessions int
}

// Pool owns N members. Aggregate counters are eventually consistent
// snapshots of the per-engine listeners.
type Pool struct {
	mu      sync.Mutex
	members []*Member
	next    int
}

// New assembles a pool from existing members.
func New(members []*Member) *Pool {
	return &Pool{members: members}
}

// FromAddrs builds a disconnected member per engine address.
func FromAddrs(addrs []string, password string) *Pool {
	members := make([]*Member, 0, len(addrs))
	for _, addr := range addrs {
		l := listener.New(addr, password)
		c := client.New(addr, password, l)
		members = append(members, &Member{Client: c, Listener: l})
	}
	return New(members)
}

// Members returns the member list.
func (p *Pool) Members() []*Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Member, len(p.members))
	copy(out, p.members)
	return out
}

// Size returns the member count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.members)
}

// Next returns the next member round-robin, skipping members at their
// session capacity. Returns nil when every member is saturated.
func (p *Pool) Next() *Member {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.members)
	for i := 0; i < n; i++ {
		m := p.members[p.next%n]
		p.next++
		if m.MaxSessions > 0 && m.Listener.CountSessions() >= m.MaxSessions {
			continue
		}
		return m
	}
	return nil
}

// ForEach applies fn to every member, stopping at the first error.
func (p *Pool) ForEach(fn func(*Member) error) error {
	for _, m := range p.Members() {
		if err := fn(m); err != nil {
			return err
		}
	}
	return nil
}

// ConnectAll dials every member's listener and client concurrently.
func (p *Pool) ConnectAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, m := range p.Members() {
		m := m
		g.Go(func() error {
			if err := m.Listener.Connect(ctx); err != nil {
				return err
			}
			return m.Client.Connect(ctx)
		})
	}
	return g.Wait()
}

// StartAll spawns every listener's event loop.
func (p *Pool) StartAll() error {
	return p.ForEach(func(m *Member) error { return m.Listener.Start() })
}

// StopAll stops every listener and disconnects every client.
func (p *Pool) StopAll() {
	var wg sync.WaitGroup
	for _, m := range p.Members() {
		wg.Add(1)
		go func(m *Member) {
			defer wg.Done()
			m.Listener.Stop()
			m.Client.Disconnect()
		}(m)
	}
	wg.Wait()
}

// LoadAppAll instantiates the app per member via factory and loads it
// under the shared consumer id.
func (p *Pool) LoadAppAll(factory app.Factory, cid string) error {
	loaded := make([]*Member, 0, len(p.members))
	name := ""
	for _, m := range p.Members() {
		a := factory()
		name = a.Name()
		if _, err := m.Client.LoadApp(a, cid); err != nil {
			for _, prev := range loaded {
				prev.Client.UnloadApp(name)
			}
			return err
		}
		loaded = append(loaded, m)
	}
	return nil
}

// HupallAll force-terminates every member's client-owned sessions.
func (p *Pool) HupallAll(ctx context.Context) error {
	var firstErr error
	for _, m := range p.Members() {
		if err := m.Client.Hupall(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// CountSessions sums live sessions across the cluster.
func (p *Pool) CountSessions() int {
	n := 0
	for _, m := range p.Members() {
		n += m.Listener.CountSessions()
	}
	return n
}

// CountCalls sums live calls across the cluster.
func (p *Pool) CountCalls() int {
	n := 0
	for _, m := range p.Members() {
		n += m.Listener.CountCalls()
	}
	return n
}

// CountJobs sums pending background jobs across the cluster.
func (p *Pool) CountJobs() int {
	n := 0
	for _, m := range p.Members() {
		n += m.Listener.CountJobs()
	}
	return n
}

// CountFailed sums failed sessions across the cluster.
func (p *Pool) CountFailed() int {
	n := 0
	for _, m := range p.Members() {
		n += m.Listener.CountFailed()
	}
	return n
}

// TotalOriginated sums originate transitions across the cluster.
func (p *Pool) TotalOriginated() int64 {
	var n int64
	for _, m := range p.Members() {
		n += m.Listener.TotalOriginated()
	}
	return n
}

// HangupCauses merges the per-cause hangup counters of every member.
func (p *Pool) HangupCauses() map[string]int64 {
	out := make(map[string]int64)
	for _, m := range p.Members() {
		for cause, n := range m.Listener.HangupCauses() {
			out[cause] += n
		}
	}
	return out
}

// FailedJobs merges the per-cause failed job counters of every member.
func (p *Pool) FailedJobs() map[string]int64 {
	out := make(map[string]int64)
	for _, m := range p.Members() {
		for cause, n := range m.Listener.FailedJobs() {
			out[cause] += n
		}
	}
	return out
}

// Evals runs an expression-style probe against every member and
// collects the results; the cluster analogue of a broadcast query.
func Evals[T any](p *Pool, fn func(*Member) T) []T {
	members := p.Members()
	out := make([]T, 0, len(members))
	for _, m := range members {
		out = append(out, fn(m))
	}
	return out
}
