// Package engine is the DB-backed inventory of cluster engines used by
// the CLI to resolve host lists.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/db"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
)

// Engine is one FreeSWITCH process reachable over ESL.
type Engine struct {
	ID          int
	Name        string
	Host        string
	Port        int
	Password    string
	Profile     string
	MaxSessions int
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Addr renders the host:port ESL endpoint.
func (e *Engine) Addr() string {
	return fmt.Sprintf("%s:%d", e.Host, e.Port)
}

// Registry caches the engines table in memory.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]*Engine
}

// NewRegistry builds an empty registry; call Load to populate it.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]*Engine)}
}

// Load reads all active engines from the database.
func (r *Registry) Load() error {
	rows, err := db.DB.Query(`
		SELECT id, name, host, port, password, profile, max_sessions, active
		FROM engines
		WHERE active = TRUE`)
	if err != nil {
		return err
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines = make(map[string]*Engine)
	for rows.Next() {
		e := &Engine{}
		if err := rows.Scan(&e.ID, &e.Name, &e.Host, &e.Port, &e.Password,
			&e.Profile, &e.MaxSessions, &e.Active); err != nil {
			engineLogger := log.WithComponent("engine")
			engineLogger.Warn().Err(err).Msg("skipping bad engine row")
			continue
		}
		r.engines[e.Name] = e
	}
	engineLogger := log.WithComponent("engine")
	engineLogger.Info().Int("engines", len(r.engines)).Msg("registry loaded")
	return rows.Err()
}

// Add upserts an engine record.
func (r *Registry) Add(e *Engine) error {
	if e.Name == "" || e.Host == "" {
		return fmt.Errorf("engine name and host are required")
	}
	if e.Port == 0 {
		e.Port = 8021
	}
	if e.Password == "" {
		e.Password = "ClueCon"
	}
	if e.Profile == "" {
		e.Profile = "external"
	}

	query := `
		INSERT INTO engines (name, host, port, password, profile, max_sessions, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			host = VALUES(host),
			port = VALUES(port),
			password = VALUES(password),
			profile = VALUES(profile),
			max_sessions = VALUES(max_sessions),
			active = VALUES(active)`

	result, err := db.DB.Exec(query, e.Name, e.Host, e.Port, e.Password,
		e.Profile, e.MaxSessions, e.Active)
	if err != nil {
		return err
	}
	if e.ID == 0 {
		id, _ := result.LastInsertId()
		e.ID = int(id)
	}

	r.mu.Lock()
	r.engines[e.Name] = e
	r.mu.Unlock()
	return nil
}

// Get returns an engine by name.
func (r *Registry) Get(name string) (*Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %s not found", name)
	}
	return e, nil
}

// List returns every cached engine.
func (r *Registry) List() []*Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e)
	}
	return out
}

// Delete removes an engine record.
func (r *Registry) Delete(name string) error {
	if _, err := db.DB.Exec("DELETE FROM engines WHERE name = ?", name); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.engines, name)
	r.mu.Unlock()
	return nil
}

// Addrs returns the ESL addresses of every active engine.
func (r *Registry) Addrs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for _, e := range r.engines {
		out = append(out, e.Addr())
	}
	return out
}
