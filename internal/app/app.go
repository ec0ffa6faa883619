// Package app defines the plug-in contract for call-control
// applications and the registry used for discovery.
package app

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// Payload carries the output of a built-in listener handler into the
// application callback chain. Sess is set for channel events, Job for
// background-job events; Event is always the raw message.
type Payload struct {
	Event *esl.Message
	Sess  *models.Session
	Call  *models.Call
	Job   *models.Job
}

// EventFunc is one application callback. Errors and panics raised here
// are logged by the listener and never stop its event loop.
type EventFunc func(*Payload)

// Binding associates an event name (or CUSTOM subclass like
// "mod_bert::timeout") with a callback.
type Binding struct {
	Event string
	Fn    EventFunc
}

// Application is the plug-in contract: a named set of event bindings.
// Loading registers every binding atomically on a client's listener.
type Application interface {
	Name() string
	Bindings() []Binding
}

// Env is handed to Preposter hooks at load time.
type Env struct {
	Client Commander
	Counts Counter
}

// Commander is the slice of a client that apps may drive.
type Commander interface {
	ID() string
	API(ctx context.Context, cmd string) (*esl.Message, error)
	Cmd(ctx context.Context, cmd string) (string, error)
}

// Counter exposes aggregate load figures (listener- or pool-wide).
type Counter interface {
	CountSessions() int
	CountCalls() int
	CountFailed() int
}

// Preposter is an optional pre-load hook; returning an error aborts the
// load with nothing registered.
type Preposter interface {
	Prepost(env Env) error
}

// Finalizer is an optional unload hook.
type Finalizer interface {
	Finalize() error
}

// Factory builds a fresh application instance for one client.
type Factory func() Application

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register adds a discoverable application factory. Intended for
// package init functions; duplicate names panic.
func Register(name string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("app: duplicate registration for %q", name))
	}
	registry[name] = f
}

// New instantiates a registered application by name.
func New(name string) (Application, error) {
	regMu.RLock()
	f, ok := registry[name]
	regMu.RUnlock()
	if !ok {
		return nil, models.Configf("unknown app %q", name)
	}
	return f(), nil
}

// Names lists the registered applications, sorted.
func Names() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
