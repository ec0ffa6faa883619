// Package router is the public dispatch app for call-control logic:
// guarded, pattern-matched routes over parked sessions.
package router

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// Action is a route callback's verdict on further dispatch.
type Action int

const (
	// Continue lets later routes for the event run.
	Continue Action = iota
	// StopRouting skips all remaining routes for this event.
	StopRouting
)

// RouteFunc handles a matched session. match holds the regexp
// submatches from the route's pattern.
type RouteFunc func(ctx context.Context, sess *models.Session, match []string, r *Router) Action

// Route pairs a header field and pattern with its callback. Routes run
// in registration order; the first pattern match invokes the callback.
type Route struct {
	Field   string
	Pattern *regexp.Regexp
	Fn      RouteFunc
}

// Router dispatches parked sessions through guard checks and ordered
// pattern routes. Load it on a client like any other application.
type Router struct {
	mu     sync.Mutex
	guards map[string]string
	routes []Route
	logger zerolog.Logger

	// CommandTimeout bounds the engine commands issued by route
	// callbacks through the session helpers.
	CommandTimeout time.Duration
}

// New builds a router with header guards that must all match before
// any route is tried. A nil guards map admits every session.
func New(guards map[string]string) *Router {
	if guards == nil {
		guards = make(map[string]string)
	}
	return &Router{
		guards:         guards,
		logger:         log.WithComponent("router"),
		CommandTimeout: 5 * time.Second,
	}
}

// Name implements app.Application.
func (r *Router) Name() string { return "router" }

// AddRoute compiles and appends a route. Patterns are anchored the way
// the caller writes them; no implicit anchoring.
func (r *Router) AddRoute(field, pattern string, fn RouteFunc) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return models.Configf("route pattern %q: %v", pattern, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, Route{Field: field, Pattern: re, Fn: fn})
	return nil
}

// Bindings implements app.Application: the router consumes parked
// sessions.
func (r *Router) Bindings() []app.Binding {
	return []app.Binding{
		{Event: "CHANNEL_PARK", Fn: r.onPark},
	}
}

func (r *Router) onPark(pay *app.Payload) {
	sess := pay.Sess
	if sess == nil {
		return
	}
	r.mu.Lock()
	guards := r.guards
	routes := make([]Route, len(r.routes))
	copy(routes, r.routes)
	timeout := r.CommandTimeout
	r.mu.Unlock()

	for field, want := range guards {
		got, _ := sess.Get(field)
		if got != want {
			r.logger.Warn().
				Str("uuid", sess.UUID).
				Str("field", field).
				Msg("session did not pass guards")
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, route := range routes {
		value, ok := sess.Get(route.Field)
		if !ok {
			continue
		}
		match := route.Pattern.FindStringSubmatch(value)
		if match == nil {
			continue
		}
		if route.Fn(ctx, sess, match, r) == StopRouting {
			return
		}
	}
}

// BridgeToDest is the stock route callback: bridge the parked session
// to its own SIP request uri.
func BridgeToDest(ctx context.Context, sess *models.Session, _ []string, r *Router) Action {
	if err := sess.Bridge(ctx, models.BridgeOptions{}); err != nil {
		r.logger.Error().Str("uuid", sess.UUID).Err(err).Msg("bridge failed")
	}
	return StopRouting
}

func init() {
	app.Register("router", func() app.Application {
		r := New(nil)
		// proxy everything to the request uri by default
		r.AddRoute("variable_sip_req_uri", ".*", BridgeToDest)
		return r
	})
}
