// Package cdr is the call-detail-record app: one appended row per
// originating call capturing the timestamps needed for signalling
// latency and load metrics.
package cdr

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// Row is one call's measurement record. Times are unix seconds; zero
// means the leg never reached that transition.
type Row struct {
	CallUUID       string
	AppID          string
	HangupCause    string
	CallerCreate   float64
	CallerAnswer   float64
	CallerReqOrig  float64
	CallerOrig     float64
	CallerHangup   float64
	JobLaunch      float64
	CalleeCreate   float64
	CalleeAnswer   float64
	CalleeHangup   float64
	FailedCalls    int
	ActiveSessions int
	Erlangs        int
}

// Store persists rows append-only.
type Store interface {
	Append(Row) error
}

type pendingCall struct {
	legs           []*models.Session
	activeSessions int
	erlangs        int
}

// CDR collects per-call rows as calls tear down. Load one instance per
// client; hand every instance the same Store and a pool-wide Counter so
// the load columns reflect the whole cluster.
type CDR struct {
	counts app.Counter
	store  Store
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingCall
}

// New builds the app. counts may be nil when cluster load columns are
// not wanted.
func New(counts app.Counter, store Store) *CDR {
	return &CDR{
		counts:  counts,
		store:   store,
		logger:  log.WithComponent("cdr"),
		pending: make(map[string]*pendingCall),
	}
}

// Name implements app.Application.
func (c *CDR) Name() string { return "cdr" }

// Bindings implements app.Application.
func (c *CDR) Bindings() []app.Binding {
	return []app.Binding{
		{Event: "CHANNEL_CREATE", Fn: c.onCreate},
		{Event: "CHANNEL_HANGUP_COMPLETE", Fn: c.onHangupComplete},
	}
}

func (c *CDR) key(pay *app.Payload) string {
	if pay.Call != nil {
		return pay.Call.UUID
	}
	if uuid := pay.Sess.CallUUID(); uuid != "" {
		return uuid
	}
	return pay.Sess.UUID
}

// onCreate snapshots cluster load at call setup time.
func (c *CDR) onCreate(pay *app.Payload) {
	if pay.Sess == nil {
		return
	}
	key := c.key(pay)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[key]; exists {
		return
	}
	pc := &pendingCall{}
	if c.counts != nil {
		pc.activeSessions = c.counts.CountSessions()
		pc.erlangs = c.counts.CountCalls()
	}
	c.pending[key] = pc
}

// onHangupComplete accumulates finalized legs and writes the row when
// the last leg of the call is gone.
func (c *CDR) onHangupComplete(pay *app.Payload) {
	sess := pay.Sess
	if sess == nil {
		return
	}
	key := c.key(pay)

	c.mu.Lock()
	pc := c.pending[key]
	if pc == nil {
		pc = &pendingCall{}
		c.pending[key] = pc
	}
	pc.legs = append(pc.legs, sess)
	if pay.Call != nil && pay.Call.NumSessions() > 0 {
		// more legs still up; wait for them
		c.mu.Unlock()
		return
	}
	delete(c.pending, key)
	c.mu.Unlock()

	row := c.buildRow(key, pc, pay.Job)
	if err := c.store.Append(row); err != nil {
		c.logger.Error().Str("call", key).Err(err).Msg("cdr append failed")
	}
}

func (c *CDR) buildRow(key string, pc *pendingCall, job *models.Job) Row {
	caller := pc.legs[0]
	var callee *models.Session
	for _, leg := range pc.legs {
		if leg.Outbound() {
			caller = leg
			break
		}
	}
	for _, leg := range pc.legs {
		if leg != caller {
			callee = leg
			break
		}
	}
	if job == nil {
		job = caller.BgJob()
	}

	ct := caller.Times()
	row := Row{
		CallUUID:       key,
		AppID:          caller.AppName(),
		HangupCause:    caller.HangupCause(),
		CallerCreate:   unix(ct.Create),
		CallerAnswer:   unix(ct.Answer),
		CallerReqOrig:  unix(ct.ReqOriginate),
		CallerOrig:     unix(ct.Originate),
		CallerHangup:   unix(ct.Hangup),
		ActiveSessions: pc.activeSessions,
		Erlangs:        pc.erlangs,
	}
	if job != nil {
		row.JobLaunch = unix(job.LaunchTime)
	}
	if callee != nil {
		et := callee.Times()
		row.CalleeCreate = unix(et.Create)
		row.CalleeAnswer = unix(et.Answer)
		row.CalleeHangup = unix(et.Hangup)
	}
	if c.counts != nil {
		row.FailedCalls = c.counts.CountFailed()
	}
	return row
}

func unix(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixMicro()) / 1e6
}
