// Package listener tracks one engine's live state over ESL: the
// session and call tables, background jobs, built-in event handlers and
// the application callback chain.
package listener

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// Correlation and attribution variables planted by originating clients.
const (
	// CallVar is the engine-local channel variable used to associate
	// legs when bridging happens on the same engine.
	CallVar = "call_uuid"
	// CorrXHeader tags both legs of a call through an intermediary
	// that forwards X-headers.
	CorrXHeader = "sip_h_X-originating_session_uuid"
	// ClientXHeader attributes a session to its owning client.
	ClientXHeader = "sip_h_X-switchd_client"
	// ClientVar is the channel-variable form of the client id used by
	// hupall filtering.
	ClientVar = "switchd_client"
	// AppVar attributes a session to the app that should consume its
	// events.
	AppVar = "switchd_app"

	defaultConsumer = "default"
)

// DefaultEvents is the stock subscription set required by the built-in
// handlers.
var DefaultEvents = []string{
	"CHANNEL_CREATE",
	"CHANNEL_ORIGINATE",
	"CHANNEL_ANSWER",
	"CHANNEL_HANGUP",
	"CHANNEL_HANGUP_COMPLETE",
	"CHANNEL_PARK",
	"CHANNEL_BRIDGE",
	"BACKGROUND_JOB",
	"SERVER_DISCONNECTED",
}

// HandlerFunc is a built-in event handler. It returns whether the event
// was consumed plus the payload handed to the application callback
// chain. A non-consumed event is dropped from further processing.
type HandlerFunc func(*esl.Message) (bool, *app.Payload)

// Listener observes one engine and maintains its authoritative session
// and call model. State tables are written only by the event loop;
// external readers use the snapshot accessors.
type Listener struct {
	addr     string
	password string
	logger   zerolog.Logger

	mu       sync.RWMutex
	conn     *esl.Connection
	sessions map[string]*models.Session
	calls    map[string]*models.Call
	jobs     map[string]*models.Job

	handlers  map[string]HandlerFunc
	consumers map[string]map[string][]app.EventFunc
	subRefs   map[string]int

	hangupCauses    map[string]int64
	failedSessions  map[string]int64
	failedJobs      map[string]int64
	totalOriginated int64
	totalAnswered   int64

	waiters map[string]map[string][]chan struct{}

	runner   models.Runner
	running  bool
	loopDone chan struct{}
}

// New builds a disconnected listener for one engine address.
func New(addr, password string) *Listener {
	l := &Listener{
		addr:           addr,
		password:       password,
		logger:         log.WithComponent("listener").With().Str("engine", addr).Logger(),
		sessions:       make(map[string]*models.Session),
		calls:          make(map[string]*models.Call),
		jobs:           make(map[string]*models.Job),
		handlers:       make(map[string]HandlerFunc),
		consumers:      make(map[string]map[string][]app.EventFunc),
		subRefs:        make(map[string]int),
		hangupCauses:   make(map[string]int64),
		failedSessions: make(map[string]int64),
		failedJobs:     make(map[string]int64),
		waiters:        make(map[string]map[string][]chan struct{}),
	}
	l.handlers["CHANNEL_CREATE"] = l.handleCreate
	l.handlers["CHANNEL_ORIGINATE"] = l.handleOriginate
	l.handlers["CHANNEL_ANSWER"] = l.handleAnswer
	l.handlers["CHANNEL_HANGUP"] = l.handleHangup
	l.handlers["CHANNEL_HANGUP_COMPLETE"] = l.handleHangupComplete
	l.handlers["CHANNEL_PARK"] = l.lookupSess
	l.handlers["CHANNEL_BRIDGE"] = l.lookupSess
	l.handlers["BACKGROUND_JOB"] = l.handleBackgroundJob
	l.handlers["SERVER_DISCONNECTED"] = l.handleServerDisconnect
	l.handlers["LOG"] = l.handleLog
	for _, ev := range DefaultEvents {
		l.subRefs[ev] = 1
	}
	return l
}

// Addr returns the engine address this listener observes.
func (l *Listener) Addr() string { return l.addr }

// AttachRunner wires the command connection handed to tracked sessions
// for call control.
func (l *Listener) AttachRunner(r models.Runner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runner = r
}

// Connect dials the engine, authenticates and subscribes the current
// event set. It does not start the event loop.
func (l *Listener) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.conn != nil && l.conn.Connected() {
		l.mu.Unlock()
		return models.Configf("listener for %s is already connected", l.addr)
	}
	events := make([]string, 0, len(l.subRefs))
	for ev := range l.subRefs {
		events = append(events, ev)
	}
	l.mu.Unlock()

	conn, err := esl.Dial(l.addr, l.password)
	if err != nil {
		return err
	}
	if err := conn.Subscribe(ctx, events...); err != nil {
		conn.Close()
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	l.logger.Info().Msg("connected")
	return nil
}

// Connected reports whether the receive connection is up.
func (l *Listener) Connected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil && l.conn.Connected()
}

// Start spawns the event loop. Calling Start on a running listener is a
// no-op.
func (l *Listener) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return models.Configf("call Connect before Start")
	}
	if l.running {
		return nil
	}
	l.running = true
	l.loopDone = make(chan struct{})
	go l.run(l.conn)
	return nil
}

// Alive reports whether the event loop is executing.
func (l *Listener) Alive() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Stop closes the connection, waits for the event loop to drain and
// fails every pending job with the connection-lost error.
func (l *Listener) Stop() {
	l.mu.Lock()
	conn := l.conn
	done := l.loopDone
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if done != nil {
		<-done
	}
	l.failPendingJobs()
	l.logger.Info().Msg("stopped")
}

// run is the per-engine event loop: classify, dispatch to the built-in
// handler, then fan out to app callbacks. Receive order is preserved;
// handler and callback failures are isolated.
func (l *Listener) run(conn *esl.Connection) {
	defer func() {
		l.mu.Lock()
		l.running = false
		close(l.loopDone)
		l.mu.Unlock()
	}()

	for msg := range conn.Messages() {
		if msg.Kind == esl.KindDisconnectNotice {
			l.logger.Warn().Msg("engine disconnected")
			continue
		}
		evname := msg.EventName()
		if evname == "" {
			l.logger.Warn().Msg("received unnamed event")
			continue
		}
		l.dispatch(evname, msg)
	}
	l.failPendingJobs()
}

func (l *Listener) dispatch(evname string, msg *esl.Message) {
	l.mu.RLock()
	h := l.handlers[evname]
	l.mu.RUnlock()
	if h == nil {
		if strings.Contains(evname, "::") {
			// unclaimed CUSTOM subclass: fall back to session lookup
			h = l.lookupSess
		} else {
			l.logger.Debug().Str("event", evname).Msg("no handler")
			return
		}
	}

	consumed, pay := l.safeHandle(evname, h, msg)
	if !consumed || pay == nil {
		return
	}

	cid := l.consumerID(pay, msg)
	l.mu.RLock()
	var cbs []app.EventFunc
	if byEvent, ok := l.consumers[cid]; ok {
		cbs = append(cbs, byEvent[evname]...)
	}
	l.mu.RUnlock()
	for _, cb := range cbs {
		l.safeCall(evname, cb, pay)
	}

	if pay.Sess != nil {
		l.wakeWaiters(pay.Sess)
	}
}

func (l *Listener) safeHandle(evname string, h HandlerFunc, msg *esl.Message) (consumed bool, pay *app.Payload) {
	defer func() {
		if r := recover(); r != nil {
			consumed, pay = false, nil
			l.logger.Error().
				Str("event", evname).
				Str("uuid", msg.UUID()).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()
	return h(msg)
}

func (l *Listener) safeCall(evname string, cb app.EventFunc, pay *app.Payload) {
	defer func() {
		if r := recover(); r != nil {
			uuid := ""
			if pay.Sess != nil {
				uuid = pay.Sess.UUID
			}
			l.logger.Error().
				Str("event", evname).
				Str("uuid", uuid).
				Interface("panic", r).
				Msg("app callback panicked")
		}
	}()
	cb(pay)
}

// consumerID attributes an event to the client/app that owns it.
func (l *Listener) consumerID(pay *app.Payload, msg *esl.Message) string {
	if pay.Sess != nil && pay.Sess.ClientID != "" {
		return pay.Sess.ClientID
	}
	if pay.Job != nil && pay.Job.ClientID != "" {
		return pay.Job.ClientID
	}
	return eventClientID(msg)
}

func eventClientID(msg *esl.Message) string {
	for _, name := range []string{
		"variable_" + AppVar,
		"variable_sip_h_X-" + AppVar,
		"variable_" + ClientXHeader,
	} {
		if id := msg.Get(name); id != "" {
			return id
		}
	}
	return defaultConsumer
}

// AddHandler registers a built-in handler for an event type. Fails if
// one is already installed.
func (l *Listener) AddHandler(evname string, h HandlerFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.handlers[evname]; dup {
		return models.Configf("handler for %s already exists", evname)
	}
	l.handlers[evname] = h
	return nil
}

// AddCallback appends an application callback for (consumer id, event).
func (l *Listener) AddCallback(cid, evname string, fn app.EventFunc) error {
	if fn == nil {
		return models.Configf("nil callback for event %s", evname)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	byEvent, ok := l.consumers[cid]
	if !ok {
		byEvent = make(map[string][]app.EventFunc)
		l.consumers[cid] = byEvent
	}
	byEvent[evname] = append(byEvent[evname], fn)
	return nil
}

// CallbackCount reports how many callbacks are filed under a consumer
// id across all events.
func (l *Listener) CallbackCount(cid string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := 0
	for _, cbs := range l.consumers[cid] {
		n += len(cbs)
	}
	return n
}

// RemoveCallbacks drops every callback registered under a consumer id.
func (l *Listener) RemoveCallbacks(cid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.consumers, cid)
}

// RefEvents bumps subscription refcounts, subscribing the connection to
// any event types that are new.
func (l *Listener) RefEvents(ctx context.Context, events []string) error {
	l.mu.Lock()
	var fresh []string
	for _, ev := range events {
		if l.subRefs[ev] == 0 {
			fresh = append(fresh, ev)
		}
		l.subRefs[ev]++
	}
	conn := l.conn
	l.mu.Unlock()
	if len(fresh) == 0 || conn == nil {
		return nil
	}
	return conn.Subscribe(ctx, fresh...)
}

// UnrefEvents drops subscription refcounts, unsubscribing event types
// that reach zero.
func (l *Listener) UnrefEvents(ctx context.Context, events []string) error {
	l.mu.Lock()
	var gone []string
	for _, ev := range events {
		if l.subRefs[ev] == 0 {
			continue
		}
		l.subRefs[ev]--
		if l.subRefs[ev] == 0 {
			delete(l.subRefs, ev)
			gone = append(gone, ev)
		}
	}
	conn := l.conn
	l.mu.Unlock()
	if len(gone) == 0 || conn == nil || !conn.Connected() {
		return nil
	}
	return conn.Unsubscribe(ctx, gone...)
}

// Unsubscribe is the convenience form of UnrefEvents for one event.
func (l *Listener) Unsubscribe(ctx context.Context, evname string) error {
	return l.UnrefEvents(ctx, []string{evname})
}

// RegisterJob tracks a background job so the BACKGROUND_JOB handler can
// resolve it. Must be called before the bgapi command is written, which
// the client guarantees by generating the Job-UUID locally.
func (l *Listener) RegisterJob(j *models.Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs[j.UUID] = j
}

// ReserveSession pre-allocates a session slot for an originate request
// so callers can look it up before the first channel event arrives.
func (l *Listener) ReserveSession(uuid, clientID string) *models.Session {
	sess := models.NewSession(uuid, nil)
	sess.ClientID = clientID
	sess.SetTimes(func(t *models.SessionTimes) { t.ReqOriginate = time.Now() })
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.runner != nil {
		sess.AttachRunner(l.runner)
	}
	l.sessions[uuid] = sess
	return sess
}

// DropSession discards a reserved session whose originate never made
// it onto the wire.
func (l *Listener) DropSession(uuid string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, uuid)
}

func (l *Listener) failPendingJobs() {
	l.mu.Lock()
	jobs := l.jobs
	l.jobs = make(map[string]*models.Job)
	l.mu.Unlock()
	for _, j := range jobs {
		j.Fail(esl.ErrConnectionLost)
	}
	if len(jobs) > 0 {
		l.logger.Warn().Int("jobs", len(jobs)).Msg("failed pending jobs on connection loss")
	}
}

// WaitFor blocks until the app-local session variable name is set (by a
// callback) or the context expires. Must not be called from the event
// loop itself.
func (l *Listener) WaitFor(ctx context.Context, sess *models.Session, name string) error {
	if _, ok := sess.GetVar(name); ok {
		return nil
	}
	ch := make(chan struct{})
	l.mu.Lock()
	byVar, ok := l.waiters[sess.UUID]
	if !ok {
		byVar = make(map[string][]chan struct{})
		l.waiters[sess.UUID] = byVar
	}
	byVar[name] = append(byVar[name], ch)
	l.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		l.dropWaiter(sess.UUID, name, ch)
		return ctx.Err()
	}
}

func (l *Listener) dropWaiter(uuid, name string, ch chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	chans := l.waiters[uuid][name]
	for i, have := range chans {
		if have == ch {
			l.waiters[uuid][name] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
}

func (l *Listener) wakeWaiters(sess *models.Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	byVar, ok := l.waiters[sess.UUID]
	if !ok {
		return
	}
	for name, chans := range byVar {
		if _, set := sess.GetVar(name); !set {
			continue
		}
		for _, ch := range chans {
			close(ch)
		}
		delete(byVar, name)
	}
	if len(byVar) == 0 {
		delete(l.waiters, sess.UUID)
	}
}

// Session returns a tracked session by uuid.
func (l *Listener) Session(uuid string) (*models.Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sessions[uuid]
	return s, ok
}

// Call returns a tracked call by its correlation uuid.
func (l *Listener) Call(uuid string) (*models.Call, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.calls[uuid]
	return c, ok
}

// Sessions returns a snapshot of the live session table.
func (l *Listener) Sessions() []*models.Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*models.Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s)
	}
	return out
}

// CountSessions returns the live session count.
func (l *Listener) CountSessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// CountCalls returns the live call count.
func (l *Listener) CountCalls() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.calls)
}

// CountJobs returns the pending background job count.
func (l *Listener) CountJobs() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.jobs)
}

// CountFailed returns the failed session total across causes.
func (l *Listener) CountFailed() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int64
	for _, c := range l.failedSessions {
		n += c
	}
	return int(n)
}

// HangupCauses returns a copy of the per-cause hangup counters.
func (l *Listener) HangupCauses() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64, len(l.hangupCauses))
	for k, v := range l.hangupCauses {
		out[k] = v
	}
	return out
}

// FailedJobs returns a copy of the per-cause failed job counters.
func (l *Listener) FailedJobs() map[string]int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]int64, len(l.failedJobs))
	for k, v := range l.failedJobs {
		out[k] = v
	}
	return out
}

// TotalOriginated returns the count of CHANNEL_ORIGINATE transitions.
func (l *Listener) TotalOriginated() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalOriginated
}

// TotalAnswered returns the count of CHANNEL_ANSWER transitions.
func (l *Listener) TotalAnswered() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalAnswered
}

// Reset clears the statistical counters. Live state is untouched.
func (l *Listener) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hangupCauses = make(map[string]int64)
	l.failedSessions = make(map[string]int64)
	l.failedJobs = make(map[string]int64)
	l.totalOriginated = 0
	l.totalAnswered = 0
}

// String implements fmt.Stringer for diagnostics.
func (l *Listener) String() string {
	status := "disconnected"
	if l.Connected() {
		status = "connected"
	}
	return fmt.Sprintf("<Listener %s [%s]>", l.addr, status)
}
