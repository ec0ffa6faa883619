package models

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
)

// Runner issues api commands on a live connection. Satisfied by
// esl.Connection and by client.Client.
type Runner interface {
	API(ctx context.Context, cmd string) (*esl.Message, error)
}

// SessionTimes are the lifecycle timestamps recorded for a channel.
type SessionTimes struct {
	Create       time.Time
	ReqOriginate time.Time // local clock, originate request issue
	Originate    time.Time
	Answer       time.Time
	Hangup       time.Time
}

// Session is one FreeSWITCH channel leg tracked by a listener. Fields
// are mutated by the listener's event loop; concurrent readers go
// through the accessor methods.
type Session struct {
	UUID     string
	ClientID string // owning client/app attribution

	mu       sync.RWMutex
	events   *Events
	times    SessionTimes
	callUUID string

	answered    bool
	hungup      bool
	outbound    bool
	hangupCause string
	bgJob       *Job
	ownedByApp  bool

	vars   map[string]string // app scratch namespace, not channel vars
	runner Runner
}

// NewSession builds a session from its first observed event. ev may be
// nil for sessions reserved at originate time.
func NewSession(uuid string, ev *esl.Message) *Session {
	s := &Session{
		UUID:   uuid,
		events: NewEvents(ev),
		vars:   make(map[string]string),
	}
	if ev != nil {
		s.times.Create = EventTime(ev)
		s.outbound = ev.Get("Call-Direction") == "outbound"
	}
	return s
}

// EventTime converts an Event-Date-Timestamp header (microseconds) to a
// local time. Falls back to the wall clock when absent.
func EventTime(ev *esl.Message) time.Time {
	usec, err := ev.GetInt("Event-Date-Timestamp")
	if err != nil || usec == 0 {
		return time.Now()
	}
	return time.UnixMicro(int64(usec))
}

// Update folds a new event into the session's rolling history.
func (s *Session) Update(ev *esl.Message) {
	s.events.Update(ev)
}

// Get returns the newest header value for name from the event history.
// Channel variables use the "variable_" prefix convention.
func (s *Session) Get(name string) (string, bool) {
	return s.events.Get(name)
}

// Var returns the channel variable value from the event history.
func (s *Session) Var(name string) (string, bool) {
	return s.events.Get("variable_" + name)
}

// Events exposes the session's received event history.
func (s *Session) Events() *Events { return s.events }

// AppName returns the application id planted by the originating client.
func (s *Session) AppName() string {
	v, _ := s.Var("switchd_app")
	return v
}

// Times returns a copy of the lifecycle timestamps.
func (s *Session) Times() SessionTimes {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.times
}

// SetTimes applies fn to the timestamp record under the lock.
func (s *Session) SetTimes(fn func(*SessionTimes)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.times)
}

// CallUUID returns the non-owning back-reference to the session's call.
func (s *Session) CallUUID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.callUUID
}

// BindCall records the owning call's correlation id.
func (s *Session) BindCall(uuid string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callUUID = uuid
}

// Answered reports whether the channel reached CHANNEL_ANSWER.
func (s *Session) Answered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.answered
}

// MarkAnswered records the answer transition.
func (s *Session) MarkAnswered(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answered = true
	s.times.Answer = at
}

// Hungup reports whether the channel has hung up.
func (s *Session) Hungup() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hungup
}

// HangupCause returns the recorded hangup cause, if any.
func (s *Session) HangupCause() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hangupCause
}

// MarkHungup records the hangup transition and cause.
func (s *Session) MarkHungup(cause string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hungup = true
	s.hangupCause = cause
	s.times.Hangup = at
}

// Outbound reports whether this leg was originated by us.
func (s *Session) Outbound() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outbound
}

// MarkOriginated records the originate transition.
func (s *Session) MarkOriginated(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbound = true
	s.times.Originate = at
	if s.times.ReqOriginate.IsZero() {
		s.times.ReqOriginate = time.Now()
	}
}

// BgJob returns the originate job bound to this session.
func (s *Session) BgJob() *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bgJob
}

// BindJob attaches the background job that created this session.
func (s *Session) BindJob(j *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bgJob = j
}

// TakeOwnership marks the session as torn down by its application; the
// originator will not schedule an automatic hangup for it.
func (s *Session) TakeOwnership() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownedByApp = true
}

// OwnedByApp reports whether an application controls this session's
// teardown.
func (s *Session) OwnedByApp() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ownedByApp
}

// SetVar / GetVar manage the app-local scratch namespace. These are not
// channel variables.
func (s *Session) SetVar(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[name] = value
}

func (s *Session) GetVar(name string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[name]
	return v, ok
}

// AttachRunner wires the command connection used by the call-control
// helpers below.
func (s *Session) AttachRunner(r Runner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runner = r
}

func (s *Session) api(ctx context.Context, cmd string) error {
	s.mu.RLock()
	r := s.runner
	s.mu.RUnlock()
	if r == nil {
		return Configf("session %s has no command connection", s.UUID)
	}
	resp, err := r.API(ctx, cmd)
	if err != nil {
		return err
	}
	if resp != nil && esl.IsErrBody(string(resp.Body)) {
		return &esl.APIError{Body: string(resp.Body)}
	}
	return nil
}

// Hangup terminates this session with the given cause.
func (s *Session) Hangup(ctx context.Context, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	return s.api(ctx, fmt.Sprintf("uuid_kill %s %s", s.UUID, cause))
}

// SchedHangup schedules a hangup on the engine after delay.
func (s *Session) SchedHangup(ctx context.Context, delay time.Duration, cause string) error {
	if cause == "" {
		cause = "NORMAL_CLEARING"
	}
	return s.api(ctx, fmt.Sprintf("sched_hangup +%d %s %s",
		int(delay.Seconds()), s.UUID, cause))
}

// Answer answers an inbound session.
func (s *Session) Answer(ctx context.Context) error {
	return s.api(ctx, "uuid_answer "+s.UUID)
}

// Park parks this session.
func (s *Session) Park(ctx context.Context) error {
	return s.api(ctx, "uuid_park "+s.UUID)
}

// Broadcast executes a dialplan application on the chosen legs:
// uuid_broadcast <uuid> app::args [aleg|bleg|both].
func (s *Session) Broadcast(ctx context.Context, path, leg string) error {
	return s.api(ctx, strings.TrimSpace(fmt.Sprintf("uuid_broadcast %s %s %s", s.UUID, path, leg)))
}

// Playback plays a file on this session.
func (s *Session) Playback(ctx context.Context, path string) error {
	return s.Broadcast(ctx, "playback::"+path, "aleg")
}

// Echo echoes received audio back.
func (s *Session) Echo(ctx context.Context) error {
	return s.Broadcast(ctx, "echo::", "")
}

// SetChannelVar sets a channel variable on the engine.
func (s *Session) SetChannelVar(ctx context.Context, name, value string) error {
	return s.Broadcast(ctx, fmt.Sprintf("set::%s=%s", name, value), "")
}

// SendDTMF plays a dtmf sequence on this channel.
func (s *Session) SendDTMF(ctx context.Context, sequence string) error {
	return s.api(ctx, fmt.Sprintf("uuid_send_dtmf %s %s", s.UUID, sequence))
}

// BridgeOptions parameterize Bridge.
type BridgeOptions struct {
	DestURL string
	Profile string
	Gateway string
	Proxy   string
	Params  map[string]string
}

// Bridge connects this session to a destination using uuid_broadcast.
// Defaults fall back to the session's own profile and request uri.
func (s *Session) Bridge(ctx context.Context, opts BridgeOptions) error {
	profile := opts.Profile
	if opts.Gateway != "" {
		profile = "gateway/" + opts.Gateway
	}
	if profile == "" {
		profile, _ = s.Var("sofia_profile_name")
	}
	dest := opts.DestURL
	if dest == "" {
		dest, _ = s.Var("sip_req_uri")
	}
	var pairs []string
	for k, v := range opts.Params {
		pairs = append(pairs, k+"="+v)
	}
	varset := ""
	if len(pairs) > 0 {
		varset = "{" + strings.Join(pairs, ",") + "}"
	}
	path := ""
	if opts.Proxy != "" {
		path = ";fs_path=sip:" + opts.Proxy
	}
	return s.Broadcast(ctx,
		fmt.Sprintf("bridge::%ssofia/%s/%s%s", varset, profile, dest, path), "")
}
