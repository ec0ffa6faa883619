// Package client provides the synchronous control interface to one
// engine: api/bgapi commands, originates and app loading, layered over
// a command connection and the engine's listener.
package client

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/listener"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

type appEntry struct {
	app    app.Application
	cid    string
	events []string
}

// Client is the thin control facade for one engine. It owns its own
// command (tx) connection, separate from the listener's receive
// connection, so commands never contend with the event stream.
type Client struct {
	id       string
	addr     string
	password string
	logger   zerolog.Logger

	mu       sync.Mutex
	conn     *esl.Connection
	listener *listener.Listener
	apps     map[string]*appEntry
	origReq  *OriginateRequest
}

// New builds a disconnected client bound to its engine listener.
func New(addr, password string, l *listener.Listener) *Client {
	c := &Client{
		id:       uuid.NewString(),
		addr:     addr,
		password: password,
		listener: l,
		apps:     make(map[string]*appEntry),
		logger:   log.WithComponent("client").With().Str("engine", addr).Logger(),
	}
	if l != nil {
		l.AttachRunner(c)
	}
	return c
}

// ID returns the client's attribution id.
func (c *Client) ID() string { return c.id }

// Addr returns the engine address.
func (c *Client) Addr() string { return c.addr }

// Listener returns the engine listener this client is bound to.
func (c *Client) Listener() *listener.Listener { return c.listener }

// Connect dials the command connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && c.conn.Connected() {
		return models.Configf("client for %s is already connected", c.addr)
	}
	conn, err := esl.Dial(c.addr, c.password)
	if err != nil {
		return err
	}
	c.conn = conn
	return nil
}

// Connected reports whether the command connection is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.Connected()
}

// Disconnect closes the command connection. The client is reusable
// after a new Connect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) connection() (*esl.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.conn.Connected() {
		return nil, models.Configf("client for %s is not connected", c.addr)
	}
	return c.conn, nil
}

// API issues a synchronous api command. An "-ERR" body surfaces as an
// APIError; the reply message is returned either way.
func (c *Client) API(ctx context.Context, cmd string) (*esl.Message, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	resp, err := conn.API(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if esl.IsErrBody(string(resp.Body)) {
		return resp, &esl.APIError{Body: string(resp.Body)}
	}
	return resp, nil
}

// Cmd issues an api command and returns the trimmed body.
func (c *Client) Cmd(ctx context.Context, cmd string) (string, error) {
	resp, err := c.API(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(resp.Body)), nil
}

// BgAPI issues a non-blocking api command. The job uuid is generated
// locally and registered with the listener before the command is
// written, so the BACKGROUND_JOB event can never race its own job.
func (c *Client) BgAPI(ctx context.Context, cmd string) (*models.Job, error) {
	return c.bgapi(ctx, cmd, "", c.id)
}

// cid attributes the job's BACKGROUND_JOB event to a consumer callback
// chain; originates use the owning app id.
func (c *Client) bgapi(ctx context.Context, cmd, sessUUID, cid string) (*models.Job, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	if c.listener == nil || !c.listener.Alive() {
		return nil, models.Configf("start the listener for %s before issuing bgapi", c.addr)
	}
	job := models.NewJob(uuid.NewString(), sessUUID, cid)
	c.listener.RegisterJob(job)

	reply, err := conn.BgAPI(ctx, cmd, job.UUID)
	if err != nil {
		job.Fail(err)
		return nil, err
	}
	if !reply.ReplyOK() {
		err := &esl.APIError{Body: reply.ReplyText()}
		job.Fail(err)
		return nil, err
	}
	return job, nil
}

// SetOriginate installs the originate template used by Originate.
func (c *Client) SetOriginate(req *OriginateRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.origReq = req
}

// OriginateTemplate returns the configured template, or nil.
func (c *Client) OriginateTemplate() *OriginateRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.origReq
}

// Originate renders the template with a fresh origination uuid and
// fires it via bgapi. The returned job's SessionUUID is preset so the
// reserved session can be looked up before any channel event arrives.
func (c *Client) Originate(ctx context.Context, appID string) (*models.Job, error) {
	c.mu.Lock()
	req := c.origReq
	c.mu.Unlock()
	if req == nil {
		return nil, models.Configf("no originate template configured for %s", c.addr)
	}
	if appID == "" {
		appID = c.id
	}
	sessUUID := uuid.NewString()
	cmd := req.Render(sessUUID, appID, c.id)

	sess := c.listener.ReserveSession(sessUUID, appID)
	sess.AttachRunner(c)
	job, err := c.bgapi(ctx, cmd, sessUUID, appID)
	if err != nil {
		c.listener.DropSession(sessUUID)
		return nil, err
	}
	sess.BindJob(job)
	return job, nil
}

// LoadApp registers all of an application's callbacks with the
// listener atomically: on any failure every partially inserted entry
// is rolled back and the listener is left untouched. Returns the
// consumer id under which the callbacks were filed.
func (c *Client) LoadApp(a app.Application, id string) (string, error) {
	if c.listener == nil {
		return "", models.Configf("client has no listener")
	}
	name := a.Name()
	c.mu.Lock()
	if _, dup := c.apps[name]; dup {
		c.mu.Unlock()
		return "", models.Configf("app %q is already loaded", name)
	}
	c.mu.Unlock()

	cid := id
	if cid == "" {
		cid = c.id
	}

	if pre, ok := a.(app.Preposter); ok {
		env := app.Env{Client: c, Counts: c.listener}
		if err := pre.Prepost(env); err != nil {
			return "", fmt.Errorf("app %q prepost: %w", name, err)
		}
	}

	var events []string
	seen := make(map[string]bool)
	for _, b := range a.Bindings() {
		if b.Event == "" || b.Fn == nil {
			c.listener.RemoveCallbacks(cid)
			return "", models.Configf("app %q has an invalid binding", name)
		}
		if err := c.listener.AddCallback(cid, b.Event, b.Fn); err != nil {
			c.listener.RemoveCallbacks(cid)
			return "", err
		}
		if !seen[b.Event] {
			seen[b.Event] = true
			events = append(events, b.Event)
		}
	}
	if err := c.listener.RefEvents(context.Background(), events); err != nil {
		c.listener.RemoveCallbacks(cid)
		return "", err
	}

	c.mu.Lock()
	c.apps[name] = &appEntry{app: a, cid: cid, events: events}
	c.mu.Unlock()
	c.logger.Info().Str("app", name).Str("cid", cid).Msg("app loaded")
	return cid, nil
}

// UnloadApp removes an application's callbacks and releases its event
// subscriptions. The Finalize hook runs first; its error is logged but
// does not block the unload.
func (c *Client) UnloadApp(name string) error {
	c.mu.Lock()
	entry, ok := c.apps[name]
	if ok {
		delete(c.apps, name)
	}
	c.mu.Unlock()
	if !ok {
		return models.Configf("app %q is not loaded", name)
	}
	if fin, isFin := entry.app.(app.Finalizer); isFin {
		if err := fin.Finalize(); err != nil {
			c.logger.Warn().Str("app", name).Err(err).Msg("finalize failed")
		}
	}
	c.listener.RemoveCallbacks(entry.cid)
	return c.listener.UnrefEvents(context.Background(), entry.events)
}

// Apps returns the loaded application names.
func (c *Client) Apps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.apps))
	for name := range c.apps {
		out = append(out, name)
	}
	return out
}

// AppCount reports how many applications are loaded.
func (c *Client) AppCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.apps)
}

// Hupall terminates every session owned by this client across its
// engine.
func (c *Client) Hupall(ctx context.Context) error {
	_, err := c.API(ctx, fmt.Sprintf("hupall NORMAL_CLEARING %s %s",
		listener.ClientVar, c.id))
	return err
}
