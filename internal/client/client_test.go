package client

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/fstest"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/listener"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

func startPair(t *testing.T) (*fstest.Engine, *Client) {
	t.Helper()
	e, err := fstest.Start("pw")
	require.NoError(t, err)
	t.Cleanup(e.Close)

	l := listener.New(e.Addr(), "pw")
	c := New(e.Addr(), "pw", l)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, l.Connect(ctx))
	require.NoError(t, l.Start())
	require.NoError(t, c.Connect(ctx))
	t.Cleanup(func() {
		l.Stop()
		c.Disconnect()
	})
	return e, c
}

func TestCmd(t *testing.T) {
	e, c := startPair(t)
	e.APIResponder = func(cmd string) string { return "UP 0 years,\n" }

	out, err := c.Cmd(context.Background(), "status")
	require.NoError(t, err)
	assert.Equal(t, "UP 0 years,", out)
}

func TestAPIErrorBody(t *testing.T) {
	e, c := startPair(t)
	e.APIResponder = func(cmd string) string { return "-ERR no such command\n" }

	_, err := c.API(context.Background(), "bogus")
	var apiErr *esl.APIError
	require.ErrorAs(t, err, &apiErr)
}

// bgapi + job event: the job resolves with the result carried in the
// BACKGROUND_JOB body.
func TestBgAPIJobResolution(t *testing.T) {
	e, c := startPair(t)
	e.OnBgAPI = func(cmd, jobUUID string) {
		go e.Emit(fstest.BgJobEvent(jobUUID, "+OK bbbb-1111\n"))
	}

	job, err := c.BgAPI(context.Background(), "originate user/100 &park()")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := job.Result(ctx)
	require.NoError(t, err)
	assert.Equal(t, "bbbb-1111", result)
}

func TestBgAPIRequiresRunningListener(t *testing.T) {
	e, err := fstest.Start("pw")
	require.NoError(t, err)
	defer e.Close()

	l := listener.New(e.Addr(), "pw")
	c := New(e.Addr(), "pw", l)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx))
	defer c.Disconnect()

	_, err = c.BgAPI(ctx, "status")
	var confErr *models.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

// Originate reserves the session under the origination uuid before any
// channel event can arrive, and presets the job's session uuid.
func TestOriginatePresetsSession(t *testing.T) {
	e, c := startPair(t)
	c.SetOriginate(&OriginateRequest{DestURL: "100@sut:5060"})

	job, err := c.Originate(context.Background(), "app-1")
	require.NoError(t, err)
	require.NotEmpty(t, job.SessionUUID)

	sess, ok := c.Listener().Session(job.SessionUUID)
	require.True(t, ok)
	assert.Equal(t, "app-1", sess.ClientID)
	assert.Same(t, job, sess.BgJob())

	var bgapi string
	for _, cmd := range e.Commands() {
		if strings.HasPrefix(cmd, "bgapi originate ") {
			bgapi = cmd
		}
	}
	require.NotEmpty(t, bgapi)
	assert.Contains(t, bgapi, "origination_uuid="+job.SessionUUID)
	assert.Contains(t, bgapi, listener.CorrXHeader+"="+job.SessionUUID)
	assert.Contains(t, bgapi, "sofia/external/100@sut:5060")
	assert.Contains(t, bgapi, "&park()")
}

func TestOriginateWithoutTemplate(t *testing.T) {
	_, c := startPair(t)
	_, err := c.Originate(context.Background(), "")
	var confErr *models.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

type fakeApp struct {
	name     string
	bindings []app.Binding
	preErr   error
}

func (a *fakeApp) Name() string            { return a.name }
func (a *fakeApp) Bindings() []app.Binding { return a.bindings }
func (a *fakeApp) Prepost(app.Env) error   { return a.preErr }

// load_app is atomic: an invalid binding rolls back every callback that
// was already registered.
func TestLoadAppRollsBackOnInvalidBinding(t *testing.T) {
	_, c := startPair(t)
	noop := func(*app.Payload) {}
	a := &fakeApp{name: "broken", bindings: []app.Binding{
		{Event: "CHANNEL_CREATE", Fn: noop},
		{Event: "CHANNEL_ANSWER", Fn: nil}, // invalid
	}}
	_, err := c.LoadApp(a, "cid-1")
	require.Error(t, err)
	assert.Equal(t, 0, c.Listener().CallbackCount("cid-1"))
	assert.Empty(t, c.Apps())
}

func TestLoadAppPrepostFailureLoadsNothing(t *testing.T) {
	_, c := startPair(t)
	a := &fakeApp{name: "sulky", preErr: assert.AnError,
		bindings: []app.Binding{{Event: "CHANNEL_CREATE", Fn: func(*app.Payload) {}}}}
	_, err := c.LoadApp(a, "cid-2")
	require.Error(t, err)
	assert.Equal(t, 0, c.Listener().CallbackCount("cid-2"))
}

func TestLoadAndUnloadApp(t *testing.T) {
	_, c := startPair(t)
	a := &fakeApp{name: "fine", bindings: []app.Binding{
		{Event: "CHANNEL_CREATE", Fn: func(*app.Payload) {}},
		{Event: "mod_bert::timeout", Fn: func(*app.Payload) {}},
	}}
	cid, err := c.LoadApp(a, "")
	require.NoError(t, err)
	assert.Equal(t, c.ID(), cid)
	assert.Equal(t, 2, c.Listener().CallbackCount(cid))
	assert.Equal(t, []string{"fine"}, c.Apps())

	require.NoError(t, c.UnloadApp("fine"))
	assert.Equal(t, 0, c.Listener().CallbackCount(cid))
	assert.Empty(t, c.Apps())
}

func TestHupallCommand(t *testing.T) {
	e, c := startPair(t)
	e.APIResponder = func(cmd string) string { return "+OK\n" }
	require.NoError(t, c.Hupall(context.Background()))

	found := false
	for _, cmd := range e.Commands() {
		if cmd == "api hupall NORMAL_CLEARING "+listener.ClientVar+" "+c.ID() {
			found = true
		}
	}
	assert.True(t, found, "hupall command not issued: %v", e.Commands())
}
