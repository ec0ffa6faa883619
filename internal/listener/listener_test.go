package listener

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

func event(name, uuid string, headers map[string]string) *esl.Message {
	ev := esl.NewMessage(esl.KindEvent)
	ev.Set("Event-Name", name)
	if uuid != "" {
		ev.Set("Unique-ID", uuid)
	}
	for k, v := range headers {
		ev.Set(k, v)
	}
	return ev
}

func feed(l *Listener, ev *esl.Message) {
	l.dispatch(ev.EventName(), ev)
}

func TestSessionLifecycle(t *testing.T) {
	l := New("fs1", "pw")

	feed(l, event("CHANNEL_CREATE", "u-1", nil))
	require.Equal(t, 1, l.CountSessions())
	sess, ok := l.Session("u-1")
	require.True(t, ok)
	assert.False(t, sess.Answered())

	feed(l, event("CHANNEL_ORIGINATE", "u-1", nil))
	assert.True(t, sess.Outbound())
	assert.EqualValues(t, 1, l.TotalOriginated())

	feed(l, event("CHANNEL_ANSWER", "u-1", nil))
	assert.True(t, sess.Answered())
	assert.EqualValues(t, 1, l.TotalAnswered())

	feed(l, event("CHANNEL_HANGUP", "u-1", map[string]string{
		"Hangup-Cause": "NORMAL_CLEARING",
	}))
	assert.True(t, sess.Hungup())
	assert.Equal(t, "NORMAL_CLEARING", sess.HangupCause())
	// hangup alone does not remove the session
	assert.Equal(t, 1, l.CountSessions())

	feed(l, event("CHANNEL_HANGUP_COMPLETE", "u-1", nil))
	assert.Equal(t, 0, l.CountSessions())
	assert.Equal(t, 0, l.CountCalls())
	assert.EqualValues(t, 1, l.HangupCauses()["NORMAL_CLEARING"])
	assert.Equal(t, 0, l.CountFailed())
}

func TestFailedSessionAccounting(t *testing.T) {
	l := New("fs1", "pw")
	feed(l, event("CHANNEL_CREATE", "u-1", nil))
	feed(l, event("CHANNEL_HANGUP", "u-1", map[string]string{
		"Hangup-Cause": "NO_ANSWER",
	}))
	feed(l, event("CHANNEL_HANGUP_COMPLETE", "u-1", nil))
	assert.Equal(t, 1, l.CountFailed())
}

// Two sessions sharing the forwarded correlation X-header merge into
// one call; the call tears down with its last leg.
func TestCallCorrelation(t *testing.T) {
	l := New("fs1", "pw")
	tag := map[string]string{"variable_" + CorrXHeader: "cc"}

	feed(l, event("CHANNEL_CREATE", "aleg", tag))
	feed(l, event("CHANNEL_CREATE", "bleg", tag))
	require.Equal(t, 2, l.CountSessions())
	require.Equal(t, 1, l.CountCalls())

	call, ok := l.Call("cc")
	require.True(t, ok)
	assert.Equal(t, 2, call.NumSessions())
	aleg, _ := l.Session("aleg")
	bleg, _ := l.Session("bleg")
	assert.Same(t, bleg, call.Peer(aleg))

	feed(l, event("CHANNEL_ANSWER", "bleg", tag))
	assert.True(t, bleg.Answered())

	feed(l, event("CHANNEL_HANGUP", "aleg", map[string]string{"Hangup-Cause": "NORMAL_CLEARING"}))
	feed(l, event("CHANNEL_HANGUP_COMPLETE", "aleg", nil))
	assert.Equal(t, 1, l.CountCalls())

	feed(l, event("CHANNEL_HANGUP", "bleg", map[string]string{"Hangup-Cause": "NORMAL_CLEARING"}))
	feed(l, event("CHANNEL_HANGUP_COMPLETE", "bleg", nil))
	assert.Equal(t, 0, l.CountCalls())
	assert.Equal(t, 0, l.CountSessions())
}

func TestBackgroundJobSuccess(t *testing.T) {
	l := New("fs1", "pw")
	job := models.NewJob("j-1", "", "client-1")
	l.RegisterJob(job)
	require.Equal(t, 1, l.CountJobs())

	ev := event("BACKGROUND_JOB", "", map[string]string{"Job-UUID": "j-1"})
	ev.Body = []byte("+OK bbbb-cccc\n")
	feed(l, ev)

	require.True(t, job.Ready())
	assert.True(t, job.Successful())
	result, err := job.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "bbbb-cccc", result)
	// nothing to associate, so the job is retired
	assert.Equal(t, 0, l.CountJobs())
}

func TestBackgroundJobFailureDropsReservedSession(t *testing.T) {
	l := New("fs1", "pw")
	sess := l.ReserveSession("sess-1", "client-1")
	job := models.NewJob("j-1", "sess-1", "client-1")
	sess.BindJob(job)
	l.RegisterJob(job)

	ev := event("BACKGROUND_JOB", "", map[string]string{"Job-UUID": "j-1"})
	ev.Body = []byte("-ERR NO_ROUTE_DESTINATION\n")
	feed(l, ev)

	require.True(t, job.Ready())
	assert.False(t, job.Successful())
	_, err := job.Result(context.Background())
	var jobErr *models.JobError
	require.ErrorAs(t, err, &jobErr)
	assert.Equal(t, "NO_ROUTE_DESTINATION", jobErr.Cause)

	assert.Equal(t, 0, l.CountSessions())
	assert.Equal(t, 0, l.CountJobs())
	assert.EqualValues(t, 1, l.FailedJobs()["NO_ROUTE_DESTINATION"])
}

// A reserved originate session resolves a +OK job to itself.
func TestBackgroundJobBindsOriginatedSession(t *testing.T) {
	l := New("fs1", "pw")
	sess := l.ReserveSession("sess-9", "client-1")
	job := models.NewJob("j-9", "sess-9", "client-1")
	l.RegisterJob(job)

	ev := event("BACKGROUND_JOB", "", map[string]string{"Job-UUID": "j-9"})
	ev.Body = []byte("+OK sess-9\n")
	feed(l, ev)

	require.True(t, job.Successful())
	assert.Same(t, job, sess.BgJob())
	// still tracked until the channel hangs up
	assert.Equal(t, 1, l.CountJobs())
}

// An event the built-in handler does not consume never reaches app
// callbacks.
func TestUnconsumedEventHaltsDispatch(t *testing.T) {
	l := New("fs1", "pw")
	called := false
	require.NoError(t, l.AddCallback(defaultConsumer, "BACKGROUND_JOB", func(*app.Payload) {
		called = true
	}))

	ev := event("BACKGROUND_JOB", "", map[string]string{"Job-UUID": "nobody"})
	ev.Body = []byte("+OK whatever\n")
	feed(l, ev)
	assert.False(t, called)
}

func TestCallbackOrderAndPanicIsolation(t *testing.T) {
	l := New("fs1", "pw")
	var order []int
	require.NoError(t, l.AddCallback(defaultConsumer, "CHANNEL_CREATE", func(*app.Payload) {
		order = append(order, 1)
		panic("boom")
	}))
	require.NoError(t, l.AddCallback(defaultConsumer, "CHANNEL_CREATE", func(*app.Payload) {
		order = append(order, 2)
	}))

	feed(l, event("CHANNEL_CREATE", "u-1", nil))
	assert.Equal(t, []int{1, 2}, order)
}

// Callbacks are scoped to the consumer id planted on the session.
func TestCallbackConsumerScoping(t *testing.T) {
	l := New("fs1", "pw")
	var mine, other int
	require.NoError(t, l.AddCallback("app-1", "CHANNEL_CREATE", func(*app.Payload) { mine++ }))
	require.NoError(t, l.AddCallback("app-2", "CHANNEL_CREATE", func(*app.Payload) { other++ }))

	feed(l, event("CHANNEL_CREATE", "u-1", map[string]string{
		"variable_" + AppVar: "app-1",
	}))
	assert.Equal(t, 1, mine)
	assert.Equal(t, 0, other)
}

func TestCustomSubclassFallsBackToLookup(t *testing.T) {
	l := New("fs1", "pw")
	feed(l, event("CHANNEL_CREATE", "u-1", nil))

	var got *models.Session
	require.NoError(t, l.AddCallback(defaultConsumer, "mod_bert::timeout", func(p *app.Payload) {
		got = p.Sess
	}))
	ev := event("CUSTOM", "u-1", map[string]string{"Event-Subclass": "mod_bert::timeout"})
	feed(l, ev)
	require.NotNil(t, got)
	assert.Equal(t, "u-1", got.UUID)
}

func TestAddHandlerRejectsDuplicates(t *testing.T) {
	l := New("fs1", "pw")
	err := l.AddHandler("CHANNEL_CREATE", l.lookupSess)
	var confErr *models.ConfigurationError
	require.ErrorAs(t, err, &confErr)
	require.NoError(t, l.AddHandler("CALL_UPDATE", l.lookupSess))
}

// WaitFor suspends until a callback sets the awaited app-local var.
func TestWaitForWakesOnVar(t *testing.T) {
	l := New("fs1", "pw")
	feed(l, event("CHANNEL_CREATE", "u-1", nil))
	sess, ok := l.Session("u-1")
	require.True(t, ok)

	require.NoError(t, l.AddCallback(defaultConsumer, "CHANNEL_ANSWER", func(p *app.Payload) {
		p.Sess.SetVar("checked", "yes")
	}))

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- l.WaitFor(ctx, sess, "checked")
	}()
	// let the waiter park before the event lands
	time.Sleep(20 * time.Millisecond)
	feed(l, event("CHANNEL_ANSWER", "u-1", nil))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor never woke")
	}
}

func TestWaitForTimesOut(t *testing.T) {
	l := New("fs1", "pw")
	feed(l, event("CHANNEL_CREATE", "u-1", nil))
	sess, _ := l.Session("u-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := l.WaitFor(ctx, sess, "never-set")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallbackCountAndRemoval(t *testing.T) {
	l := New("fs1", "pw")
	require.NoError(t, l.AddCallback("cid", "CHANNEL_CREATE", func(*app.Payload) {}))
	require.NoError(t, l.AddCallback("cid", "CHANNEL_ANSWER", func(*app.Payload) {}))
	assert.Equal(t, 2, l.CallbackCount("cid"))
	l.RemoveCallbacks("cid")
	assert.Equal(t, 0, l.CallbackCount("cid"))
}
