package models

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
)

func mkEvent(headers map[string]string) *esl.Message {
	ev := esl.NewMessage(esl.KindEvent)
	for k, v := range headers {
		ev.Set(k, v)
	}
	return ev
}

func TestEventsNewestValueShadows(t *testing.T) {
	ev1 := mkEvent(map[string]string{"Answer-State": "ringing", "Unique-ID": "u1"})
	ev2 := mkEvent(map[string]string{"Answer-State": "answered"})

	e := NewEvents(ev1)
	e.Update(ev2)

	v, ok := e.Get("Answer-State")
	require.True(t, ok)
	assert.Equal(t, "answered", v)

	// older headers remain reachable
	v, ok = e.Get("Unique-ID")
	require.True(t, ok)
	assert.Equal(t, "u1", v)

	_, ok = e.Get("Nope")
	assert.False(t, ok)
}

func TestEventsHistoryBound(t *testing.T) {
	e := NewEvents(nil)
	for i := 0; i < historyDepth+50; i++ {
		e.Update(mkEvent(nil))
	}
	assert.Equal(t, historyDepth, e.Len())
}

func TestSessionVariableLookup(t *testing.T) {
	s := NewSession("u1", mkEvent(map[string]string{
		"Unique-ID":            "u1",
		"Call-Direction":       "outbound",
		"variable_switchd_app": "app-7",
		"variable_sip_req_uri": "100@box",
	}))
	assert.True(t, s.Outbound())
	assert.Equal(t, "app-7", s.AppName())
	v, ok := s.Var("sip_req_uri")
	require.True(t, ok)
	assert.Equal(t, "100@box", v)
}

type cmdRecorder struct {
	cmds []string
}

func (r *cmdRecorder) API(ctx context.Context, cmd string) (*esl.Message, error) {
	r.cmds = append(r.cmds, cmd)
	reply := esl.NewMessage(esl.KindAPIResponse)
	reply.Body = []byte("+OK\n")
	return reply, nil
}

func TestSessionCommands(t *testing.T) {
	rec := &cmdRecorder{}
	s := NewSession("u1", nil)
	s.AttachRunner(rec)
	ctx := context.Background()

	require.NoError(t, s.Hangup(ctx, ""))
	require.NoError(t, s.SchedHangup(ctx, 10*time.Second, "NORMAL_CLEARING"))
	require.NoError(t, s.Park(ctx))
	require.NoError(t, s.Playback(ctx, "/tmp/tone.wav"))

	assert.Equal(t, []string{
		"uuid_kill u1 NORMAL_CLEARING",
		"sched_hangup +10 u1 NORMAL_CLEARING",
		"uuid_park u1",
		"uuid_broadcast u1 playback::/tmp/tone.wav aleg",
	}, rec.cmds)
}

func TestSessionCommandsWithoutRunner(t *testing.T) {
	s := NewSession("u1", nil)
	err := s.Hangup(context.Background(), "")
	var confErr *ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestSessionBridgeDefaults(t *testing.T) {
	rec := &cmdRecorder{}
	s := NewSession("u1", mkEvent(map[string]string{
		"variable_sofia_profile_name": "internal",
		"variable_sip_req_uri":        "200@peer",
	}))
	s.AttachRunner(rec)
	require.NoError(t, s.Bridge(context.Background(), BridgeOptions{}))
	require.Len(t, rec.cmds, 1)
	assert.Contains(t, rec.cmds[0], "bridge::sofia/internal/200@peer")
}

func TestJobResolvesExactlyOnce(t *testing.T) {
	j := NewJob("j1", "", "c1")
	assert.False(t, j.Ready())

	j.Resolve("first")
	j.Resolve("second")
	j.Fail(&JobError{Cause: "late"})

	require.True(t, j.Ready())
	assert.True(t, j.Successful())
	result, err := j.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", result)
}

func TestJobFail(t *testing.T) {
	j := NewJob("j1", "sess-1", "c1")
	j.Fail(&JobError{Cause: "NO_ANSWER"})
	require.True(t, j.Ready())
	assert.False(t, j.Successful())
	_, err := j.Result(context.Background())
	var jobErr *JobError
	require.ErrorAs(t, err, &jobErr)
}

func TestJobResultHonorsContext(t *testing.T) {
	j := NewJob("j1", "", "c1")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := j.Result(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallPeerAndTeardown(t *testing.T) {
	a := NewSession("aleg", nil)
	b := NewSession("bleg", nil)
	call := NewCall("cc", a)
	call.Append(b)

	assert.Equal(t, "cc", a.CallUUID())
	assert.Equal(t, "cc", b.CallUUID())
	assert.Same(t, a, call.First())
	assert.Same(t, b, call.Last())
	assert.Same(t, b, call.Peer(a))
	assert.Same(t, a, call.Peer(b))

	assert.Equal(t, 1, call.Remove(a))
	assert.Equal(t, 0, call.Remove(b))
	assert.Nil(t, call.Peer(a))
}
