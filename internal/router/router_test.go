package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

type cmdRecorder struct {
	cmds []string
}

func (r *cmdRecorder) API(ctx context.Context, cmd string) (*esl.Message, error) {
	r.cmds = append(r.cmds, cmd)
	reply := esl.NewMessage(esl.KindAPIResponse)
	reply.Body = []byte("+OK\n")
	return reply, nil
}

func parkedSession(headers map[string]string) (*models.Session, *cmdRecorder) {
	ev := esl.NewMessage(esl.KindEvent)
	ev.Set("Event-Name", "CHANNEL_PARK")
	ev.Set("Unique-ID", "u-1")
	for k, v := range headers {
		ev.Set(k, v)
	}
	sess := models.NewSession("u-1", ev)
	rec := &cmdRecorder{}
	sess.AttachRunner(rec)
	return sess, rec
}

func parkFn(t *testing.T, r *Router) app.EventFunc {
	t.Helper()
	bindings := r.Bindings()
	require.Len(t, bindings, 1)
	require.Equal(t, "CHANNEL_PARK", bindings[0].Event)
	return bindings[0].Fn
}

func TestFirstMatchingRouteWins(t *testing.T) {
	r := New(nil)
	var hits []string
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `^1\d+@`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		hits = append(hits, "ones")
		return StopRouting
	}))
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `.*`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		hits = append(hits, "catchall")
		return StopRouting
	}))

	sess, _ := parkedSession(map[string]string{"variable_sip_req_uri": "100@box"})
	parkFn(t, r)(&app.Payload{Sess: sess})
	assert.Equal(t, []string{"ones"}, hits)
}

// A Continue verdict lets later routes for the event run.
func TestContinueFallsThrough(t *testing.T) {
	r := New(nil)
	var hits []string
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `.*`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		hits = append(hits, "first")
		return Continue
	}))
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `.*`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		hits = append(hits, "second")
		return StopRouting
	}))

	sess, _ := parkedSession(map[string]string{"variable_sip_req_uri": "x@y"})
	parkFn(t, r)(&app.Payload{Sess: sess})
	assert.Equal(t, []string{"first", "second"}, hits)
}

func TestGuardsBlockDispatch(t *testing.T) {
	r := New(map[string]string{"Caller-Context": "loadtest"})
	called := false
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `.*`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		called = true
		return StopRouting
	}))

	sess, _ := parkedSession(map[string]string{
		"variable_sip_req_uri": "x@y",
		"Caller-Context":       "public",
	})
	parkFn(t, r)(&app.Payload{Sess: sess})
	assert.False(t, called)

	sess, _ = parkedSession(map[string]string{
		"variable_sip_req_uri": "x@y",
		"Caller-Context":       "loadtest",
	})
	parkFn(t, r)(&app.Payload{Sess: sess})
	assert.True(t, called)
}

func TestSubmatchesDelivered(t *testing.T) {
	r := New(nil)
	var got []string
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `^(\d+)@(\w+)`, func(ctx context.Context, s *models.Session, m []string, r *Router) Action {
		got = m
		return StopRouting
	}))
	sess, _ := parkedSession(map[string]string{"variable_sip_req_uri": "42@box"})
	parkFn(t, r)(&app.Payload{Sess: sess})
	require.Len(t, got, 3)
	assert.Equal(t, "42", got[1])
	assert.Equal(t, "box", got[2])
}

func TestInvalidPatternRejected(t *testing.T) {
	r := New(nil)
	err := r.AddRoute("field", `([`, nil)
	var confErr *models.ConfigurationError
	require.ErrorAs(t, err, &confErr)
}

func TestBridgeToDestIssuesBridge(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.AddRoute("variable_sip_req_uri", `.*`, BridgeToDest))
	sess, rec := parkedSession(map[string]string{
		"variable_sip_req_uri":        "200@peer",
		"variable_sofia_profile_name": "external",
	})
	parkFn(t, r)(&app.Payload{Sess: sess})
	require.Len(t, rec.cmds, 1)
	assert.Contains(t, rec.cmds[0], "bridge::sofia/external/200@peer")
}
