package originator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/client"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/fstest"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/pool"
)

type nullApp struct{}

func (nullApp) Name() string            { return "null" }
func (nullApp) Bindings() []app.Binding { return nil }

// testCluster wires n mock engines into a connected, started pool with
// an originate template and a loaded app on each client.
func testCluster(t *testing.T, n int) ([]*fstest.Engine, *pool.Pool) {
	t.Helper()
	engines := make([]*fstest.Engine, n)
	addrs := make([]string, n)
	for i := range engines {
		e, err := fstest.Start("pw")
		require.NoError(t, err)
		t.Cleanup(e.Close)
		engines[i] = e
		addrs[i] = e.Addr()
	}
	p := pool.FromAddrs(addrs, "pw")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.ConnectAll(ctx))
	require.NoError(t, p.StartAll())
	t.Cleanup(p.StopAll)

	for _, m := range p.Members() {
		m.Client.SetOriginate(&client.OriginateRequest{DestURL: "100@sut"})
	}
	require.NoError(t, p.LoadAppAll(func() app.Application { return nullApp{} }, "app-1"))
	return engines, p
}

func bgapiCount(engines []*fstest.Engine) int {
	n := 0
	for _, e := range engines {
		for _, cmd := range e.Commands() {
			if strings.HasPrefix(cmd, "bgapi originate") {
				n++
			}
		}
	}
	return n
}

func TestStartRequiresTemplateAndApps(t *testing.T) {
	_, p := testCluster(t, 1)
	m := p.Members()[0]

	m.Client.SetOriginate(nil)
	o := New(p, "app-1", Config{Rate: 1, Limit: 1})
	err := o.Start()
	var confErr *models.ConfigurationError
	require.ErrorAs(t, err, &confErr)

	m.Client.SetOriginate(&client.OriginateRequest{DestURL: "100@sut"})
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())
	assert.Equal(t, StateOriginating, o.State())
}

// max_offered == 0: the originator enters ORIGINATING, issues nothing
// and stops after one tick.
func TestZeroMaxOfferedStopsImmediately(t *testing.T) {
	engines, p := testCluster(t, 1)
	o := New(p, "app-1", Config{Rate: 100, Limit: 10, MaxOffered: 0,
		Period: 20 * time.Millisecond})
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return o.State() == StateStopped
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, o.TotalOffered())
	assert.Equal(t, 0, bgapiCount(engines))
}

// limit == 0: the burst formula yields zero; nothing is issued but the
// originator keeps running.
func TestZeroLimitIssuesNothing(t *testing.T) {
	engines, p := testCluster(t, 1)
	o := New(p, "app-1", Config{Rate: 100, Limit: 0, MaxOffered: 1000,
		Period: 20 * time.Millisecond, Duration: time.Second})
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, StateOriginating, o.State())
	assert.Equal(t, 0, o.TotalOffered())
	assert.Equal(t, 0, bgapiCount(engines))
}

// The burst loop honors max_offered exactly and transitions to STOPPED.
func TestMaxOfferedCapsTraffic(t *testing.T) {
	engines, p := testCluster(t, 2)
	o := New(p, "app-1", Config{Rate: 200, Limit: 50, MaxOffered: 3,
		MaxRate: 10000, Period: 20 * time.Millisecond})
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return o.State() == StateStopped
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, o.TotalOffered())
	require.Eventually(t, func() bool {
		return bgapiCount(engines) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

// Originates spread across pool members round-robin.
func TestRoundRobinAcrossEngines(t *testing.T) {
	engines, p := testCluster(t, 2)
	o := New(p, "app-1", Config{Rate: 200, Limit: 50, MaxOffered: 4,
		MaxRate: 10000, Period: 20 * time.Millisecond})
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return o.State() == StateStopped && bgapiCount(engines) == 4
	}, 3*time.Second, 10*time.Millisecond)
	for _, e := range engines {
		n := 0
		for _, cmd := range e.Commands() {
			if strings.HasPrefix(cmd, "bgapi originate") {
				n++
			}
		}
		assert.Equal(t, 2, n)
	}
}

// Failed jobs land in the per-cause failure ledger and count as
// completed offered calls.
func TestFailureAccounting(t *testing.T) {
	engines, p := testCluster(t, 1)
	e := engines[0]
	e.OnBgAPI = func(cmd, jobUUID string) {
		go e.Emit(fstest.BgJobEvent(jobUUID, "-ERR DESTINATION_OUT_OF_ORDER\n"))
	}

	o := New(p, "app-1", Config{Rate: 100, Limit: 10, MaxOffered: 2,
		MaxRate: 10000, Period: 20 * time.Millisecond})
	require.NoError(t, p.LoadAppAll(func() app.Application { return o }, "app-1"))
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	require.Eventually(t, func() bool {
		return o.FailedCalls()["DESTINATION_OUT_OF_ORDER"] == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateStopped, o.State())
	assert.Equal(t, 2, o.TotalOffered())
}

// Re-Start after Stop returns to ORIGINATING; Start while originating
// is a no-op.
func TestStateMachineTransitions(t *testing.T) {
	_, p := testCluster(t, 1)
	// limit 0 issues nothing, so the state only moves when we say so
	o := New(p, "app-1", Config{Rate: 1, Limit: 0, MaxOffered: 1000,
		Period: 20 * time.Millisecond, Duration: time.Second})
	assert.Equal(t, StateInitial, o.State())

	require.NoError(t, o.Start())
	require.NoError(t, o.Start())
	assert.Equal(t, StateOriginating, o.State())
	o.Stop()
	assert.Equal(t, StateStopped, o.State())

	require.NoError(t, o.Start())
	assert.Equal(t, StateOriginating, o.State())
	o.Shutdown(context.Background())
	assert.Equal(t, StateStopped, o.State())
}

// Hupall stops issuing and fires the hupall command on every client.
func TestHupall(t *testing.T) {
	engines, p := testCluster(t, 2)
	o := New(p, "app-1", Config{Rate: 1, Limit: 1, MaxOffered: 1000,
		Period: time.Hour})
	require.NoError(t, o.Start())
	require.NoError(t, o.Hupall(context.Background()))
	assert.Equal(t, StateStopped, o.State())

	for _, e := range engines {
		found := false
		for _, cmd := range e.Commands() {
			if strings.HasPrefix(cmd, "api hupall NORMAL_CLEARING") {
				found = true
			}
		}
		assert.True(t, found)
	}
	o.Shutdown(context.Background())
}

// Auto-derived duration tracks limit/rate whenever either is set.
func TestAutoDuration(t *testing.T) {
	_, p := testCluster(t, 1)
	o := New(p, "app-1", Config{Rate: 30, Limit: 2000})
	assert.InDelta(t, (2000.0 / 30.0), o.Duration().Seconds(), 0.001)

	o.SetRate(50)
	assert.InDelta(t, (2000.0 / 50.0), o.Duration().Seconds(), 0.001)

	o.SetLimit(100)
	assert.InDelta(t, (100.0 / 50.0), o.Duration().Seconds(), 0.001)

	// pinning the duration disables auto-derivation
	o.SetDuration(7 * time.Second)
	o.SetRate(10)
	assert.Equal(t, 7*time.Second, o.Duration())
}

// An answered originated session gets an engine-side scheduled hangup
// at the hold time.
func TestAutohangupSchedulesOnAnswer(t *testing.T) {
	engines, p := testCluster(t, 1)
	e := engines[0]
	o := New(p, "app-1", Config{Rate: 100, Limit: 10, MaxOffered: 1,
		MaxRate: 10000, Period: 20 * time.Millisecond,
		Duration: 30 * time.Second, Autohangup: true})
	require.NoError(t, p.LoadAppAll(func() app.Application { return o }, "app-1"))
	require.NoError(t, o.Start())
	defer o.Shutdown(context.Background())

	require.Eventually(t, func() bool { return o.TotalOffered() == 1 },
		2*time.Second, 10*time.Millisecond)

	// find the reserved session and walk it to answered
	m := p.Members()[0]
	sessions := m.Listener.Sessions()
	require.Len(t, sessions, 1)
	uuid := sessions[0].UUID

	e.Emit(fstest.ChannelEvent("CHANNEL_CREATE", uuid, map[string]string{
		"Call-Direction": "outbound",
	}))
	e.Emit(fstest.ChannelEvent("CHANNEL_ORIGINATE", uuid, nil))
	e.Emit(fstest.ChannelEvent("CHANNEL_ANSWER", uuid, nil))

	require.Eventually(t, func() bool {
		for _, cmd := range e.Commands() {
			if cmd == "api sched_hangup +30 "+uuid+" NORMAL_CLEARING" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
