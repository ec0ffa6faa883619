// Package originator is the closed-loop call generator: it paces
// originate requests across a pool of engines to hold a target rate and
// concurrency, retiring calls when their hold time expires.
package originator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/metrics"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/pool"
)

// State is the originator lifecycle.
type State int32

const (
	// StateInitial awaits the first Start.
	StateInitial State = iota
	// StateOriginating means the burst loop is issuing calls.
	StateOriginating
	// StateStopped means no further originates are issued; in-flight
	// calls drain naturally. Re-Start returns to originating.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateOriginating:
		return "ORIGINATING"
	case StateStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// Config are the load settings. Duration zero enables auto-derivation
// (duration = limit/rate, recomputed on every rate or limit change).
type Config struct {
	Rate       float64       // target new calls per second
	Limit      int           // max concurrent calls (erlangs)
	MaxOffered int           // total offered call cap; 0 offers nothing
	Duration   time.Duration // per-call hold time
	Period     time.Duration // pacing interval, default 1s
	MaxRate    float64       // transmission rate ceiling, default 250
	Autohangup bool          // schedule engine-side hangup at answer
}

// Originator drives the pool. Pacing state is owned by the burst
// goroutine; settings are guarded for concurrent tuning.
type Originator struct {
	pool   *pool.Pool
	logger zerolog.Logger

	mu           sync.Mutex
	state        State
	rate         float64
	limit        int
	maxOffered   int
	duration     time.Duration
	period       time.Duration
	maxRate      float64
	autohangup   bool
	autoDuration bool
	appID        string

	totalOffered int
	failedCalls  map[string]int

	loopOnce sync.Once
	exitOnce sync.Once
	wake     chan struct{}
	exit     chan struct{}
	done     chan struct{}
}

// New builds an originator over the pool. appID attributes the
// generated sessions to the loaded application set.
func New(p *pool.Pool, appID string, cfg Config) *Originator {
	if cfg.Period <= 0 {
		cfg.Period = time.Second
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 250
	}
	o := &Originator{
		pool:         p,
		logger:       log.WithComponent("originator"),
		state:        StateInitial,
		rate:         cfg.Rate,
		limit:        cfg.Limit,
		maxOffered:   cfg.MaxOffered,
		duration:     cfg.Duration,
		period:       cfg.Period,
		maxRate:      cfg.MaxRate,
		autohangup:   cfg.Autohangup,
		autoDuration: cfg.Duration == 0,
		appID:        appID,
		failedCalls:  make(map[string]int),
		wake:         make(chan struct{}, 1),
		exit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	o.recomputeDuration()
	return o
}

// Name implements app.Application: the originator loads itself on every
// pool client so it observes its own traffic.
func (o *Originator) Name() string { return "originator" }

// Bindings implements app.Application.
func (o *Originator) Bindings() []app.Binding {
	return []app.Binding{
		{Event: "CHANNEL_ANSWER", Fn: o.onAnswer},
		{Event: "CHANNEL_ORIGINATE", Fn: o.onOriginate},
		{Event: "BACKGROUND_JOB", Fn: o.onBackgroundJob},
	}
}

func (o *Originator) onOriginate(pay *app.Payload) {
	metrics.OriginatedSessions.Inc()
}

// onAnswer schedules the engine-side hangup that retires the call at
// its hold time, unless an app owns the teardown.
func (o *Originator) onAnswer(pay *app.Payload) {
	metrics.AnsweredSessions.Inc()
	sess := pay.Sess
	if sess == nil || !sess.Outbound() || sess.OwnedByApp() {
		return
	}
	o.mu.Lock()
	autohangup := o.autohangup
	duration := o.duration
	o.mu.Unlock()
	if !autohangup || duration <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.SchedHangup(ctx, duration, ""); err != nil {
		o.logger.Error().Str("uuid", sess.UUID).Err(err).Msg("sched_hangup failed")
	}
}

// onBackgroundJob accounts failed originates. A failed job counts as a
// completed offered call but never held concurrency quota.
func (o *Originator) onBackgroundJob(pay *app.Payload) {
	job := pay.Job
	if job == nil || !job.Ready() || job.Successful() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := job.Result(ctx)
	var jobErr *models.JobError
	cause := "UNKNOWN"
	if errors.As(err, &jobErr) {
		cause = jobErr.Cause
	}
	o.mu.Lock()
	o.failedCalls[cause]++
	o.mu.Unlock()
	metrics.FailedCalls.WithLabelValues(cause).Inc()
}

// Start enters ORIGINATING. It requires a configured originate template
// and at least one loaded app on every pool client; on a running
// originator it is a no-op.
func (o *Originator) Start() error {
	for _, m := range o.pool.Members() {
		if m.Client.OriginateTemplate() == nil {
			return models.Configf("client %s has no originate template", m.Client.Addr())
		}
		if m.Client.AppCount() == 0 {
			return models.Configf("client %s has no loaded apps", m.Client.Addr())
		}
	}
	o.mu.Lock()
	if o.state == StateOriginating {
		o.mu.Unlock()
		return nil
	}
	o.state = StateOriginating
	o.mu.Unlock()
	o.logger.Info().Msg("state change -> ORIGINATING")

	o.loopOnce.Do(func() { go o.loop() })
	select {
	case o.wake <- struct{}{}:
	default:
	}
	return nil
}

// Stop halts issuing; in-flight calls drain naturally.
func (o *Originator) Stop() {
	if o.transition(StateStopped) {
		o.logger.Info().Msg("state change -> STOPPED")
	}
}

// Hupall stops issuing and force-terminates every client-owned session
// across the pool.
func (o *Originator) Hupall(ctx context.Context) error {
	o.Stop()
	o.logger.Warn().Msg("hanging up all calls")
	return o.pool.HupallAll(ctx)
}

// Shutdown stops the burst goroutine permanently, hupall-ing first when
// sessions remain.
func (o *Originator) Shutdown(ctx context.Context) {
	if o.pool.CountSessions() > 0 {
		o.Hupall(ctx)
	} else {
		o.Stop()
	}
	o.exitOnce.Do(func() { close(o.exit) })
	o.loopOnce.Do(func() { close(o.done) }) // loop never ran
	<-o.done
}

func (o *Originator) transition(to State) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == to {
		return false
	}
	o.state = to
	return true
}

// State returns the current lifecycle state.
func (o *Originator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Originator) originating() bool { return o.State() == StateOriginating }

// loop is the pacing task: one burst per period while originating.
func (o *Originator) loop() {
	defer close(o.done)
	for {
		select {
		case <-o.exit:
			return
		case <-o.wake:
		}
		ticker := time.NewTicker(o.Period())
		for o.originating() {
			o.burst()
			select {
			case <-o.exit:
				ticker.Stop()
				return
			case <-ticker.C:
			}
		}
		ticker.Stop()
	}
}

// burst issues min(rate·period, limit − active, max_offered − offered)
// originates round-robin across the pool, spacing them to cap the
// transmission rate.
func (o *Originator) burst() {
	o.mu.Lock()
	rate := o.rate
	limit := o.limit
	maxOffered := o.maxOffered
	period := o.period
	maxRate := o.maxRate
	offered := o.totalOffered
	appID := o.appID
	o.mu.Unlock()

	active := o.pool.CountCalls()
	metrics.ActiveSessions.Set(float64(o.pool.CountSessions()))
	metrics.Erlangs.Set(float64(active))

	n := int(rate * period.Seconds())
	if room := limit - active; room < n {
		n = room
	}
	if room := maxOffered - offered; room < n {
		n = room
	}
	if n <= 0 {
		if offered >= maxOffered {
			o.logger.Info().Int("offered", offered).Msg("max offered reached")
			o.Stop()
		}
		return
	}

	burstRate := rate
	if burstRate > maxRate {
		burstRate = maxRate
	}
	// leave a little headroom for processing latency around each send
	ibp := time.Duration(0.9 * float64(time.Second) / burstRate)

	issued := 0
	for i := 0; i < n; i++ {
		if !o.originating() {
			break
		}
		if o.pool.CountCalls() >= limit {
			break
		}
		m := o.pool.Next()
		if m == nil {
			o.logger.Warn().Msg("every pool member is at capacity")
			break
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := m.Client.Originate(ctx, appID)
		cancel()
		if err != nil {
			o.logger.Error().Str("engine", m.Client.Addr()).Err(err).Msg("originate failed")
			continue
		}
		issued++
		metrics.OfferedCalls.Inc()
		time.Sleep(ibp)
	}

	if issued > 0 {
		metrics.BurstSize.Observe(float64(issued))
		o.logger.Debug().Int("issued", issued).Msg("burst complete")
	}
	o.mu.Lock()
	o.totalOffered += issued
	offered = o.totalOffered
	o.mu.Unlock()
	if offered >= maxOffered {
		o.logger.Info().Int("offered", offered).Msg("max offered reached")
		o.Stop()
	}
}

// recomputeDuration applies the steady-state relation
// limit = rate × duration. Callers hold o.mu (or sole ownership).
func (o *Originator) recomputeDuration() {
	if !o.autoDuration || o.rate <= 0 {
		return
	}
	o.duration = time.Duration(float64(o.limit) / o.rate * float64(time.Second))
}

// SetRate tunes the offer rate, re-deriving the hold time when auto.
func (o *Originator) SetRate(rate float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rate = rate
	o.recomputeDuration()
}

// SetLimit tunes the concurrency cap, re-deriving the hold time when
// auto.
func (o *Originator) SetLimit(limit int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.limit = limit
	o.recomputeDuration()
}

// SetDuration pins the hold time and disables auto-derivation.
func (o *Originator) SetDuration(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.duration = d
	o.autoDuration = false
}

// Rate returns the configured offer rate.
func (o *Originator) Rate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate
}

// Limit returns the configured concurrency cap.
func (o *Originator) Limit() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.limit
}

// Duration returns the per-call hold time.
func (o *Originator) Duration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.duration
}

// Period returns the pacing interval.
func (o *Originator) Period() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.period
}

// TotalOffered returns the count of issued originate requests.
func (o *Originator) TotalOffered() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.totalOffered
}

// FailedCalls returns a copy of the per-cause failed originate
// counters.
func (o *Originator) FailedCalls() map[string]int {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]int, len(o.failedCalls))
	for k, v := range o.failedCalls {
		out[k] = v
	}
	return out
}
