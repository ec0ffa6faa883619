package models

import (
	"context"
	"sync"
	"time"
)

// Job tracks one outstanding bgapi call. It resolves exactly once:
// either with the result payload of its BACKGROUND_JOB event, or with
// an error (job failure or connection loss).
type Job struct {
	UUID        string
	SessionUUID string // preset for originate jobs
	ClientID    string
	LaunchTime  time.Time

	events *Events

	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	result   string
	err      error
}

// NewJob allocates a pending job.
func NewJob(uuid, sessionUUID, clientID string) *Job {
	return &Job{
		UUID:        uuid,
		SessionUUID: sessionUUID,
		ClientID:    clientID,
		LaunchTime:  time.Now(),
		events:      NewEvents(nil),
		done:        make(chan struct{}),
	}
}

// Events exposes the job's received event history.
func (j *Job) Events() *Events { return j.events }

// Resolve completes the job with a result. Later calls are ignored.
func (j *Job) Resolve(result string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return
	}
	j.resolved = true
	j.result = result
	close(j.done)
}

// Fail completes the job with an error. Later calls are ignored.
func (j *Job) Fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return
	}
	j.resolved = true
	j.err = err
	close(j.done)
}

// Ready reports whether the job has completed.
func (j *Job) Ready() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resolved
}

// Done is closed when the job resolves.
func (j *Job) Done() <-chan struct{} { return j.done }

// Result blocks until the job resolves or the context expires.
func (j *Job) Result(ctx context.Context) (string, error) {
	select {
	case <-j.done:
		j.mu.Lock()
		defer j.mu.Unlock()
		return j.result, j.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Successful reports whether a completed job carried no error.
func (j *Job) Successful() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resolved && j.err == nil
}
