package listener

import (
	"strings"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/models"
)

// lookupSess is the basic handler template: find the tracked session
// for the event's Unique-ID and fold the event into its history.
func (l *Listener) lookupSess(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	l.mu.RLock()
	sess := l.sessions[uuid]
	l.mu.RUnlock()
	if sess == nil {
		return false, nil
	}
	sess.Update(msg)
	return true, &app.Payload{Event: msg, Sess: sess, Call: l.callFor(sess)}
}

func (l *Listener) callFor(sess *models.Session) *models.Call {
	uuid := sess.CallUUID()
	if uuid == "" {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.calls[uuid]
}

// correlationTag extracts the call association tag from an event: the
// forwarded X-header first, the engine-local call uuid variable second.
func correlationTag(msg *esl.Message) string {
	if tag := msg.Get("variable_" + CorrXHeader); tag != "" {
		return tag
	}
	return msg.Get("variable_" + CallVar)
}

// bindCall associates a session into a call keyed by the correlation
// tag, creating the call on first sight. Caller must not hold l.mu.
func (l *Listener) bindCall(sess *models.Session, msg *esl.Message) *models.Call {
	if existing := sess.CallUUID(); existing != "" {
		return l.callFor(sess)
	}
	tag := correlationTag(msg)
	if tag == "" {
		l.logger.Debug().Str("uuid", sess.UUID).Msg("session has no correlation tag")
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	call, ok := l.calls[tag]
	if ok {
		call.Append(sess)
		l.logger.Debug().Str("uuid", sess.UUID).Str("call", tag).Msg("session joined call")
	} else {
		call = models.NewCall(tag, sess)
		l.calls[tag] = call
	}
	return call
}

// handleCreate allocates (or activates a reserved) session for a new
// channel and attempts call correlation.
func (l *Listener) handleCreate(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	if uuid == "" {
		return false, nil
	}
	l.mu.Lock()
	sess, reserved := l.sessions[uuid]
	if !reserved {
		sess = models.NewSession(uuid, msg)
		l.sessions[uuid] = sess
	}
	if l.runner != nil {
		sess.AttachRunner(l.runner)
	}
	l.mu.Unlock()

	if reserved {
		sess.Update(msg)
		sess.SetTimes(func(t *models.SessionTimes) { t.Create = models.EventTime(msg) })
	}
	if sess.ClientID == "" {
		sess.ClientID = eventClientID(msg)
	}
	call := l.bindCall(sess, msg)
	l.logger.Debug().Str("uuid", uuid).Msg("channel created")
	return true, &app.Payload{Event: msg, Sess: sess, Call: call}
}

// handleOriginate marks a session outbound and counts it.
func (l *Listener) handleOriginate(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	l.mu.RLock()
	sess := l.sessions[uuid]
	l.mu.RUnlock()
	if sess == nil {
		return false, nil
	}
	sess.Update(msg)
	sess.MarkOriginated(models.EventTime(msg))
	l.mu.Lock()
	l.totalOriginated++
	l.mu.Unlock()
	return true, &app.Payload{Event: msg, Sess: sess, Call: l.callFor(sess)}
}

// handleAnswer records the answer transition and retries correlation in
// case the tag only appeared on later events.
func (l *Listener) handleAnswer(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	l.mu.RLock()
	sess := l.sessions[uuid]
	l.mu.RUnlock()
	if sess == nil {
		l.logger.Debug().Str("uuid", uuid).Msg("answer for untracked session")
		return false, nil
	}
	sess.Update(msg)
	sess.MarkAnswered(models.EventTime(msg))
	l.mu.Lock()
	l.totalAnswered++
	l.mu.Unlock()
	call := l.bindCall(sess, msg)
	return true, &app.Payload{Event: msg, Sess: sess, Call: call}
}

// handleHangup records the hangup cause and failure accounting. The
// session stays in the table until CHANNEL_HANGUP_COMPLETE.
func (l *Listener) handleHangup(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	l.mu.RLock()
	sess := l.sessions[uuid]
	l.mu.RUnlock()
	if sess == nil {
		return false, nil
	}
	sess.Update(msg)
	cause := msg.Get("Hangup-Cause")
	sess.MarkHungup(cause, models.EventTime(msg))

	l.mu.Lock()
	l.hangupCauses[cause]++
	if !sess.Answered() || cause != "NORMAL_CLEARING" {
		l.failedSessions[cause]++
	}
	l.mu.Unlock()

	return true, &app.Payload{Event: msg, Sess: sess, Call: l.callFor(sess), Job: sess.BgJob()}
}

// handleHangupComplete finalizes the session: drop it from the live
// table, tear down its call when it was the last leg, and retire the
// originate job.
func (l *Listener) handleHangupComplete(msg *esl.Message) (bool, *app.Payload) {
	uuid := msg.UUID()
	l.mu.Lock()
	sess := l.sessions[uuid]
	if sess == nil {
		l.mu.Unlock()
		return false, nil
	}
	delete(l.sessions, uuid)
	l.mu.Unlock()

	sess.Update(msg)
	call := l.callFor(sess)
	if call != nil {
		if remaining := call.Remove(sess); remaining == 0 {
			l.mu.Lock()
			delete(l.calls, call.UUID)
			l.mu.Unlock()
			l.logger.Debug().Str("call", call.UUID).Msg("call torn down")
		}
	}
	if job := sess.BgJob(); job != nil {
		l.mu.Lock()
		delete(l.jobs, job.UUID)
		l.mu.Unlock()
	}
	l.logger.Debug().Str("uuid", uuid).Msg("session finalized")
	return true, &app.Payload{Event: msg, Sess: sess, Call: call, Job: sess.BgJob()}
}

// handleBackgroundJob resolves a tracked job from its BACKGROUND_JOB
// event. The body's first line is "+OK <uuid>" for a successful
// originate or "-ERR <cause>" on failure.
func (l *Listener) handleBackgroundJob(msg *esl.Message) (bool, *app.Payload) {
	jobUUID := msg.JobUUID()
	l.mu.RLock()
	job := l.jobs[jobUUID]
	l.mu.RUnlock()

	body := strings.TrimSpace(string(msg.Body))
	if job == nil {
		if strings.HasPrefix(body, "-ERR") {
			l.logger.Warn().Str("job", jobUUID).Str("body", body).Msg("untracked job failed")
		}
		return false, nil
	}
	job.Events().Update(msg)

	switch {
	case strings.HasPrefix(body, "-ERR"):
		cause := strings.TrimSpace(strings.TrimPrefix(body, "-ERR"))
		l.mu.Lock()
		l.failedJobs[cause]++
		delete(l.jobs, jobUUID)
		// a failed originate never became a live channel: drop the
		// reserved session and any call stub
		if job.SessionUUID != "" {
			if sess := l.sessions[job.SessionUUID]; sess != nil {
				delete(l.sessions, job.SessionUUID)
				if callUUID := sess.CallUUID(); callUUID != "" {
					delete(l.calls, callUUID)
				}
			}
		}
		l.mu.Unlock()
		l.logger.Debug().Str("job", jobUUID).Str("cause", cause).Msg("job failed")
		job.Fail(&models.JobError{Cause: cause})

	case strings.HasPrefix(body, "+OK"):
		result := strings.TrimSpace(strings.TrimPrefix(body, "+OK"))
		l.mu.Lock()
		sess := l.sessions[result]
		if sess != nil {
			sess.BindJob(job)
		} else {
			// nothing to associate; retire the job now
			delete(l.jobs, jobUUID)
		}
		l.mu.Unlock()
		job.Resolve(result)

	default:
		l.logger.Warn().Str("job", jobUUID).Str("body", body).Msg("unexpected job reply")
		l.mu.Lock()
		delete(l.jobs, jobUUID)
		l.mu.Unlock()
		job.Resolve(body)
	}
	return true, &app.Payload{Event: msg, Job: job}
}

// handleServerDisconnect reacts to the SERVER_DISCONNECTED event; the
// connection teardown itself arrives via the disconnect notice.
func (l *Listener) handleServerDisconnect(msg *esl.Message) (bool, *app.Payload) {
	l.logger.Warn().Msg("server disconnected event")
	return true, &app.Payload{Event: msg}
}

// handleLog forwards engine log events to the local logger.
func (l *Listener) handleLog(msg *esl.Message) (bool, *app.Payload) {
	l.logger.Info().Str("engine-log", strings.TrimSpace(string(msg.Body))).Send()
	return true, nil
}
