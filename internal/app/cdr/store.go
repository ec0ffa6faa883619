package cdr

import (
	"database/sql"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/app"
	"github.com/hamzaKhattat/freeswitch-control-plane/internal/db"
)

// SQLStore appends rows to the shared MySQL cdr table.
type SQLStore struct{}

// NewSQLStore returns the MySQL-backed store. db.Initialize must have
// run first.
func NewSQLStore() *SQLStore { return &SQLStore{} }

// Append implements Store.
func (s *SQLStore) Append(r Row) error {
	query := `
		INSERT INTO cdr
		(call_uuid, app_id, hangup_cause,
		 caller_create, caller_answer, caller_req_originate, caller_originate, caller_hangup,
		 job_launch, callee_create, callee_answer, callee_hangup,
		 failed_calls, active_sessions, erlangs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.DB.Exec(query,
		r.CallUUID, r.AppID, r.HangupCause,
		r.CallerCreate, r.CallerAnswer, r.CallerReqOrig, r.CallerOrig, r.CallerHangup,
		r.JobLaunch, r.CalleeCreate, r.CalleeAnswer, r.CalleeHangup,
		r.FailedCalls, r.ActiveSessions, r.Erlangs)
	return err
}

// CallMetrics are the derived per-call measurements computed on read.
type CallMetrics struct {
	CallUUID         string
	HangupCause      string
	InviteLatency    float64
	AnswerLatency    float64
	CallSetupLatency float64
	OriginateLatency float64
	CallDuration     float64
	ActiveSessions   int
	Erlangs          int
}

// Metrics computes the derived latency columns from the stored rows,
// newest first, up to limit rows.
func Metrics(handle *sql.DB, limit int) ([]CallMetrics, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := handle.Query(`
		SELECT call_uuid, hangup_cause,
		       IF(callee_create > 0, callee_create - caller_create, 0),
		       IF(callee_answer > 0 AND caller_answer > 0, caller_answer - callee_answer, 0),
		       IF(caller_answer > 0, caller_answer - caller_create, 0),
		       IF(job_launch > 0, caller_req_originate - job_launch, 0),
		       IF(caller_hangup > 0, caller_hangup - caller_create, 0),
		       active_sessions, erlangs
		FROM cdr
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CallMetrics
	for rows.Next() {
		var m CallMetrics
		if err := rows.Scan(&m.CallUUID, &m.HangupCause,
			&m.InviteLatency, &m.AnswerLatency, &m.CallSetupLatency,
			&m.OriginateLatency, &m.CallDuration,
			&m.ActiveSessions, &m.Erlangs); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func init() {
	// registry entry uses the shared SQL store and no cluster counter;
	// the dial command wires both explicitly
	app.Register("cdr", func() app.Application { return New(nil, NewSQLStore()) })
}
