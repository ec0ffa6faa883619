package esl

import (
	"errors"
	"fmt"
	"strings"
)

// ErrConnectionLost is returned to every pending waiter when the socket
// drops or the server sends a disconnect notice.
var ErrConnectionLost = errors.New("esl: connection lost")

// ErrTimeout is returned when a bounded wait for a reply expires. The
// abandoned FIFO slot is kept so the late reply cannot bind to the next
// waiter.
var ErrTimeout = errors.New("esl: command timed out")

// ProtocolError reports malformed wire data. It is fatal for the
// connection that produced it.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "esl: protocol error: " + e.Reason
}

func protocolErrorf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// AuthError reports a rejected password handshake.
type AuthError struct {
	Reply string
}

func (e *AuthError) Error() string {
	return "esl: authentication failed: " + e.Reply
}

// APIError reports an "-ERR" response body from a synchronous api
// command. It is not fatal for the connection.
type APIError struct {
	Body string
}

func (e *APIError) Error() string {
	return "esl: api error: " + strings.TrimSpace(e.Body)
}

// IsErrBody reports whether a response body's final line signals a
// command error.
func IsErrBody(body string) bool {
	lines := strings.Split(strings.TrimRight(body, "\n"), "\n")
	if len(lines) == 0 {
		return false
	}
	return strings.Contains(lines[len(lines)-1], "-ERR")
}
