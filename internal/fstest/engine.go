// Package fstest provides a scriptable in-process mock engine speaking
// just enough ESL for the package test suites: password handshake,
// command replies, api responses, bgapi job events and event emission.
package fstest

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/esl"
)

// Engine is one mock ESL endpoint. Hooks run on the serving goroutine
// of the connection that issued the command, so replies stay ordered.
type Engine struct {
	Password string

	// APIResponder supplies api/response bodies; default "+OK\n".
	APIResponder func(cmd string) string
	// OnBgAPI observes bgapi commands (cmd, jobUUID). Use Emit to
	// deliver the BACKGROUND_JOB event afterwards.
	OnBgAPI func(cmd, jobUUID string)

	ln net.Listener

	wmu sync.Mutex // serializes all socket writes (replies vs emits)

	mu       sync.Mutex
	conns    []net.Conn
	subs     []net.Conn // conns that subscribed to events
	commands []string
	closed   bool
}

// Start listens on a loopback port and serves connections until Close.
func Start(password string) (*Engine, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	e := &Engine{Password: password, ln: ln}
	go e.acceptLoop()
	return e, nil
}

// Addr returns the host:port endpoint.
func (e *Engine) Addr() string { return e.ln.Addr().String() }

// Close stops the listener and drops every connection.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	conns := e.conns
	e.conns = nil
	e.subs = nil
	e.mu.Unlock()
	e.ln.Close()
	for _, c := range conns {
		c.Close()
	}
}

// Disconnect sends a disconnect notice on every connection and closes.
func (e *Engine) Disconnect() {
	e.mu.Lock()
	conns := e.conns
	e.mu.Unlock()
	for _, c := range conns {
		e.write(c, "Content-Type: text/disconnect-notice\nContent-Length: 0\n\n")
	}
	e.Close()
}

// Commands returns every command line received so far.
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.commands))
	copy(out, e.commands)
	return out
}

// Emit delivers an event to every subscribed connection as
// text/event-plain.
func (e *Engine) Emit(ev *esl.Message) {
	nested := ev.Marshal()
	frame := fmt.Sprintf("Content-Type: text/event-plain\nContent-Length: %d\n\n%s",
		len(nested), nested)
	e.mu.Lock()
	subs := make([]net.Conn, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()
	for _, c := range subs {
		e.write(c, "%s", frame)
	}
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.ln.Accept()
		if err != nil {
			return
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			conn.Close()
			return
		}
		e.conns = append(e.conns, conn)
		e.mu.Unlock()
		go e.serve(conn)
	}
}

// serve runs the handshake then answers command frames one at a time.
func (e *Engine) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)

	e.write(conn, "Content-Type: auth/request\n\n")
	lines, err := readFrame(r)
	if err != nil || len(lines) == 0 {
		return
	}
	if lines[0] != "auth "+e.Password {
		e.write(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n\n")
		return
	}
	e.write(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n\n")

	for {
		lines, err := readFrame(r)
		if err != nil || len(lines) == 0 {
			return
		}
		cmd := lines[0]
		e.mu.Lock()
		e.commands = append(e.commands, cmd)
		e.mu.Unlock()

		switch {
		case strings.HasPrefix(cmd, "api "):
			body := "+OK\n"
			if e.APIResponder != nil {
				body = e.APIResponder(strings.TrimPrefix(cmd, "api "))
			}
			e.write(conn, "Content-Type: api/response\nContent-Length: %d\n\n%s",
				len(body), body)

		case strings.HasPrefix(cmd, "bgapi "):
			jobUUID := headerValue(lines[1:], "Job-UUID")
			if jobUUID == "" {
				jobUUID = "job-" + strconv.Itoa(len(e.commands))
			}
			e.write(conn, "Content-Type: command/reply\nReply-Text: +OK Job-UUID: %s\nJob-UUID: %s\n\n",
				jobUUID, jobUUID)
			if e.OnBgAPI != nil {
				e.OnBgAPI(strings.TrimPrefix(cmd, "bgapi "), jobUUID)
			}

		case strings.HasPrefix(cmd, "event plain"):
			e.mu.Lock()
			e.subs = append(e.subs, conn)
			e.mu.Unlock()
			e.write(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled plain\n\n")

		case cmd == "exit":
			e.write(conn, "Content-Type: command/reply\nReply-Text: +OK bye\n\n")
			e.write(conn, "Content-Type: text/disconnect-notice\nContent-Length: 0\n\n")
			return

		default:
			e.write(conn, "Content-Type: command/reply\nReply-Text: +OK\n\n")
		}
	}
}

// write serializes socket writes so emitted events never interleave
// with command replies mid-frame.
func (e *Engine) write(conn net.Conn, format string, args ...interface{}) {
	e.wmu.Lock()
	defer e.wmu.Unlock()
	fmt.Fprintf(conn, format, args...)
}

// readFrame collects the lines of one inbound command up to the blank
// terminator.
func readFrame(r *bufio.Reader) ([]string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(lines) == 0 {
				continue
			}
			return lines, nil
		}
		lines = append(lines, line)
	}
}

func headerValue(lines []string, name string) string {
	for _, line := range lines {
		if v, ok := strings.CutPrefix(line, name+": "); ok {
			return v
		}
	}
	return ""
}

// BgJobEvent builds the BACKGROUND_JOB event for a job uuid with the
// given result body ("+OK <uuid>\n" or "-ERR <cause>\n").
func BgJobEvent(jobUUID, body string) *esl.Message {
	ev := esl.NewMessage(esl.KindEvent)
	ev.Set("Event-Name", "BACKGROUND_JOB")
	ev.Set("Job-UUID", jobUUID)
	ev.Body = []byte(body)
	return ev
}

// ChannelEvent builds a channel event with standard headers plus vars.
func ChannelEvent(name, uuid string, headers map[string]string) *esl.Message {
	ev := esl.NewMessage(esl.KindEvent)
	ev.Set("Event-Name", name)
	ev.Set("Unique-ID", uuid)
	for k, v := range headers {
		ev.Set(k, v)
	}
	return ev
}
