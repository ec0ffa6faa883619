package esl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
)

const bufferSize = 1024 << 6

// Framer reads framed ESL messages from a byte stream. It is stateful
// only across partial reads of a single message; one instance per
// connection, single reader.
type Framer struct {
	r *bufio.Reader
}

// NewFramer wraps r for message-at-a-time reads.
func NewFramer(r io.Reader) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, bufferSize)}
}

// ReadMessage reads one complete wire unit: a header block terminated
// by a blank line followed by Content-Length body bytes. Event payloads
// (text/event-plain, text/event-json) are decoded into the returned
// message's headers.
func (f *Framer) ReadMessage() (*Message, error) {
	msg, err := readBlock(f.r, false)
	if err != nil {
		return nil, err
	}

	ctype := msg.Get("Content-Type")
	msg.ContentType = ctype

	if err := readBody(f.r, msg); err != nil {
		return nil, err
	}

	switch ctype {
	case "auth/request":
		msg.Kind = KindAuthRequest
	case "command/reply":
		msg.Kind = KindCommandReply
	case "api/response":
		msg.Kind = KindAPIResponse
	case "text/disconnect-notice":
		msg.Kind = KindDisconnectNotice
	case "text/event-plain":
		ev, err := parseEventPlain(msg.Body)
		if err != nil {
			return nil, err
		}
		ev.ContentType = ctype
		return ev, nil
	case "text/event-json":
		ev, err := parseEventJSON(msg.Body)
		if err != nil {
			return nil, err
		}
		ev.ContentType = ctype
		return ev, nil
	case "text/event-xml":
		return nil, protocolErrorf("text/event-xml is not supported, subscribe with plain or json")
	default:
		return nil, protocolErrorf("unknown Content-Type %q", ctype)
	}
	return msg, nil
}

// readBlock parses "Name: value" lines up to a blank line. Any value
// containing '%' is percent-decoded, whether or not decode is set
// (decode is set for nested event headers).
func readBlock(r *bufio.Reader, decode bool) (*Message, error) {
	msg := NewMessage(KindEvent)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" && msg.Len() == 0 {
				return nil, io.EOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if msg.Len() == 0 {
				// tolerate stray blank lines between frames
				continue
			}
			return msg, nil
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, protocolErrorf("malformed header line %q", line)
		}
		value = strings.TrimPrefix(value, " ")
		if decode || strings.Contains(value, "%") {
			value, err = unescape(value)
			if err != nil {
				return nil, err
			}
		}
		msg.Set(name, value)
	}
}

func readBody(r io.Reader, msg *Message) error {
	v, ok := msg.Lookup("Content-Length")
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return protocolErrorf("invalid Content-Length %q", v)
	}
	if n == 0 {
		msg.Body = []byte{}
		return nil
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return protocolErrorf("short body: want %d bytes: %v", n, err)
	}
	msg.Body = body
	return nil
}

// parseEventPlain re-parses an event body as a nested header block with
// its own optional Content-Length payload.
func parseEventPlain(body []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(body))
	ev, err := readBlock(r, true)
	if err != nil {
		return nil, err
	}
	if err := readBody(r, ev); err != nil {
		return nil, err
	}
	ev.Kind = KindEvent
	return ev, nil
}

func parseEventJSON(body []byte) (*Message, error) {
	var raw map[string]string
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, protocolErrorf("invalid event json: %v", err)
	}
	ev := NewMessage(KindEvent)
	for k, v := range raw {
		if k == "_body" {
			ev.Body = []byte(v)
			continue
		}
		ev.Set(k, v)
	}
	return ev, nil
}

// SerializeCommand frames a single-line command for the wire. Embedded
// line terminators would desynchronize the parser and are rejected.
func SerializeCommand(cmd string) ([]byte, error) {
	if strings.ContainsAny(cmd, "\r\n") {
		return nil, protocolErrorf("command contains a line terminator: %q", cmd)
	}
	return []byte(cmd + "\n\n"), nil
}

// SerializeSendMsg frames a sendmsg command with its directive headers
// and an optional verbatim body (binary safe via content-length).
func SerializeSendMsg(uuid string, directives map[string]string, body []byte) ([]byte, error) {
	var b bytes.Buffer
	b.WriteString("sendmsg")
	if uuid != "" {
		if strings.ContainsAny(uuid, "\r\n ") {
			return nil, protocolErrorf("invalid sendmsg uuid %q", uuid)
		}
		b.WriteString(" " + uuid)
	}
	b.WriteString("\n")
	for name, value := range directives {
		if value == "" {
			continue
		}
		if strings.ContainsAny(name, "\r\n") || strings.ContainsAny(value, "\r\n") {
			return nil, protocolErrorf("sendmsg directive %q contains a line terminator", name)
		}
		b.WriteString(name + ": " + value + "\n")
	}
	if len(body) > 0 {
		b.WriteString("content-length: " + strconv.Itoa(len(body)) + "\n")
	}
	b.WriteString("\n")
	b.Write(body)
	return b.Bytes(), nil
}

// Marshal renders a message the way the engine frames it: headers in
// order with reserved characters percent-encoded, a blank line, then
// the body. Used by tests and by outbound event injection.
func (m *Message) Marshal() []byte {
	var b bytes.Buffer
	for _, k := range m.keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(escape(m.values[k]))
		b.WriteString("\n")
	}
	if _, ok := m.values["Content-Length"]; !ok && len(m.Body) > 0 {
		b.WriteString("Content-Length: " + strconv.Itoa(len(m.Body)) + "\n")
	}
	b.WriteString("\n")
	b.Write(m.Body)
	return b.Bytes()
}

const hexdigits = "0123456789ABCDEF"

// escape percent-encodes the characters that would break header
// framing. The inverse of unescape.
func escape(s string) string {
	if !strings.ContainsAny(s, "%\r\n") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '%', '\r', '\n':
			b.WriteByte('%')
			b.WriteByte(hexdigits[c>>4])
			b.WriteByte(hexdigits[c&0xf])
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, "%") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(s) {
			return "", protocolErrorf("truncated percent escape in %q", s)
		}
		hi, ok1 := unhex(s[i+1])
		lo, ok2 := unhex(s[i+2])
		if !ok1 || !ok2 {
			return "", protocolErrorf("invalid percent escape %q", s[i:i+3])
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
