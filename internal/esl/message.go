// Package esl implements the FreeSWITCH Event Socket Layer wire protocol:
// message framing, percent-decoding, command serialization and an
// authenticated TCP connection with FIFO reply dispatch.
//
// Reference: https://freeswitch.org/confluence/display/FREESWITCH/mod_event_socket
package esl

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies an inbound message by its Content-Type header.
type Kind int

const (
	KindAuthRequest Kind = iota
	KindCommandReply
	KindAPIResponse
	KindEvent
	KindDisconnectNotice
)

func (k Kind) String() string {
	switch k {
	case KindAuthRequest:
		return "auth/request"
	case KindCommandReply:
		return "command/reply"
	case KindAPIResponse:
		return "api/response"
	case KindEvent:
		return "event"
	case KindDisconnectNotice:
		return "disconnect-notice"
	}
	return "unknown"
}

// Message is a single ESL wire unit: an ordered header block plus an
// optional body. Events parsed from text/event-plain or text/event-json
// bodies carry the nested event headers directly.
type Message struct {
	Kind        Kind
	ContentType string
	Body        []byte

	keys   []string
	values map[string]string
}

// NewMessage returns an empty message of the given kind.
func NewMessage(kind Kind) *Message {
	return &Message{Kind: kind, values: make(map[string]string)}
}

// Get returns the value for a header, or "" when absent.
func (m *Message) Get(name string) string {
	return m.values[name]
}

// Lookup returns the value for a header and whether it was present.
func (m *Message) Lookup(name string) (string, bool) {
	v, ok := m.values[name]
	return v, ok
}

// Set adds or replaces a header, preserving first-insertion order.
func (m *Message) Set(name, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[name]; !ok {
		m.keys = append(m.keys, name)
	}
	m.values[name] = value
}

// Headers yields the header names in insertion order.
func (m *Message) Headers() []string {
	return m.keys
}

// Len returns the number of headers.
func (m *Message) Len() int { return len(m.keys) }

// GetInt parses a header value as an integer.
func (m *Message) GetInt(name string) (int, error) {
	return strconv.Atoi(m.values[name])
}

// EventName returns the Event-Name header, substituting the
// Event-Subclass for CUSTOM events.
func (m *Message) EventName() string {
	name := m.Get("Event-Name")
	if name == "CUSTOM" {
		if sub := m.Get("Event-Subclass"); sub != "" {
			return sub
		}
	}
	return name
}

// UUID returns the Unique-ID header identifying the channel.
func (m *Message) UUID() string { return m.Get("Unique-ID") }

// JobUUID returns the Job-UUID header for BACKGROUND_JOB events.
func (m *Message) JobUUID() string { return m.Get("Job-UUID") }

// ReplyText returns the Reply-Text header of a command/reply.
func (m *Message) ReplyText() string { return m.Get("Reply-Text") }

// ReplyOK reports whether a command/reply indicates success.
func (m *Message) ReplyOK() bool {
	return strings.HasPrefix(m.ReplyText(), "+OK")
}

// Variable returns a channel variable from an event's headers using the
// standard "variable_" prefix convention.
func (m *Message) Variable(name string) string {
	return m.Get("variable_" + name)
}

func (m *Message) String() string {
	name := m.EventName()
	if name == "" {
		name = m.ContentType
	}
	return fmt.Sprintf("<%s %d headers %d body bytes>", name, len(m.keys), len(m.Body))
}

// Equal reports whether two messages carry identical headers (order
// included) and body.
func (m *Message) Equal(o *Message) bool {
	if m.Kind != o.Kind || len(m.keys) != len(o.keys) || string(m.Body) != string(o.Body) {
		return false
	}
	for i, k := range m.keys {
		if o.keys[i] != k || m.values[k] != o.values[k] {
			return false
		}
	}
	return true
}
