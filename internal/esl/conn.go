package esl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hamzaKhattat/freeswitch-control-plane/internal/log"
)

// DefaultPort is the stock mod_event_socket listen port.
const DefaultPort = 8021

const handshakeTimeout = 10 * time.Second

// pendingReply is one FIFO slot awaiting a reply of a given kind. A
// slot abandoned by a timed-out caller stays in the queue so the reply
// that eventually arrives is discarded instead of resolving the next
// waiter.
type pendingReply struct {
	ch        chan *Message
	abandoned bool
}

// Connection is a single authenticated ESL session to one engine. It is
// safe for concurrent senders; outbound writes are serialized. Received
// events and disconnect notices are delivered on Messages() in receive
// order; command and api replies resolve pending waiters FIFO.
type Connection struct {
	addr string

	conn   net.Conn
	framer *Framer
	logger zerolog.Logger

	wmu sync.Mutex // serializes socket writes

	mu      sync.Mutex
	pending map[Kind][]*pendingReply
	closed  bool
	err     error

	msgs chan *Message
	done chan struct{}
	once sync.Once
}

// Dial connects to addr ("host" or "host:port"), performs the password
// handshake and starts the read pump. The caller owns event
// subscription; no events are requested here.
func Dial(addr, password string) (*Connection, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}
	conn, err := net.DialTimeout("tcp", addr, handshakeTimeout)
	if err != nil {
		return nil, fmt.Errorf("esl: dial %s: %w", addr, err)
	}
	c := &Connection{
		addr:    addr,
		conn:    conn,
		framer:  NewFramer(conn),
		logger:  log.WithComponent("esl").With().Str("engine", addr).Logger(),
		pending: make(map[Kind][]*pendingReply),
		msgs:    make(chan *Message, 1024),
		done:    make(chan struct{}),
	}
	if err := c.handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	go c.readLoop()
	return c, nil
}

// handshake waits for auth/request and answers with the password.
func (c *Connection) handshake(password string) error {
	c.conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	msg, err := c.framer.ReadMessage()
	if err != nil {
		return fmt.Errorf("esl: handshake: %w", err)
	}
	if msg.Kind != KindAuthRequest {
		return protocolErrorf("expected auth/request, got %s", msg.Kind)
	}
	frame, err := SerializeCommand("auth " + password)
	if err != nil {
		return err
	}
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("esl: handshake: %w", err)
	}
	reply, err := c.framer.ReadMessage()
	if err != nil {
		return fmt.Errorf("esl: handshake: %w", err)
	}
	if reply.Kind != KindCommandReply || !reply.ReplyOK() {
		return &AuthError{Reply: reply.ReplyText()}
	}
	c.logger.Debug().Msg("authenticated")
	return nil
}

// Addr returns the remote engine address.
func (c *Connection) Addr() string { return c.addr }

// Connected reports whether the connection is usable.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Messages delivers events and the final disconnect notice. The channel
// is closed when the connection dies.
func (c *Connection) Messages() <-chan *Message { return c.msgs }

// readLoop is the single reader. Replies resolve FIFO waiters; all
// other traffic goes to the message channel.
func (c *Connection) readLoop() {
	// sole sender on msgs, so the close happens here and nowhere else
	defer close(c.msgs)
	for {
		msg, err := c.framer.ReadMessage()
		if err != nil {
			c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		switch msg.Kind {
		case KindCommandReply, KindAPIResponse:
			c.resolve(msg)
		case KindDisconnectNotice:
			c.logger.Warn().Msg("server sent disconnect notice")
			select {
			case c.msgs <- msg:
			case <-c.done:
			}
			c.fail(ErrConnectionLost)
			return
		default:
			select {
			case c.msgs <- msg:
			case <-c.done:
				return
			}
		}
	}
}

func (c *Connection) resolve(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.pending[msg.Kind]
	if len(q) == 0 {
		c.logger.Warn().Str("kind", msg.Kind.String()).Msg("reply with no pending waiter")
		return
	}
	head := q[0]
	c.pending[msg.Kind] = q[1:]
	if head.abandoned {
		// the waiter timed out; this reply belongs to it and must not
		// bind to the next slot
		return
	}
	head.ch <- msg
}

// fail closes the connection once, failing every pending waiter with
// ErrConnectionLost; the read loop then drains out and closes msgs.
func (c *Connection) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.err = err
		for kind, q := range c.pending {
			for _, p := range q {
				if !p.abandoned {
					close(p.ch)
				}
			}
			delete(c.pending, kind)
		}
		c.mu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

// Close tears the connection down. Pending waiters observe
// ErrConnectionLost.
func (c *Connection) Close() error {
	c.fail(ErrConnectionLost)
	return nil
}

// send registers a FIFO waiter for replyKind then writes the frame.
func (c *Connection) send(frame []byte, replyKind Kind) (*pendingReply, error) {
	p := &pendingReply{ch: make(chan *Message, 1)}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrConnectionLost
	}
	c.pending[replyKind] = append(c.pending[replyKind], p)
	c.mu.Unlock()

	c.wmu.Lock()
	_, err := c.conn.Write(frame)
	c.wmu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return nil, ErrConnectionLost
	}
	return p, nil
}

func (c *Connection) await(ctx context.Context, p *pendingReply) (*Message, error) {
	select {
	case msg, ok := <-p.ch:
		if !ok {
			return nil, ErrConnectionLost
		}
		return msg, nil
	case <-ctx.Done():
		c.mu.Lock()
		p.abandoned = true
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// Command sends a raw command and waits for its command/reply.
func (c *Connection) Command(ctx context.Context, cmd string) (*Message, error) {
	frame, err := SerializeCommand(cmd)
	if err != nil {
		return nil, err
	}
	p, err := c.send(frame, KindCommandReply)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// API issues a synchronous api command and waits for its api/response.
// Replies are matched strictly in submission order.
func (c *Connection) API(ctx context.Context, cmd string) (*Message, error) {
	frame, err := SerializeCommand("api " + cmd)
	if err != nil {
		return nil, err
	}
	p, err := c.send(frame, KindAPIResponse)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// BgAPI issues a background api command. When jobUUID is non-empty it
// is planted as the Job-UUID header so the caller can register the job
// before the BACKGROUND_JOB event can possibly arrive.
func (c *Connection) BgAPI(ctx context.Context, cmd, jobUUID string) (*Message, error) {
	if err := validateArg(cmd); err != nil {
		return nil, err
	}
	line := "bgapi " + cmd
	if jobUUID != "" {
		if err := validateArg(jobUUID); err != nil {
			return nil, err
		}
		line += "\nJob-UUID: " + jobUUID
	}
	frame := []byte(line + "\n\n")
	p, err := c.send(frame, KindCommandReply)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// SendMsg delivers a sendmsg frame (call commands, executes) and waits
// for the command/reply.
func (c *Connection) SendMsg(ctx context.Context, uuid string, directives map[string]string, body []byte) (*Message, error) {
	frame, err := SerializeSendMsg(uuid, directives, body)
	if err != nil {
		return nil, err
	}
	p, err := c.send(frame, KindCommandReply)
	if err != nil {
		return nil, err
	}
	return c.await(ctx, p)
}

// Subscribe requests delivery of the named event types. CUSTOM
// subclasses ("mod_bert::timeout") are expanded into a CUSTOM
// subscription followed by the subclass list, matching the engine's
// "event plain" syntax.
func (c *Connection) Subscribe(ctx context.Context, events ...string) error {
	if len(events) == 0 {
		return nil
	}
	var std, custom []string
	for _, name := range events {
		if containsSubclass(name) {
			custom = append(custom, name)
		} else {
			std = append(std, name)
		}
	}
	if len(custom) > 0 {
		std = append(std, "CUSTOM")
		std = append(std, custom...)
	}
	reply, err := c.Command(ctx, "event plain "+strings.Join(std, " "))
	if err != nil {
		return err
	}
	if !reply.ReplyOK() {
		return fmt.Errorf("esl: event subscription rejected: %s", reply.ReplyText())
	}
	return nil
}

// Unsubscribe cancels delivery of the named event types via nixevent.
func (c *Connection) Unsubscribe(ctx context.Context, events ...string) error {
	if len(events) == 0 {
		return nil
	}
	reply, err := c.Command(ctx, "nixevent "+strings.Join(events, " "))
	if err != nil {
		return err
	}
	if !reply.ReplyOK() {
		return fmt.Errorf("esl: nixevent rejected: %s", reply.ReplyText())
	}
	return nil
}

func validateArg(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] == '\r' || s[i] == '\n' {
			return protocolErrorf("argument contains a line terminator: %q", s)
		}
	}
	return nil
}

func containsSubclass(name string) bool {
	return strings.Contains(name, "::")
}
