// Package esl adapts go-eventsocket connections for call sessions: commands
// take a context and events are queued so the library reader never stalls.
package esl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Content types sent by FreeSWITCH.
const (
	ContentCommandReply     = "command/reply"
	ContentAPIResponse      = "api/response"
	ContentEventPlain       = "text/event-plain"
	ContentDisconnectNotice = "text/disconnect-notice"
)

// ErrClosed is returned by operations on a closed connection.
var ErrClosed = errors.New("esl: connection closed")

// Event is a reply or event received from FreeSWITCH. Header lookups
// ignore case: the library re-capitalizes keys ("Unique-ID" becomes
// "Unique-Id").
type Event struct {
	*eventsocket.Event
}

// Get returns the header value for key, or "".
func (e Event) Get(key string) string {
	if e.Event == nil {
		return ""
	}
	if v := e.Event.Get(key); v != "" {
		return v
	}
	for k := range e.Header {
		if strings.EqualFold(k, key) {
			return e.Event.Get(k)
		}
	}
	return ""
}

// ContentType returns the Content-Type header.
func (e Event) ContentType() string { return e.Get("Content-Type") }

// EventName returns the upper-cased Event-Name header, or "" for non-events.
func (e Event) EventName() string { return strings.ToUpper(e.Get("Event-Name")) }

// ReplyText returns the Reply-Text header.
func (e Event) ReplyText() string { return e.Get("Reply-Text") }

// IsDisconnect reports whether e is a disconnect notice.
func (e Event) IsDisconnect() bool { return e.ContentType() == ContentDisconnectNotice }

// String renders headers sorted by key followed by the body.
func (e Event) String() string {
	if e.Event == nil {
		return ""
	}
	keys := make([]string, 0, len(e.Header))
	for k := range e.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, e.Header[k])
	}
	if e.Body != "" {
		b.WriteString("\n")
		b.WriteString(e.Body)
	}
	return strings.TrimRight(b.String(), "\n")
}

type result struct {
	ev  *eventsocket.Event
	err error
}

// Conn wraps an outbound-mode event socket connection.
//
// The library reports "-ERR" replies on the same channel as read errors, so
// a reply error may surface through ReadEvent. The pump hands such errors to
// the command in flight and keeps reading; transport errors close the Conn.
type Conn struct {
	ec *eventsocket.Connection

	// one command in flight; released when the library call returns
	slot chan struct{}

	mu       sync.Mutex
	inflight chan result
	events   []Event
	notify   chan struct{}
	err      error

	closed    chan struct{}
	closeOnce sync.Once
}

// NewConn wraps ec and starts draining its events.
func NewConn(ec *eventsocket.Connection) *Conn {
	c := &Conn{
		ec:     ec,
		slot:   make(chan struct{}, 1),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
	go c.pump()
	return c
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ec.RemoteAddr()
}

func (c *Conn) pump() {
	for {
		ev, err := c.ec.ReadEvent()
		if err != nil {
			if IsReplyError(err) {
				c.rejectInflight(err)
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("event socket read failed", "remote", c.RemoteAddr(), "error", err)
			}
			c.shutdown(err)
			return
		}

		c.mu.Lock()
		c.events = append(c.events, Event{ev})
		c.mu.Unlock()
		select {
		case c.notify <- struct{}{}:
		default:
		}
	}
}

func (c *Conn) rejectInflight(err error) {
	c.mu.Lock()
	ch := c.inflight
	c.inflight = nil
	c.mu.Unlock()
	if ch == nil {
		slog.Debug("error reply without a command in flight", "remote", c.RemoteAddr(), "error", err)
		return
	}
	ch <- result{err: err}
}

// IsReplyError reports whether err came from an error reply ("-ERR ...")
// rather than from the transport.
func IsReplyError(err error) bool {
	var (
		netErr   net.Error
		protoErr textproto.ProtocolError
		numErr   *strconv.NumError
	)
	switch {
	case err == nil,
		errors.Is(err, ErrClosed),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.As(err, &netErr),
		errors.As(err, &protoErr),
		errors.As(err, &numErr):
		return false
	}
	return true
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.closed)
		c.ec.Close()
	})
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Done is closed once the connection is gone.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Send writes a socket command and waits for its reply.
func (c *Conn) Send(ctx context.Context, cmd string) (Event, error) {
	return c.do(ctx, func() (*eventsocket.Event, error) {
		return c.ec.Send(cmd)
	})
}

// Execute runs a dialplan application on the channel via sendmsg. A
// non-empty appUUID is sent as Event-UUID; FreeSWITCH echoes it as
// Application-UUID on the matching CHANNEL_EXECUTE_COMPLETE.
func (c *Conn) Execute(ctx context.Context, app, arg, appUUID string) (Event, error) {
	msg := eventsocket.MSG{
		"call-command":     "execute",
		"execute-app-name": app,
		"execute-app-arg":  arg,
		"event-lock":       "true",
	}
	if appUUID != "" {
		msg["Event-UUID"] = appUUID
	}
	return c.do(ctx, func() (*eventsocket.Event, error) {
		return c.ec.SendMsg(msg, "", "")
	})
}

// do runs one library command. Replies are matched to commands in order,
// so the slot stays taken until the library call returns even when ctx
// gives up first.
func (c *Conn) do(ctx context.Context, call func() (*eventsocket.Event, error)) (Event, error) {
	select {
	case <-c.closed:
		return Event{}, ErrClosed
	default:
	}
	select {
	case c.slot <- struct{}{}:
	case <-c.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}

	res := make(chan result, 2)
	c.mu.Lock()
	c.inflight = res
	c.mu.Unlock()

	go func() {
		defer func() { <-c.slot }()
		ev, err := call()
		c.mu.Lock()
		if c.inflight == res {
			c.inflight = nil
		}
		c.mu.Unlock()
		if err != nil && !IsReplyError(err) {
			c.shutdown(err)
		}
		res <- result{ev: ev, err: err}
	}()

	select {
	case r := <-res:
		if r.err != nil {
			return Event{}, r.err
		}
		return Event{r.ev}, nil
	case <-c.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// NextEvent returns the next queued event, blocking until one arrives.
// Queued events are still returned after the connection closes; ErrClosed
// follows once the queue is drained.
func (c *Conn) NextEvent(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.events) > 0 {
			ev := c.events[0]
			c.events[0] = Event{}
			c.events = c.events[1:]
			c.mu.Unlock()
			return ev, nil
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.closed:
			c.mu.Lock()
			empty := len(c.events) == 0
			c.mu.Unlock()
			if empty {
				return Event{}, ErrClosed
			}
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}
