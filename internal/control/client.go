// Package control implements one-shot calls to the FreeSWITCH control API.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fiorix/go-eventsocket/eventsocket"

	"firestige.xyz/voicebridge/internal/esl"
)

const (
	successMarker      = "+OK"
	defaultDialTimeout = 5 * time.Second
)

// ErrProtocol wraps failures talking to the control socket that are not
// replies from FreeSWITCH (dial, auth handshake, I/O, cancellation).
var ErrProtocol = errors.New("control: protocol error")

// ReplyError is returned when FreeSWITCH answers without the success marker.
type ReplyError struct {
	Text string
}

func (e *ReplyError) Error() string {
	return e.Text
}

// Reply is a successful control API reply split on whitespace.
type Reply struct {
	Tokens []string
}

// Arg returns the i-th token or "" when absent.
func (r *Reply) Arg(i int) string {
	if i < 0 || i >= len(r.Tokens) {
		return ""
	}
	return r.Tokens[i]
}

// Config configures a Client.
type Config struct {
	Address  string
	Password string
	// DialTimeout bounds connecting and authenticating.
	DialTimeout time.Duration
}

// Client opens a new connection per call; connections are never pooled.
type Client struct {
	cfg Config
}

// NewClient creates a control API client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("control address is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{cfg: cfg}, nil
}

// Call sends "api <command>" and maps the reply. The connection is always
// closed before Call returns.
func (c *Client) Call(ctx context.Context, command string) (*Reply, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	slog.Debug("control api call", "address", c.cfg.Address, "command", command)
	ev, err := send(ctx, conn, "api "+command)
	if err != nil {
		if esl.IsReplyError(err) {
			return nil, &ReplyError{Text: strings.TrimSpace(err.Error())}
		}
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return ParseReply(ev.ReplyText(), ev.Body)
}

type dialResult struct {
	conn *eventsocket.Connection
	err  error
}

// dial connects and authenticates within DialTimeout.
func (c *Client) dial(ctx context.Context) (*eventsocket.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	ch := make(chan dialResult, 1)
	go func() {
		conn, err := eventsocket.Dial(c.cfg.Address, c.cfg.Password)
		ch <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("%w: connect %s: %v", ErrProtocol, c.cfg.Address, r.err)
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, fmt.Errorf("%w: connect %s: %v", ErrProtocol, c.cfg.Address, ctx.Err())
	}
}

type sendResult struct {
	ev  *eventsocket.Event
	err error
}

func send(ctx context.Context, conn *eventsocket.Connection, cmd string) (esl.Event, error) {
	ch := make(chan sendResult, 1)
	go func() {
		ev, err := conn.Send(cmd)
		ch <- sendResult{ev: ev, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return esl.Event{}, r.err
		}
		return esl.Event{Event: r.ev}, nil
	case <-ctx.Done():
		return esl.Event{}, ctx.Err()
	}
}

// ParseReply maps reply text to a Reply or a *ReplyError. The text is taken
// from Reply-Text, else the body.
func ParseReply(replyText, body string) (*Reply, error) {
	text := strings.TrimSpace(replyText)
	if text == "" {
		text = strings.TrimSpace(body)
	}
	if text == "" {
		return nil, &ReplyError{Text: "empty reply"}
	}
	if !strings.HasPrefix(text, successMarker) {
		return nil, &ReplyError{Text: text}
	}
	return &Reply{Tokens: strings.Fields(text)}, nil
}
