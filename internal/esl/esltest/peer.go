// Package esltest provides a scripted FreeSWITCH peer for tests.
package esltest

import (
	"bufio"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fiorix/go-eventsocket/eventsocket"
)

// Command is a command received from the code under test.
type Command struct {
	Line    string
	Headers map[string]string
}

// Name returns the first word of the command line.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Line, " ")
	return name
}

// App returns the execute-app-name header of a sendmsg command.
func (c *Command) App() string { return c.Headers["execute-app-name"] }

// Arg returns the execute-app-arg header of a sendmsg command.
func (c *Command) Arg() string { return c.Headers["execute-app-arg"] }

func (c *Command) String() string {
	if c.App() != "" {
		return fmt.Sprintf("%s %s(%s)", c.Line, c.App(), c.Arg())
	}
	return c.Line
}

// Responder builds the raw reply frame for a command. Returning "" sends
// nothing.
type Responder func(cmd *Command) string

// Peer plays the FreeSWITCH side of a connection.
type Peer struct {
	conn     net.Conn
	wmu      sync.Mutex
	commands chan *Command
	done     chan struct{}

	mu      sync.Mutex
	respond Responder
}

// NewPeer starts reading commands from conn. A nil respond answers every
// command with OKReply.
func NewPeer(conn net.Conn, respond Responder) *Peer {
	if respond == nil {
		respond = func(*Command) string { return OKReply() }
	}
	p := &Peer{
		conn:     conn,
		commands: make(chan *Command, 256),
		done:     make(chan struct{}),
		respond:  respond,
	}
	go p.readLoop()
	return p
}

// Dial connects a peer to an event socket listener, retrying until the
// listener accepts. The peer is closed when the test ends.
func Dial(t testing.TB, addr string, respond Responder) *Peer {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		nc, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			p := NewPeer(nc, respond)
			t.Cleanup(func() { p.Close() })
			return p
		}
		if time.Now().After(deadline) {
			t.Fatalf("failed to dial %s: %v", addr, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// FreeAddr returns a local address nothing is listening on.
func FreeAddr(t testing.TB) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// Serve accepts outbound-mode connections with go-eventsocket and hands
// them to the test. The listener lives until the test binary exits.
func Serve(t testing.TB) (string, <-chan *eventsocket.Connection) {
	t.Helper()
	addr := FreeAddr(t)
	conns := make(chan *eventsocket.Connection, 16)
	go eventsocket.ListenAndServe(addr, func(c *eventsocket.Connection) {
		conns <- c
	})
	return addr, conns
}

// SetResponder replaces the reply policy.
func (p *Peer) SetResponder(r Responder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = r
}

func (p *Peer) readLoop() {
	defer close(p.done)
	defer close(p.commands)
	br := bufio.NewReader(p.conn)
	for {
		cmd, err := readCommand(br)
		if err != nil {
			return
		}
		p.mu.Lock()
		respond := p.respond
		p.mu.Unlock()
		if reply := respond(cmd); reply != "" {
			if err := p.Write(reply); err != nil {
				return
			}
		}
		p.commands <- cmd
	}
}

func readCommand(br *bufio.Reader) (*Command, error) {
	cmd := &Command{Headers: map[string]string{}}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if cmd.Line == "" {
				continue
			}
			return cmd, nil
		}
		if cmd.Line == "" {
			cmd.Line = line
			continue
		}
		if k, v, ok := strings.Cut(line, ":"); ok {
			cmd.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
}

// Done is closed once the code under test has closed the connection.
func (p *Peer) Done() <-chan struct{} {
	return p.done
}

// Write sends raw bytes to the code under test.
func (p *Peer) Write(raw string) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err := p.conn.Write([]byte(raw))
	return err
}

// SendEvent sends a text/event-plain event.
func (p *Peer) SendEvent(name string, headers map[string]string) error {
	return p.Write(EventFrame(name, headers))
}

// SendDisconnect sends a disconnect notice.
func (p *Peer) SendDisconnect() error {
	body := "Disconnected, goodbye.\n"
	return p.Write(fmt.Sprintf("Content-Type: text/disconnect-notice\nContent-Length: %d\n\n%s", len(body), body))
}

// Close closes the peer side of the connection.
func (p *Peer) Close() error {
	return p.conn.Close()
}

// NextCommand waits for the next command.
func (p *Peer) NextCommand(t testing.TB) *Command {
	t.Helper()
	select {
	case cmd, ok := <-p.commands:
		if !ok {
			t.Fatalf("peer connection closed while waiting for a command")
		}
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a command")
	}
	return nil
}

// NextApp skips commands until a sendmsg executing app arrives.
func (p *Peer) NextApp(t testing.TB, app string) *Command {
	t.Helper()
	for {
		cmd := p.NextCommand(t)
		if cmd.App() == app {
			return cmd
		}
	}
}

// ExpectNoApp asserts that no sendmsg executing app arrives within wait.
func (p *Peer) ExpectNoApp(t testing.TB, app string, wait time.Duration) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case cmd, ok := <-p.commands:
			if !ok {
				return
			}
			if cmd.App() == app {
				t.Fatalf("unexpected %s command: %s", app, cmd)
			}
		case <-deadline:
			return
		}
	}
}

// OKReply is a successful command/reply frame.
func OKReply(headers ...string) string {
	var b strings.Builder
	b.WriteString("Content-Type: command/reply\nReply-Text: +OK\n")
	for _, h := range headers {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	return b.String()
}

// Reply is a command/reply frame with the given reply text.
func Reply(text string) string {
	return "Content-Type: command/reply\nReply-Text: " + text + "\n\n"
}

// APIResponse is an api/response frame carrying body.
func APIResponse(body string) string {
	return fmt.Sprintf("Content-Type: api/response\nContent-Length: %d\n\n%s", len(body), body)
}

// AuthRequest is the greeting FreeSWITCH sends on inbound connections.
func AuthRequest() string {
	return "Content-Type: auth/request\n\n"
}

// EventFrame renders a text/event-plain frame with URL-encoded values.
// Headers are sorted for deterministic output.
func EventFrame(name string, headers map[string]string) string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var body strings.Builder
	body.WriteString("Event-Name: " + name + "\n")
	for _, k := range keys {
		body.WriteString(k + ": " + url.QueryEscape(headers[k]) + "\n")
	}
	body.WriteString("\n")
	return fmt.Sprintf("Content-Length: %d\nContent-Type: text/event-plain\n\n%s", body.Len(), body.String())
}

// ConnectResponder answers "connect" with the channel's call uuid plus
// extra headers, and every other command with +OK.
func ConnectResponder(callUUID string, extra ...string) Responder {
	headers := append([]string{
		"Unique-ID: " + callUUID,
		"variable_call_uuid: " + callUUID,
		"Caller-Caller-ID-Number: 1234",
	}, extra...)
	return func(cmd *Command) string {
		if cmd.Name() == "connect" {
			return OKReply(headers...)
		}
		return OKReply()
	}
}

// CompleteFrame is the CHANNEL_EXECUTE_COMPLETE event for a sendmsg
// execute command, echoing its Event-UUID.
func CompleteFrame(cmd *Command) string {
	headers := map[string]string{"Application": cmd.App()}
	if id := cmd.Headers["Event-UUID"]; id != "" {
		headers["Application-UUID"] = id
	}
	return EventFrame("CHANNEL_EXECUTE_COMPLETE", headers)
}
