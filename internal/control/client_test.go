package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/voicebridge/internal/esl/esltest"
)

// fakeSwitch accepts one connection, greets it and replays responder.
func fakeSwitch(t *testing.T, greet string, responder esltest.Responder) (string, <-chan *esltest.Peer) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	peers := make(chan *esltest.Peer, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			return
		}
		if greet != "" {
			_, _ = nc.Write([]byte(greet))
		}
		p := esltest.NewPeer(nc, responder)
		t.Cleanup(func() { p.Close() })
		peers <- p
	}()
	return ln.Addr().String(), peers
}

func apiResponder(body string) esltest.Responder {
	return func(cmd *esltest.Command) string {
		if cmd.Name() == "api" {
			return esltest.APIResponse(body)
		}
		return esltest.Reply("+OK accepted")
	}
}

func newTestClient(t *testing.T, addr string) *Client {
	t.Helper()
	client, err := NewClient(Config{Address: addr, Password: "ClueCon", DialTimeout: time.Second})
	require.NoError(t, err)
	return client
}

func TestCall_Success(t *testing.T) {
	addr, peers := fakeSwitch(t, esltest.AuthRequest(), apiResponder("+OK uuid-1234\n"))

	reply, err := newTestClient(t, addr).Call(context.Background(), "originate sofia/gw/+1234 100")
	require.NoError(t, err)
	assert.Equal(t, []string{"+OK", "uuid-1234"}, reply.Tokens)
	assert.Equal(t, "uuid-1234", reply.Arg(1))
	assert.Equal(t, "", reply.Arg(2))

	peer := <-peers
	assert.Equal(t, "auth ClueCon", peer.NextCommand(t).Line)
	assert.Equal(t, "api originate sofia/gw/+1234 100", peer.NextCommand(t).Line)
}

func TestCall_ErrorReply(t *testing.T) {
	tests := []struct {
		name string
		body string
		text string
	}{
		{"no success marker", "+ERROR Bad horse.\n", "+ERROR Bad horse."},
		{"error reply", "-ERR USER_BUSY\n", "USER_BUSY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, _ := fakeSwitch(t, esltest.AuthRequest(), apiResponder(tt.body))

			_, err := newTestClient(t, addr).Call(context.Background(), "originate foo")
			var replyErr *ReplyError
			require.ErrorAs(t, err, &replyErr)
			assert.Equal(t, tt.text, replyErr.Error())
			assert.NotErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestCall_ClosesConnection(t *testing.T) {
	addr, peers := fakeSwitch(t, esltest.AuthRequest(), apiResponder("+OK\n"))

	_, err := newTestClient(t, addr).Call(context.Background(), "status")
	require.NoError(t, err)

	peer := <-peers
	peer.NextCommand(t)
	peer.NextCommand(t)
	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after Call returned")
	}
}

func TestCall_ClosesConnectionOnError(t *testing.T) {
	addr, peers := fakeSwitch(t, esltest.AuthRequest(), apiResponder("-ERR NO_ROUTE_DESTINATION\n"))

	_, err := newTestClient(t, addr).Call(context.Background(), "originate foo")
	require.Error(t, err)

	peer := <-peers
	select {
	case <-peer.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("connection left open after a failed Call")
	}
}

func TestCall_AuthRejected(t *testing.T) {
	addr, _ := fakeSwitch(t, esltest.AuthRequest(), func(*esltest.Command) string {
		return esltest.Reply("-ERR invalid")
	})

	_, err := newTestClient(t, addr).Call(context.Background(), "originate foo")
	require.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), "connect "+addr)
}

func TestCall_NoAuthRequest(t *testing.T) {
	addr, _ := fakeSwitch(t, "", apiResponder("+OK\n"))
	client, err := NewClient(Config{Address: addr, DialTimeout: 100 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Call(context.Background(), "status")
	require.ErrorIs(t, err, ErrProtocol)
	assert.Contains(t, err.Error(), context.DeadlineExceeded.Error())
}

func TestCall_DialFailure(t *testing.T) {
	addr := esltest.FreeAddr(t)

	_, err := newTestClient(t, addr).Call(context.Background(), "originate foo")
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestNewClient_RequiresAddress(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		replyText string
		body      string
		tokens    []string
		wantErr   string
	}{
		{
			name:   "body ok",
			body:   "+OK uuid-1234\n",
			tokens: []string{"+OK", "uuid-1234"},
		},
		{
			name:    "body error",
			body:    "+ERROR Bad horse.",
			wantErr: "+ERROR Bad horse.",
		},
		{
			name:      "reply text preferred",
			replyText: "+OK Job-UUID: 42",
			body:      "hello",
			tokens:    []string{"+OK", "Job-UUID:", "42"},
		},
		{
			name:    "empty",
			wantErr: "empty reply",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := ParseReply(tt.replyText, tt.body)
			if tt.wantErr != "" {
				var replyErr *ReplyError
				require.ErrorAs(t, err, &replyErr)
				assert.Equal(t, tt.wantErr, replyErr.Text)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.tokens, reply.Tokens)
		})
	}
}
