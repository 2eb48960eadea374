package esl_test

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/voicebridge/internal/esl"
	"firestige.xyz/voicebridge/internal/esl/esltest"
)

func newPair(t *testing.T, respond esltest.Responder) (*esl.Conn, *esltest.Peer) {
	t.Helper()
	addr, conns := esltest.Serve(t)
	peer := esltest.Dial(t, addr, respond)

	select {
	case ec := <-conns:
		conn := esl.NewConn(ec)
		t.Cleanup(func() { _ = conn.Close() })
		return conn, peer
	case <-time.After(2 * time.Second):
		t.Fatal("connection not accepted")
	}
	return nil, nil
}

func TestConn_SendReceivesReply(t *testing.T) {
	conn, peer := newPair(t, esltest.ConnectResponder("uuid-1"))

	reply, err := conn.Send(context.Background(), "connect")
	require.NoError(t, err)
	assert.Equal(t, "+OK", reply.ReplyText())
	assert.Equal(t, "uuid-1", reply.Get("Unique-ID"))
	assert.Equal(t, "uuid-1", reply.Get("variable_call_uuid"))
	assert.Equal(t, "", reply.Get("Answer-State"))

	assert.Equal(t, "connect", peer.NextCommand(t).Line)
}

func TestConn_ExecuteWritesSendmsg(t *testing.T) {
	conn, peer := newPair(t, nil)

	_, err := conn.Execute(context.Background(), "playback", "/tmp/hello.wav", "")
	require.NoError(t, err)

	cmd := peer.NextCommand(t)
	assert.Equal(t, "sendmsg", cmd.Line)
	assert.Equal(t, map[string]string{
		"call-command":     "execute",
		"execute-app-name": "playback",
		"execute-app-arg":  "/tmp/hello.wav",
		"event-lock":       "true",
	}, cmd.Headers)
}

func TestConn_ExecuteSendsEventUUID(t *testing.T) {
	conn, peer := newPair(t, nil)

	_, err := conn.Execute(context.Background(), "playback", "/tmp/bye.wav", "app-1")
	require.NoError(t, err)
	assert.Equal(t, "app-1", peer.NextCommand(t).Headers["Event-UUID"])
}

func TestConn_ErrorReply(t *testing.T) {
	conn, _ := newPair(t, func(*esltest.Command) string {
		return esltest.Reply("-ERR no such channel")
	})

	_, err := conn.Execute(context.Background(), "playback", "/tmp/hello.wav", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such channel")
	assert.True(t, esl.IsReplyError(err))

	select {
	case <-conn.Done():
		t.Fatal("error reply closed the connection")
	default:
	}
}

func TestConn_EventsDoNotBlockReplies(t *testing.T) {
	conn, peer := newPair(t, func(*esltest.Command) string { return "" })

	// Queue more events than the library buffers, then the reply.
	done := make(chan error, 1)
	go func() {
		for i := 0; i < 500; i++ {
			if err := peer.SendEvent("DTMF", map[string]string{"DTMF-Digit": "1"}); err != nil {
				done <- err
				return
			}
		}
		done <- peer.Write(esltest.OKReply())
	}()

	reply, err := conn.Send(context.Background(), "myevents")
	require.NoError(t, err)
	assert.Equal(t, "+OK", reply.ReplyText())
	require.NoError(t, <-done)

	for i := 0; i < 500; i++ {
		ev, err := conn.NextEvent(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "DTMF", ev.EventName())
		assert.Equal(t, "1", ev.Get("DTMF-Digit"))
	}
}

func TestConn_NextEventDrainsBeforeClosed(t *testing.T) {
	conn, peer := newPair(t, nil)

	require.NoError(t, peer.SendDisconnect())
	require.NoError(t, peer.Close())

	ev, err := conn.NextEvent(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.IsDisconnect())

	_, err = conn.NextEvent(context.Background())
	assert.ErrorIs(t, err, esl.ErrClosed)
}

func TestConn_SendAfterClose(t *testing.T) {
	conn, _ := newPair(t, nil)
	require.NoError(t, conn.Close())

	_, err := conn.Send(context.Background(), "connect")
	assert.ErrorIs(t, err, esl.ErrClosed)
}

func TestConn_SendHonoursContext(t *testing.T) {
	conn, _ := newPair(t, func(*esltest.Command) string { return "" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := conn.Send(ctx, "myevents")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsReplyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"error reply", errors.New("no such channel"), true},
		{"eof", io.EOF, false},
		{"closed", esl.ErrClosed, false},
		{"net", &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, esl.IsReplyError(tt.err))
		})
	}
}
