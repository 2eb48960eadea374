package command

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/voicebridge/internal/voice"
)

type fakeRegistry struct {
	pending int
}

func (f *fakeRegistry) Sessions() []*voice.Session { return nil }
func (f *fakeRegistry) PendingCount() int          { return f.pending }

type fakeReloader struct {
	err   error
	calls int
}

func (f *fakeReloader) Reload() error {
	f.calls++
	return f.err
}

func TestCommandHandler_Handle(t *testing.T) {
	reloader := &fakeReloader{}
	h := NewCommandHandler(&fakeRegistry{pending: 2}, reloader, "0.1.0")

	resp := h.Handle(context.Background(), Command{Method: "daemon_status", ID: "1"})
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]interface{})
	assert.Equal(t, "0.1.0", status["version"])
	assert.Equal(t, 0, status["call_count"])
	assert.Equal(t, 2, status["pending_count"])

	resp = h.Handle(context.Background(), Command{Method: "call_list", ID: "2"})
	require.Nil(t, resp.Error)
	assert.Empty(t, resp.Result.(map[string]interface{})["calls"])

	resp = h.Handle(context.Background(), Command{Method: "config_reload", ID: "3"})
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, reloader.calls)

	reloader.err = errors.New("bad yaml")
	resp = h.Handle(context.Background(), Command{Method: "config_reload", ID: "4"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "bad yaml")

	resp = h.Handle(context.Background(), Command{Method: "task_list", ID: "5"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "5", resp.ID)
}

func TestCommandHandler_Shutdown(t *testing.T) {
	h := NewCommandHandler(&fakeRegistry{}, nil, "0.1.0")

	resp := h.Handle(context.Background(), Command{Method: "daemon_shutdown"})
	require.NotNil(t, resp.Error)

	resp = h.Handle(context.Background(), Command{Method: "config_reload"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "not available")

	called := make(chan struct{})
	h.SetShutdownFunc(func() { close(called) })
	resp = h.Handle(context.Background(), Command{Method: "daemon_shutdown"})
	require.Nil(t, resp.Error)
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func not called")
	}
}

func TestUDSServerClient_Integration(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	handler := NewCommandHandler(&fakeRegistry{pending: 1}, &fakeReloader{}, "0.1.0")
	server := NewUDSServer(socketPath, handler)
	require.NoError(t, server.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(ctx) }()

	client := NewUDSClient(socketPath, 5*time.Second)

	resp, err := client.Status(context.Background())
	require.NoError(t, err)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]interface{})
	// JSON numbers decode as float64
	assert.Equal(t, float64(1), status["pending_count"])

	resp, err = client.CallList(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp.Error)

	resp, err = client.ConfigReload(context.Background())
	require.NoError(t, err)
	assert.Nil(t, resp.Error)

	resp, err = client.Call(context.Background(), "no_such_method", nil)
	require.NoError(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)

	require.NoError(t, client.Ping(context.Background()))

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = client.Status(context.Background())
	assert.Error(t, err)
}
