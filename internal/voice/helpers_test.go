package voice

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/voicebridge/internal/control"
	"firestige.xyz/voicebridge/internal/esl/esltest"
	"firestige.xyz/voicebridge/internal/message"
)

const waitTimeout = 2 * time.Second

type fakePublisher struct {
	inbound chan *message.Message
	events  chan *message.Event
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		inbound: make(chan *message.Message, 100),
		events:  make(chan *message.Event, 100),
	}
}

func (p *fakePublisher) PublishInbound(_ context.Context, msg *message.Message) error {
	p.inbound <- msg
	return nil
}

func (p *fakePublisher) PublishEvent(_ context.Context, ev *message.Event) error {
	p.events <- ev
	return nil
}

func (p *fakePublisher) nextInbound(t *testing.T) *message.Message {
	t.Helper()
	select {
	case msg := <-p.inbound:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an inbound message")
	}
	return nil
}

func (p *fakePublisher) nextEvent(t *testing.T) *message.Event {
	t.Helper()
	select {
	case ev := <-p.events:
		return ev
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for an event")
	}
	return nil
}

func (p *fakePublisher) expectNoInbound(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-p.inbound:
		t.Fatalf("unexpected inbound message: %s %q", msg.SessionEvent, msg.Text())
	case <-time.After(wait):
	}
}

func (p *fakePublisher) expectNoEvent(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-p.events:
		t.Fatalf("unexpected %s event: %s", ev.EventType, ev.NackReason)
	case <-time.After(wait):
	}
}

type mockOriginator struct {
	mock.Mock
}

func (m *mockOriginator) Call(_ context.Context, command string) (*control.Reply, error) {
	args := m.Called(command)
	reply, _ := args.Get(0).(*control.Reply)
	return reply, args.Error(1)
}

func newTestRegistry(t *testing.T, cfg RegistryConfig) (*Registry, *fakePublisher) {
	t.Helper()
	pub := newFakePublisher()
	cfg.Publisher = pub
	r, err := NewRegistry(cfg)
	require.NoError(t, err)
	return r, pub
}

// bareSession is a session without a connection, for registry tests.
func bareSession(r *Registry, id string) *Session {
	return &Session{
		owner: r,
		id:    id,
		log:   slog.Default(),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func queued(s *Session) []*message.Message {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	return append([]*message.Message(nil), s.queue...)
}

type callHarness struct {
	registry *Registry
	pub      *fakePublisher
	server   *Server
	peer     *esltest.Peer
	session  *Session
}

// serveCalls starts a Server on a free local port.
func serveCalls(t *testing.T, r *Registry, tts TTS) *Server {
	t.Helper()
	srv := NewServer("127.0.0.1:0", r, tts)
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("Serve did not return")
		}
	})
	return srv
}

// startCall connects a scripted switch to a fresh Server and waits until
// the session for callID is active.
func startCall(t *testing.T, r *Registry, pub *fakePublisher, tts TTS, callID string, connectHeaders ...string) *callHarness {
	t.Helper()
	srv := serveCalls(t, r, tts)
	peer := esltest.Dial(t, srv.Addr(), esltest.ConnectResponder(callID, connectHeaders...))

	require.Equal(t, "connect", peer.NextCommand(t).Name())
	require.Equal(t, "myevents", peer.NextCommand(t).Name())
	require.Equal(t, "answer", peer.NextCommand(t).App())

	h := &callHarness{registry: r, pub: pub, server: srv, peer: peer}
	require.Eventually(t, func() bool {
		s, ok := r.Lookup(callID)
		if ok && s.State() == StateActive {
			h.session = s
			return true
		}
		return false
	}, waitTimeout, 5*time.Millisecond)
	return h
}

func (h *callHarness) dispatch(t *testing.T, msg *message.Message) {
	t.Helper()
	h.registry.DispatchOutbound(context.Background(), msg)
}

func (h *callHarness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.session.Done():
	case <-time.After(waitTimeout):
		t.Fatal("session did not finish")
	}
}

func outbound(toAddr, content, sessionEvent string, voice map[string]any) *message.Message {
	msg := message.New("app", toAddr, sessionEvent, message.String(content))
	if voice != nil {
		msg.HelperMetadata = map[string]any{"voice": voice}
	}
	return msg
}
