package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/fiorix/go-eventsocket/eventsocket"

	"firestige.xyz/voicebridge/internal/esl"
)

// Server accepts the event socket connections FreeSWITCH opens for each
// call (outbound socket mode) and runs one Session per connection.
//
// eventsocket.ListenAndServe owns the listening socket and offers no way to
// close it. Once stopped, the server closes new connections as they arrive;
// the socket itself is released when the process exits.
type Server struct {
	addr     string
	bound    string
	registry *Registry
	tts      TTS

	// sessions outlive Serve's ctx; only a forced shutdown cancels them
	sessionCtx    context.Context
	cancelSession context.CancelFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	stopped bool
	stopCh  chan struct{}
}

// NewServer creates a listener for addr.
func NewServer(addr string, registry *Registry, tts TTS) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:          addr,
		registry:      registry,
		tts:           tts,
		sessionCtx:    ctx,
		cancelSession: cancel,
		stopCh:        make(chan struct{}),
	}
}

// Listen checks that addr can be bound and resolves an ephemeral port.
// Serve binds the same address again through the library.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.bound = ln.Addr().String()
	return ln.Close()
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	if s.bound != "" {
		return s.bound
	}
	return s.addr
}

// Serve accepts connections until ctx is cancelled or Shutdown is called.
// Listen is called first if needed.
func (s *Server) Serve(ctx context.Context) error {
	if s.bound == "" {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	served := make(chan error, 1)
	go func() {
		served <- eventsocket.ListenAndServe(s.bound, s.handleConnection)
	}()
	slog.Info("voice server listening", "addr", s.bound)

	select {
	case <-ctx.Done():
		s.markStopped()
		return nil
	case <-s.stopCh:
		return nil
	case err := <-served:
		if s.isStopped() {
			return nil
		}
		s.markStopped()
		return fmt.Errorf("voice server on %s: %w", s.bound, err)
	}
}

func (s *Server) handleConnection(c *eventsocket.Connection) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		slog.Debug("rejecting event socket connection after shutdown", "remote", c.RemoteAddr())
		c.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	slog.Debug("event socket connection established", "remote", c.RemoteAddr())
	sess := NewSession(esl.NewConn(c), s.registry, s.tts)
	if err := sess.Run(s.sessionCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("session ended with error", "remote", c.RemoteAddr(), "call_id", sess.ID(), "error", err)
	}
}

func (s *Server) markStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopCh)
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Shutdown stops accepting calls and waits until every registered session
// has deregistered. When ctx expires first, the remaining sessions are
// closed and Shutdown still waits for their deregistration.
func (s *Server) Shutdown(ctx context.Context) error {
	s.markStopped()

	sessions := s.registry.Sessions()
	slog.Info("voice server stopping", "sessions", len(sessions))

	err := waitSessions(ctx, sessions)
	if err == nil {
		err = waitGroup(ctx, &s.wg)
	}
	if err != nil {
		slog.Warn("closing remaining sessions", "error", err)
		s.cancelSession()
		for _, sess := range sessions {
			sess.Close()
		}
		_ = waitSessions(context.Background(), sessions)
	}

	s.wg.Wait()
	s.cancelSession()
	slog.Info("voice server stopped")
	return err
}

func waitSessions(ctx context.Context, sessions []*Session) error {
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
