// Package voice runs FreeSWITCH call sessions and routes user messages
// between them and the message bus.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"firestige.xyz/voicebridge/internal/esl"
	vblog "firestige.xyz/voicebridge/internal/log"
	"firestige.xyz/voicebridge/internal/message"
	"firestige.xyz/voicebridge/internal/metrics"
)

// ErrSessionTerminated is returned for commands on a finished session.
var ErrSessionTerminated = errors.New("voice: session terminated")

// State is the lifecycle state of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Event names handled by a session.
const (
	EventChannelAnswer          = "CHANNEL_ANSWER"
	EventChannelHangupComplete  = "CHANNEL_HANGUP_COMPLETE"
	EventDTMF                   = "DTMF"
	EventChannelExecuteComplete = "CHANNEL_EXECUTE_COMPLETE"
	EventBackgroundJob          = "BACKGROUND_JOB"
)

// owner is the session's view of the registry.
type owner interface {
	Register(s *Session) error
	Deregister(s *Session, durationMS *int64)
	Answered(s *Session)
	Input(s *Session, content string)
	Ack(msg *message.Message)
	Nack(msg *message.Message, reason string)
}

type eventHandler func(s *Session, ctx context.Context, f esl.Event)

var eventHandlers = map[string]eventHandler{
	EventChannelAnswer:          (*Session).onAnswer,
	EventChannelHangupComplete:  (*Session).onHangupComplete,
	EventDTMF:                   (*Session).onDTMF,
	EventChannelExecuteComplete: (*Session).onExecuteComplete,
	EventBackgroundJob:          (*Session).onBackgroundJob,
}

// connect reply headers carrying the channel uuid, in preference order.
var callIDHeaders = []string{"Unique-ID", "Channel-Unique-ID", "variable_call_uuid", "variable-call-uuid"}

// pendingHangup names the command whose completion ends the call.
type pendingHangup struct {
	app     string
	appUUID string
}

// completedBy reports whether a CHANNEL_EXECUTE_COMPLETE for app/appUUID
// is the armed command. Events without Application-UUID match on the name.
func (h *pendingHangup) completedBy(app, appUUID string) bool {
	if appUUID != "" {
		return appUUID == h.appUUID
	}
	return app == "" || app == h.app
}

// Session is one call leg connected to the event socket listener.
type Session struct {
	conn  *esl.Conn
	owner owner
	tts   TTS

	id       string
	log      *slog.Logger
	state    atomic.Int32
	answered atomic.Bool

	// owned by the event loop
	digits strings.Builder

	mu         sync.Mutex
	terminator string
	hangup     *pendingHangup

	qmu    sync.Mutex
	queue  []*message.Message
	closed bool
	wake   chan struct{}

	stop       chan struct{}
	finishOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

// NewSession wraps an accepted connection.
func NewSession(conn *esl.Conn, o owner, tts TTS) *Session {
	return &Session{
		conn:  conn,
		owner: o,
		tts:   tts,
		log:   slog.Default().With("remote", conn.RemoteAddr().String()),
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// ID returns the call identifier, empty until the handshake completes.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Answered reports whether the channel has been answered.
func (s *Session) Answered() bool { return s.answered.Load() }

// Done is closed once the session has been deregistered.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close drops the connection; the session then deregisters itself.
func (s *Session) Close() error { return s.conn.Close() }

// Run performs the handshake, registers the session and processes events
// until the call ends or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	defer s.conn.Close()

	if err := s.handshake(ctx); err != nil {
		s.finish(nil)
		return err
	}
	if err := s.owner.Register(s); err != nil {
		s.finish(nil)
		return err
	}
	s.state.Store(int32(StateActive))
	s.log.Info("session active")

	go s.processOutbox(ctx)

	err := s.eventLoop(ctx)
	s.finish(nil)
	if errors.Is(err, esl.ErrClosed) {
		return nil
	}
	return err
}

func (s *Session) handshake(ctx context.Context) error {
	reply, err := s.conn.Send(ctx, "connect")
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	for _, h := range callIDHeaders {
		if id := reply.Get(h); id != "" {
			s.id = id
			break
		}
	}
	if s.id == "" {
		return fmt.Errorf("connect: no call uuid in reply: %s", reply)
	}
	s.log = vblog.ForCall(s.id)
	// A leg that reaches the socket already answered sees no CHANNEL_ANSWER.
	if reply.Get("Answer-State") == "answered" {
		s.answered.Store(true)
	}

	if err := s.command(ctx, "myevents"); err != nil {
		return err
	}
	return s.execute(ctx, "answer", "")
}

func (s *Session) eventLoop(ctx context.Context) error {
	for s.State() != StateTerminated {
		f, err := s.conn.NextEvent(ctx)
		if err != nil {
			return err
		}
		if f.IsDisconnect() {
			s.log.Info("Channel disconnect received")
			s.finish(nil)
			continue
		}

		name := f.EventName()
		h, ok := eventHandlers[name]
		if !ok {
			s.log.Debug("Unbound event", "event", name)
			metrics.UnboundEventsTotal.WithLabelValues(name).Inc()
			continue
		}
		h(s, ctx, f)
	}
	return nil
}

func (s *Session) onAnswer(_ context.Context, _ esl.Event) {
	s.answered.Store(true)
	s.owner.Answered(s)
}

func (s *Session) onHangupComplete(_ context.Context, f esl.Event) {
	s.log.Info("Channel hangup complete", "cause", f.Get("Hangup-Cause"))
	s.finish(callDuration(f))
}

func (s *Session) onDTMF(_ context.Context, f esl.Event) {
	digit := f.Get("DTMF-Digit")
	if digit == "" {
		return
	}
	term := s.currentTerminator()
	if term == "" {
		s.owner.Input(s, digit)
		return
	}
	if digit == term {
		content := s.digits.String()
		s.digits.Reset()
		s.owner.Input(s, content)
		return
	}
	s.digits.WriteString(digit)
}

func (s *Session) onExecuteComplete(ctx context.Context, f esl.Event) {
	app, appUUID := f.Get("Application"), f.Get("Application-UUID")
	s.log.Debug("execute complete", "app", app, "app_uuid", appUUID)

	s.mu.Lock()
	h := s.hangup
	fire := h != nil && h.completedBy(app, appUUID)
	if fire {
		s.hangup = nil
	}
	s.mu.Unlock()

	if fire {
		if err := s.execute(ctx, "hangup", ""); err != nil {
			s.log.Warn("hangup failed", "error", err)
		}
	}
}

func (s *Session) onBackgroundJob(_ context.Context, f esl.Event) {
	s.log.Info("background job complete", "job_uuid", f.Get("Job-UUID"))
}

// callDuration returns hangup minus answer time in ms, or nil when either
// timestamp is missing or not a number.
func callDuration(f esl.Event) *int64 {
	answered, err := strconv.ParseInt(f.Get("Caller-Channel-Answered-Time"), 10, 64)
	if err != nil {
		return nil
	}
	hungup, err := strconv.ParseInt(f.Get("Caller-Channel-Hangup-Time"), 10, 64)
	if err != nil {
		return nil
	}
	d := hungup - answered
	return &d
}

// finish terminates the session once. Queued outbound messages are rejected.
func (s *Session) finish(durationMS *int64) {
	s.finishOnce.Do(func() {
		s.state.Store(int32(StateTerminated))
		close(s.stop)

		s.qmu.Lock()
		s.closed = true
		queued := s.queue
		s.queue = nil
		s.qmu.Unlock()

		s.owner.Deregister(s, durationMS)
		s.signalDone()

		for _, msg := range queued {
			s.owner.Nack(msg, noLongerConnected(msg.ToAddr))
		}
	})
}

func (s *Session) signalDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Enqueue hands an outbound message to the session. It never blocks.
func (s *Session) Enqueue(msg *message.Message) {
	s.qmu.Lock()
	if s.closed {
		s.qmu.Unlock()
		s.owner.Nack(msg, noLongerConnected(msg.ToAddr))
		return
	}
	s.queue = append(s.queue, msg)
	s.qmu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) processOutbox(ctx context.Context) {
	for {
		s.qmu.Lock()
		var msg *message.Message
		if len(s.queue) > 0 {
			msg = s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
		}
		s.qmu.Unlock()

		if msg != nil {
			s.deliver(ctx, msg)
			continue
		}

		select {
		case <-s.wake:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// deliver plays one outbound message and acks or nacks it.
func (s *Session) deliver(ctx context.Context, msg *message.Message) {
	p, err := parsePrompt(msg.Voice())
	if err != nil {
		s.log.Warn(err.Error())
		s.owner.Nack(msg, err.Error())
		return
	}

	s.mu.Lock()
	s.terminator = p.waitFor
	s.mu.Unlock()

	closing := msg.SessionEvent == message.SessionClose
	if err := s.play(ctx, msg, p, closing); err != nil {
		s.log.Warn("playback failed", "message_id", msg.MessageID, "error", err)
		s.owner.Nack(msg, err.Error())
		return
	}
	s.owner.Ack(msg)
}

func (s *Session) play(ctx context.Context, msg *message.Message, p *prompt, closing bool) error {
	target := p.url
	if target == "" {
		text := speechText(msg.Text())
		s.log.Debug("TTS", "text", text)
		var err error
		if target, err = s.tts.target(ctx, s, text); err != nil {
			return err
		}
	}

	s.log.Info("Playing back", "target", target)
	app, arg := "playback", target
	if p.bargeIn {
		app, arg = "play_and_get_digits", p.getDigitsArg(target)
	} else if err := s.execute(ctx, "set", "playback_terminators=None"); err != nil {
		return err
	}
	if !closing {
		return s.execute(ctx, app, arg)
	}
	return s.executeThenHangup(ctx, app, arg)
}

// executeThenHangup runs app and hangs up once it completes. The hangup is
// armed before the command goes out: the completion event can arrive right
// behind the command reply.
func (s *Session) executeThenHangup(ctx context.Context, app, arg string) error {
	h := &pendingHangup{app: app, appUUID: uuid.NewString()}
	s.mu.Lock()
	s.hangup = h
	s.mu.Unlock()

	err := s.executeApp(ctx, app, arg, h.appUUID)
	if err != nil {
		s.mu.Lock()
		if s.hangup == h {
			s.hangup = nil
		}
		s.mu.Unlock()
	}
	return err
}

func (s *Session) currentTerminator() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminator
}

// execute runs a dialplan application and checks the reply.
func (s *Session) execute(ctx context.Context, app, arg string) error {
	return s.executeApp(ctx, app, arg, "")
}

func (s *Session) executeApp(ctx context.Context, app, arg, appUUID string) error {
	if s.State() == StateTerminated {
		return ErrSessionTerminated
	}
	reply, err := s.conn.Execute(ctx, app, arg, appUUID)
	if err != nil {
		return fmt.Errorf("%s: %w", app, err)
	}
	return checkReply(app, reply)
}

// command sends a plain socket command and checks the reply.
func (s *Session) command(ctx context.Context, cmd string) error {
	reply, err := s.conn.Send(ctx, cmd)
	if err != nil {
		return fmt.Errorf("%s: %w", cmd, err)
	}
	return checkReply(cmd, reply)
}

func checkReply(what string, reply esl.Event) error {
	if text := reply.ReplyText(); !strings.HasPrefix(text, "+OK") {
		return fmt.Errorf("%s rejected: %s", what, text)
	}
	return nil
}

func noLongerConnected(addr string) string {
	return fmt.Sprintf("Client '%s' no longer connected", addr)
}
