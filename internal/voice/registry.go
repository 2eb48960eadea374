package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"firestige.xyz/voicebridge/internal/control"
	"firestige.xyz/voicebridge/internal/message"
	"firestige.xyz/voicebridge/internal/metrics"
)

const (
	transportType         = "voice"
	defaultPendingTTL     = 2 * time.Minute
	defaultPublishTimeout = 10 * time.Second

	reasonUnanswered = "Unanswered Call"
	reasonNeverSeen  = "Call never connected"
)

var (
	// ErrDuplicateSession is returned when a call id is already registered.
	ErrDuplicateSession = errors.New("voice: call already registered")
	// ErrUnansweredCall marks an originated call that ended before answer.
	ErrUnansweredCall = errors.New(reasonUnanswered)
)

// Publisher sends inbound messages and delivery events to the message bus.
type Publisher interface {
	PublishInbound(ctx context.Context, msg *message.Message) error
	PublishEvent(ctx context.Context, ev *message.Event) error
}

// Originator runs control API commands.
type Originator interface {
	Call(ctx context.Context, command string) (*control.Reply, error)
}

// CommandFormatter renders the originate command for a new call.
type CommandFormatter interface {
	FormatCall(fromAddr, toAddr, callID string) string
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	ToAddr        string // to_addr of inbound messages
	TransportName string
	WaitForAnswer bool
	PendingTTL    time.Duration

	Publisher Publisher
	// Originator and Formatter are both required for outbound calls.
	Originator Originator
	Formatter  CommandFormatter
}

// pendingOrigination waits for the originated call to register (and, when
// waiting for answer, to be answered).
type pendingOrigination struct {
	id            string
	msg           *message.Message
	waitForAnswer bool
	session       *Session
	claimed       bool
}

// Registry owns the live sessions and the pending originations. One mutex
// guards both so register, deregister and claims never interleave.
type Registry struct {
	cfg   RegistryConfig
	newID func() string

	mu       sync.Mutex
	sessions map[string]*Session
	pending  *cache.Cache
	expired  []*pendingOrigination

	originations sync.WaitGroup
}

// NewRegistry creates a registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Publisher == nil {
		return nil, fmt.Errorf("registry requires a publisher")
	}
	if cfg.ToAddr == "" {
		cfg.ToAddr = "freeswitchvoice"
	}
	if cfg.TransportName == "" {
		cfg.TransportName = transportType
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = defaultPendingTTL
	}

	r := &Registry{
		cfg:      cfg,
		newID:    uuid.NewString,
		sessions: make(map[string]*Session),
		// No janitor: expiry is swept under r.mu.
		pending: cache.New(cfg.PendingTTL, 0),
	}
	r.pending.OnEvicted(func(_ string, v any) {
		if p := v.(*pendingOrigination); !p.claimed {
			r.expired = append(r.expired, p)
		}
	})
	return r, nil
}

// Register makes s visible under its call id. A matching pending
// origination is consumed and its message delivered; otherwise a "new"
// session message is published.
func (r *Registry) Register(s *Session) error {
	id := s.ID()

	r.mu.Lock()
	if cur, ok := r.sessions[id]; ok && cur != s {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	r.sessions[id] = s
	metrics.SessionsActive.Inc()

	p := r.lookupLocked(id)
	var deliver *message.Message
	if p != nil {
		if p.waitForAnswer && !s.Answered() {
			p.session = s
		} else {
			r.claimLocked(p)
			deliver = p.msg
		}
	}
	expired := r.sweepLocked()
	r.mu.Unlock()

	r.failExpired(expired)

	if p != nil {
		slog.Info("Registering originated call", "call_id", id)
		metrics.SessionsTotal.WithLabelValues("originated").Inc()
		if deliver != nil {
			s.Enqueue(deliver)
		}
		return nil
	}

	slog.Info("Registering client", "call_id", id)
	metrics.SessionsTotal.WithLabelValues("inbound").Inc()
	r.publishInbound(s, nil, message.SessionNew, nil)
	return nil
}

// Answered delivers the message of a pending origination waiting on s.
func (r *Registry) Answered(s *Session) {
	id := s.ID()

	r.mu.Lock()
	p := r.lookupLocked(id)
	if p == nil || r.sessions[id] != s {
		r.mu.Unlock()
		return
	}
	r.claimLocked(p)
	r.mu.Unlock()

	slog.Info("Originated call answered", "call_id", id)
	s.Enqueue(p.msg)
}

// Deregister removes s. A pending origination for the same id fails as
// unanswered first. durationMS is nil when the call duration is unknown.
func (r *Registry) Deregister(s *Session, durationMS *int64) {
	id := s.ID()
	if id == "" {
		return
	}

	r.mu.Lock()
	cur, ok := r.sessions[id]
	registered := ok && cur == s
	// A duplicate connection for a live call must not fail its origination.
	p := r.lookupLocked(id)
	if p != nil && (!ok || registered) {
		r.claimLocked(p)
	} else {
		p = nil
	}
	if registered {
		delete(r.sessions, id)
		metrics.SessionsActive.Dec()
	}
	r.mu.Unlock()

	if p != nil {
		slog.Warn("Originated call ended before answer", "call_id", id, "message_id", p.msg.MessageID)
		metrics.OriginationsTotal.WithLabelValues("unanswered").Inc()
		r.Nack(p.msg, ErrUnansweredCall.Error())
	}

	if !registered {
		return
	}
	slog.Info("Deregistering client", "call_id", id)

	var meta map[string]any
	if durationMS != nil {
		meta = map[string]any{"voice": map[string]any{"call_duration": *durationMS}}
		metrics.CallDurationSeconds.Observe(float64(*durationMS) / 1000)
	}
	r.publishInbound(s, nil, message.SessionClose, meta)
	s.signalDone()
}

// Input publishes caller input as a resume message.
func (r *Registry) Input(s *Session, content string) {
	r.publishInbound(s, &content, message.SessionResume, nil)
}

// Lookup returns the registered session for id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of the registered sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// PendingCount returns the number of originations awaiting their call.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending.ItemCount()
}

// DispatchOutbound routes an outbound message without blocking. Failures
// are reported as nacks, never returned.
func (r *Registry) DispatchOutbound(ctx context.Context, msg *message.Message) {
	r.mu.Lock()
	s, ok := r.sessions[msg.ToAddr]
	expired := r.sweepLocked()
	r.mu.Unlock()
	r.failExpired(expired)

	switch {
	case ok:
		s.Enqueue(msg)
	case msg.SessionEvent == message.SessionNew && r.canOriginate():
		r.originations.Add(1)
		go func() {
			defer r.originations.Done()
			r.originate(ctx, msg)
		}()
	default:
		r.Nack(msg, noLongerConnected(msg.ToAddr))
	}
}

func (r *Registry) canOriginate() bool {
	return r.cfg.Originator != nil && r.cfg.Formatter != nil
}

// originate dials msg.ToAddr and parks msg until the call registers.
func (r *Registry) originate(ctx context.Context, msg *message.Message) {
	localID := r.newID()
	cmd := r.cfg.Formatter.FormatCall(msg.FromAddr, msg.ToAddr, localID)

	reply, err := r.cfg.Originator.Call(ctx, cmd)
	if err == nil && !strings.Contains(cmd, localID) && reply.Arg(1) == "" {
		err = fmt.Errorf("no call uuid in reply %q", strings.Join(reply.Tokens, " "))
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("Error connecting to client '%s': %v", msg.ToAddr, err))
		metrics.OriginationsTotal.WithLabelValues("failed").Inc()
		r.Nack(msg, fmt.Sprintf("Could not make call to client '%s'", msg.ToAddr))
		return
	}
	metrics.OriginationsTotal.WithLabelValues("ok").Inc()

	// The locally generated id wins when the template embeds it verbatim;
	// otherwise the switch's job uuid does.
	id := localID
	if !strings.Contains(cmd, localID) {
		id = reply.Arg(1)
	}
	p := &pendingOrigination{id: id, msg: msg, waitForAnswer: r.cfg.WaitForAnswer}

	r.mu.Lock()
	s, registered := r.sessions[id]
	deliverNow := registered && (!p.waitForAnswer || s.Answered())
	if !deliverNow {
		if registered {
			p.session = s
		}
		r.pending.Set(id, p, cache.DefaultExpiration)
	}
	r.mu.Unlock()

	slog.Info("Call originated", "call_id", id, "to_addr", msg.ToAddr, "wait_for_answer", p.waitForAnswer)
	if deliverNow {
		s.Enqueue(msg)
	}
}

// Wait blocks until in-flight originations finish or ctx is done.
func (r *Registry) Wait(ctx context.Context) error {
	return waitGroup(ctx, &r.originations)
}

// ExpirePending nacks originations whose call never arrived in time.
func (r *Registry) ExpirePending() {
	r.mu.Lock()
	expired := r.sweepLocked()
	r.mu.Unlock()
	r.failExpired(expired)
}

// Run expires pending originations periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PendingTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.ExpirePending()
		}
	}
}

func (r *Registry) lookupLocked(id string) *pendingOrigination {
	v, ok := r.pending.Get(id)
	if !ok {
		return nil
	}
	return v.(*pendingOrigination)
}

func (r *Registry) claimLocked(p *pendingOrigination) {
	p.claimed = true
	r.pending.Delete(p.id)
}

func (r *Registry) sweepLocked() []*pendingOrigination {
	r.pending.DeleteExpired()
	expired := r.expired
	r.expired = nil
	return expired
}

func (r *Registry) failExpired(expired []*pendingOrigination) {
	for _, p := range expired {
		reason := reasonNeverSeen
		if p.session != nil {
			reason = ErrUnansweredCall.Error()
		}
		slog.Warn("Pending origination expired", "call_id", p.id, "message_id", p.msg.MessageID, "reason", reason)
		metrics.OriginationsTotal.WithLabelValues("expired").Inc()
		r.Nack(p.msg, reason)
	}
}

// Ack publishes an ack for msg.
func (r *Registry) Ack(msg *message.Message) {
	r.publishEvent(message.Ack(msg))
}

// Nack publishes a nack for msg.
func (r *Registry) Nack(msg *message.Message, reason string) {
	r.publishEvent(message.Nack(msg, reason))
}

func (r *Registry) publishEvent(ev *message.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	metrics.OutboundMessagesTotal.WithLabelValues(ev.EventType).Inc()
	if err := r.cfg.Publisher.PublishEvent(ctx, ev); err != nil {
		slog.Error("failed to publish event", "event_type", ev.EventType, "user_message_id", ev.UserMessageID, "error", err)
	}
}

func (r *Registry) publishInbound(s *Session, content *string, sessionEvent string, meta map[string]any) {
	msg := message.New(s.ID(), r.cfg.ToAddr, sessionEvent, content)
	msg.TransportName = r.cfg.TransportName
	msg.TransportType = transportType
	msg.HelperMetadata = meta

	ctx, cancel := context.WithTimeout(context.Background(), defaultPublishTimeout)
	defer cancel()
	metrics.InboundMessagesTotal.WithLabelValues(sessionEvent).Inc()
	if err := r.cfg.Publisher.PublishInbound(ctx, msg); err != nil {
		slog.Error("failed to publish inbound message", "call_id", s.ID(), "session_event", sessionEvent, "error", err)
	}
}
