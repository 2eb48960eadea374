package bus

import (
	"context"
	"log/slog"

	"firestige.xyz/voicebridge/internal/message"
)

// LogPublisher logs messages instead of producing them. The daemon uses it
// when no brokers are configured.
type LogPublisher struct{}

func (LogPublisher) PublishInbound(_ context.Context, msg *message.Message) error {
	slog.Info("inbound message",
		"message_id", msg.MessageID,
		"from_addr", msg.FromAddr,
		"session_event", msg.SessionEvent,
		"content", msg.Text(),
	)
	return nil
}

func (LogPublisher) PublishEvent(_ context.Context, ev *message.Event) error {
	slog.Info("message event",
		"event_type", ev.EventType,
		"user_message_id", ev.UserMessageID,
		"nack_reason", ev.NackReason,
	)
	return nil
}

func (LogPublisher) Close() error { return nil }
