package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/message"
	"firestige.xyz/voicebridge/internal/metrics"
)

const retryBackoff = 5 * time.Second

// Dispatcher routes outbound messages to calls.
type Dispatcher interface {
	DispatchOutbound(ctx context.Context, msg *message.Message)
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads outbound user messages and hands them to a Dispatcher.
type Consumer struct {
	kc         config.KafkaConfig
	reader     messageReader
	dispatcher Dispatcher
	backoff    time.Duration
}

// NewConsumer creates a consumer group reader on the outbound topic.
func NewConsumer(kc config.KafkaConfig, dispatcher Dispatcher) (*Consumer, error) {
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.OutboundTopic == "" {
		return nil, fmt.Errorf("outbound_topic is required")
	}
	if kc.GroupID == "" {
		return nil, fmt.Errorf("group_id is required")
	}

	var startOffset int64
	switch kc.AutoOffsetReset {
	case "earliest":
		startOffset = kafka.FirstOffset
	default:
		startOffset = kafka.LastOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        kc.Brokers,
		Topic:          kc.OutboundTopic,
		GroupID:        kc.GroupID,
		StartOffset:    startOffset,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return newConsumer(kc, reader, dispatcher), nil
}

func newConsumer(kc config.KafkaConfig, reader messageReader, dispatcher Dispatcher) *Consumer {
	return &Consumer{kc: kc, reader: reader, dispatcher: dispatcher, backoff: retryBackoff}
}

// Start consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	slog.Info("kafka consumer started",
		"brokers", c.kc.Brokers,
		"topic", c.kc.OutboundTopic,
		"group_id", c.kc.GroupID,
	)

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("kafka consumer stopped", "reason", ctx.Err())
				return nil
			}
			slog.Error("failed to fetch kafka message", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
				continue
			}
		}

		if err := c.processMessage(ctx, msg); err != nil {
			metrics.BusMessagesTotal.WithLabelValues(c.kc.OutboundTopic, "invalid").Inc()
			slog.Error("failed to process outbound message",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			slog.Error("failed to commit message", "error", err)
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, km kafka.Message) error {
	var msg message.Message
	if err := json.Unmarshal(km.Value, &msg); err != nil {
		return fmt.Errorf("failed to parse outbound message: %w", err)
	}
	if msg.ToAddr == "" {
		return fmt.Errorf("outbound message %s has no to_addr", msg.MessageID)
	}
	if msg.MessageID == "" {
		return fmt.Errorf("outbound message to %s has no message_id", msg.ToAddr)
	}

	slog.Debug("received outbound message",
		"message_id", msg.MessageID,
		"to_addr", msg.ToAddr,
		"session_event", msg.SessionEvent,
	)
	metrics.BusMessagesTotal.WithLabelValues(c.kc.OutboundTopic, "ok").Inc()
	c.dispatcher.DispatchOutbound(ctx, &msg)
	return nil
}

// Stop closes the reader. Always nils the reader to prevent double-close.
func (c *Consumer) Stop() error {
	if c.reader == nil {
		return nil
	}
	reader := c.reader
	c.reader = nil
	slog.Info("closing kafka consumer")
	if err := reader.Close(); err != nil {
		return fmt.Errorf("failed to close kafka reader: %w", err)
	}
	return nil
}
