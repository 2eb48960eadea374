// Package bus connects the bridge to Kafka: outbound user messages are
// consumed, inbound messages and delivery events are produced.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/voicebridge/internal/config"
	"firestige.xyz/voicebridge/internal/message"
	"firestige.xyz/voicebridge/internal/metrics"
)

const (
	defaultBatchTimeout = 10 * time.Millisecond
	defaultMaxAttempts  = 3
)

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes inbound messages and ack/nack events.
type Producer struct {
	inbound      messageWriter
	events       messageWriter
	inboundTopic string
	eventTopic   string
}

// NewProducer creates writers for the inbound and event topics.
func NewProducer(kc config.KafkaConfig) (*Producer, error) {
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if kc.InboundTopic == "" || kc.EventTopic == "" {
		return nil, fmt.Errorf("inbound_topic and event_topic are required")
	}
	codec, err := compressionCodec(kc.Compression)
	if err != nil {
		return nil, err
	}

	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers:          kc.Brokers,
			Topic:            topic,
			Balancer:         &kafka.Hash{}, // one call's messages stay on one partition
			BatchTimeout:     defaultBatchTimeout,
			MaxAttempts:      defaultMaxAttempts,
			CompressionCodec: codec,
		})
	}

	slog.Info("kafka producer created",
		"brokers", kc.Brokers,
		"inbound_topic", kc.InboundTopic,
		"event_topic", kc.EventTopic,
		"compression", kc.Compression,
	)
	return &Producer{
		inbound:      newWriter(kc.InboundTopic),
		events:       newWriter(kc.EventTopic),
		inboundTopic: kc.InboundTopic,
		eventTopic:   kc.EventTopic,
	}, nil
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// PublishInbound publishes msg keyed by its call id.
func (p *Producer) PublishInbound(ctx context.Context, msg *message.Message) error {
	return publish(ctx, p.inbound, p.inboundTopic, msg.FromAddr, msg)
}

// PublishEvent publishes ev keyed by the message it refers to.
func (p *Producer) PublishEvent(ctx context.Context, ev *message.Event) error {
	return publish(ctx, p.events, p.eventTopic, ev.UserMessageID, ev)
}

func publish(ctx context.Context, w messageWriter, topic, key string, v any) error {
	value, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value}); err != nil {
		metrics.BusMessagesTotal.WithLabelValues(topic, "error").Inc()
		return fmt.Errorf("failed to write kafka message to %s: %w", topic, err)
	}
	metrics.BusMessagesTotal.WithLabelValues(topic, "ok").Inc()
	return nil
}

// Close flushes and closes both writers.
func (p *Producer) Close() error {
	slog.Info("closing kafka producer")
	return errors.Join(p.inbound.Close(), p.events.Close())
}
