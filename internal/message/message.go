// Package message defines the user messages and delivery events exchanged
// with the message bus.
package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session events.
const (
	SessionNew    = "new"
	SessionResume = "resume"
	SessionClose  = "close"
)

// Event types.
const (
	EventAck  = "ack"
	EventNack = "nack"
)

// TimestampLayout is the vumi wire format for timestamps, always UTC.
const TimestampLayout = "2006-01-02 15:04:05.000000"

// Timestamp marshals as TimestampLayout and accepts that layout (with any
// fraction or none) or RFC 3339.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().UTC()}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	// time.DateTime also parses a trailing fraction of any length
	if v, err := time.ParseInLocation(time.DateTime, s, time.UTC); err == nil {
		*t = Timestamp{v}
		return nil
	}
	v, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("timestamp %q: want %q or RFC 3339", s, TimestampLayout)
	}
	*t = Timestamp{v.UTC()}
	return nil
}

// Message is a user message travelling in either direction.
type Message struct {
	MessageID      string         `json:"message_id"`
	ToAddr         string         `json:"to_addr"`
	FromAddr       string         `json:"from_addr"`
	Content        *string        `json:"content"`
	SessionEvent   string         `json:"session_event,omitempty"`
	TransportName  string         `json:"transport_name,omitempty"`
	TransportType  string         `json:"transport_type,omitempty"`
	Timestamp      Timestamp      `json:"timestamp"`
	HelperMetadata map[string]any `json:"helper_metadata,omitempty"`
}

// New creates a message with a fresh id.
func New(from, to, sessionEvent string, content *string) *Message {
	return &Message{
		MessageID:    uuid.NewString(),
		FromAddr:     from,
		ToAddr:       to,
		Content:      content,
		SessionEvent: sessionEvent,
		Timestamp:    Now(),
	}
}

// Text returns the content, or "" for a nil content.
func (m *Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// Voice returns helper_metadata.voice, or nil.
func (m *Message) Voice() map[string]any {
	if m.HelperMetadata == nil {
		return nil
	}
	v, _ := m.HelperMetadata["voice"].(map[string]any)
	return v
}

// Event acknowledges or rejects an outbound message.
type Event struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	UserMessageID string    `json:"user_message_id"`
	SentMessageID string    `json:"sent_message_id,omitempty"`
	NackReason    string    `json:"nack_reason,omitempty"`
	Timestamp     Timestamp `json:"timestamp"`
}

// Ack builds an ack for msg.
func Ack(msg *Message) *Event {
	return &Event{
		EventID:       uuid.NewString(),
		EventType:     EventAck,
		UserMessageID: msg.MessageID,
		SentMessageID: msg.MessageID,
		Timestamp:     Now(),
	}
}

// Nack builds a negative acknowledgement for msg.
func Nack(msg *Message, reason string) *Event {
	return &Event{
		EventID:       uuid.NewString(),
		EventType:     EventNack,
		UserMessageID: msg.MessageID,
		NackReason:    reason,
		Timestamp:     Now(),
	}
}

// String returns a pointer to s, for building messages with content.
func String(s string) *string {
	return &s
}
