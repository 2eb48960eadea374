package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeOutbound(t *testing.T) {
	raw := `{
		"message_id": "m-1",
		"to_addr": "uuid-1",
		"from_addr": "freeswitchvoice",
		"content": "hello",
		"session_event": "resume",
		"helper_metadata": {"voice": {"speech_url": ["a.ogg", "b.ogg"], "wait_for": "#"}}
	}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "hello", m.Text())
	assert.Equal(t, SessionResume, m.SessionEvent)
	assert.Equal(t, "#", m.Voice()["wait_for"])
	assert.Equal(t, []any{"a.ogg", "b.ogg"}, m.Voice()["speech_url"])
}

func TestNullContent(t *testing.T) {
	m := New("uuid-1", "freeswitchvoice", SessionNew, nil)
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Contains(t, decoded, "content")
	assert.Nil(t, decoded["content"])
	assert.Equal(t, "", m.Text())
	assert.Nil(t, m.Voice())
}

func TestAckNack(t *testing.T) {
	m := New("a", "b", SessionResume, String("x"))

	ack := Ack(m)
	assert.Equal(t, EventAck, ack.EventType)
	assert.Equal(t, m.MessageID, ack.UserMessageID)
	assert.Equal(t, m.MessageID, ack.SentMessageID)

	nack := Nack(m, "Unanswered Call")
	assert.Equal(t, EventNack, nack.EventType)
	assert.Equal(t, m.MessageID, nack.UserMessageID)
	assert.Equal(t, "Unanswered Call", nack.NackReason)
	assert.NotEqual(t, ack.EventID, nack.EventID)
}

func TestTimestampDecode(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{"vumi", `"2016-01-18 10:11:12.123456"`, time.Date(2016, 1, 18, 10, 11, 12, 123456000, time.UTC)},
		{"vumi without fraction", `"2016-01-18 10:11:12"`, time.Date(2016, 1, 18, 10, 11, 12, 0, time.UTC)},
		{"rfc3339", `"2016-01-18T12:11:12.5+02:00"`, time.Date(2016, 1, 18, 10, 11, 12, 500000000, time.UTC)},
		{"null", `null`, time.Time{}},
		{"empty", `""`, time.Time{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ts Timestamp
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &ts))
			assert.True(t, tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}
}

func TestTimestampDecodeInvalid(t *testing.T) {
	var ts Timestamp
	err := json.Unmarshal([]byte(`"yesterday"`), &ts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "yesterday")
}

func TestVumiMessageDecode(t *testing.T) {
	raw := `{"message_id":"m1","to_addr":"uuid-1","from_addr":"app","content":"hi",` +
		`"session_event":"resume","timestamp":"2016-01-18 10:11:12.123456"}`

	var m Message
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.Equal(t, "m1", m.MessageID)
	assert.Equal(t, 2016, m.Timestamp.Year())
}

func TestTimestampEncode(t *testing.T) {
	ts := Timestamp{time.Date(2016, 1, 18, 12, 11, 12, 123456789, time.FixedZone("SAST", 2*3600))}
	data, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, `"2016-01-18 10:11:12.123456"`, string(data))

	m := New("uuid-1", "freeswitchvoice", SessionNew, nil)
	data, err = json.Marshal(m)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	_, err = time.Parse(TimestampLayout, decoded["timestamp"].(string))
	assert.NoError(t, err)
}
