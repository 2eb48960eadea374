// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks call sessions currently registered
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicebridge_sessions_active",
			Help: "Number of registered call sessions",
		},
	)

	// SessionsTotal counts registrations by how they were matched
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_sessions_total",
			Help: "Total number of registered call sessions",
		},
		[]string{"origin"}, // inbound | originated
	)

	// CallDurationSeconds measures answered call duration reported by the switch
	CallDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "voicebridge_call_duration_seconds",
			Help:    "Duration of answered calls in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1h
		},
	)

	// OriginationsTotal counts origination attempts by result
	OriginationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_originations_total",
			Help: "Total number of outbound call originations",
		},
		[]string{"result"}, // ok | failed | unanswered | expired
	)

	// OutboundMessagesTotal counts outbound user messages by event type
	OutboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_outbound_messages_total",
			Help: "Total number of outbound messages acked or nacked",
		},
		[]string{"event_type"},
	)

	// InboundMessagesTotal counts published inbound messages by session event
	InboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_inbound_messages_total",
			Help: "Total number of inbound messages published",
		},
		[]string{"session_event"},
	)

	// VoiceCacheTotal counts local TTS cache lookups
	VoiceCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_voice_cache_total",
			Help: "Local text-to-speech cache lookups",
		},
		[]string{"result"}, // hit | miss
	)

	// UnboundEventsTotal counts switch events with no handler
	UnboundEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_unbound_events_total",
			Help: "Events received from the switch that have no handler",
		},
		[]string{"event"},
	)

	// BusMessagesTotal counts messages moved over the message bus
	BusMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicebridge_bus_messages_total",
			Help: "Messages consumed from or produced to Kafka",
		},
		[]string{"topic", "result"}, // ok | error | invalid
	)
)
