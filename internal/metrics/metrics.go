// Package metrics provides Prometheus metrics for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveSessions tracks sessions in the session table, by state.
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_sessions",
			Help: "Number of user sessions currently held, by state",
		},
		[]string{"state"},
	)

	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of user sessions created",
		},
	)

	SessionsResumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_sessions_resumed_total",
			Help: "Total number of glasses reconnections inside the grace period",
		},
	)

	// SessionsEnded counts teardowns by reason (expired, logout, superseded).
	SessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_sessions_ended_total",
			Help: "Total number of user sessions torn down",
		},
		[]string{"reason"},
	)

	// TpaConnectionTransitions tracks TPA connection state changes.
	TpaConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tpa_connection_transitions_total",
			Help: "Total number of TPA connection state transitions",
		},
		[]string{"to_state"},
	)

	// Activations counts activation outcomes (ok, timeout, auth_failure, webhook_error).
	Activations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_tpa_activations_total",
			Help: "Total number of TPA activations, by outcome",
		},
		[]string{"outcome"},
	)

	ActivationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_tpa_activation_duration_seconds",
			Help:    "Time from webhook dispatch to TPA acknowledgement",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tpa_reconnect_attempts_total",
			Help: "Total number of TPA reconnection attempts",
		},
	)

	PermanentDisconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_tpa_permanent_disconnects_total",
			Help: "Total number of TPA connections closed after exhausting reconnection",
		},
	)

	// RoutedEvents counts frames delivered to TPAs, by base stream type.
	RoutedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_routed_events_total",
			Help: "Total number of stream events delivered to TPA connections",
		},
		[]string{"stream"},
	)

	// DroppedSends counts frames discarded because a socket queue was full or closed.
	DroppedSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dropped_sends_total",
			Help: "Total number of outbound frames dropped",
		},
		[]string{"target"},
	)

	MalformedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_malformed_frames_total",
			Help: "Total number of inbound frames rejected as malformed",
		},
		[]string{"source"},
	)

	UpgradeLimiterFailOpen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upgrade_limiter_fail_open_total",
			Help: "Total number of upgrade limit checks allowed because Redis was unavailable",
		},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_webhook_duration_seconds",
			Help:    "Duration of TPA webhook calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)

// RecordSessionCreated increments session creation metrics.
func RecordSessionCreated() {
	SessionsCreated.Inc()
	ActiveSessions.WithLabelValues("ACTIVE").Inc()
}

// RecordSessionTransition moves one session between state gauges.
func RecordSessionTransition(from, to string) {
	ActiveSessions.WithLabelValues(from).Dec()
	ActiveSessions.WithLabelValues(to).Inc()
}

// RecordSessionEnded removes a session from its state gauge.
func RecordSessionEnded(lastState, reason string) {
	ActiveSessions.WithLabelValues(lastState).Dec()
	SessionsEnded.WithLabelValues(reason).Inc()
}

func RecordTpaTransition(to string) {
	TpaConnectionTransitions.WithLabelValues(to).Inc()
}

func RecordDroppedSend(target string) {
	DroppedSends.WithLabelValues(target).Inc()
}
