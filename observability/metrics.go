package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// SignalMetrics records activity on the realtime signaling path: inbound
// event dispatch, registry resolution, escrow transitions and notification
// delivery. Instances are lazily initialised and registered once so every
// package shares the same series.
type SignalMetrics struct {
	Events        *prometheus.CounterVec
	EventLatency  *prometheus.HistogramVec
	RegistryMiss  *prometheus.CounterVec
	Transitions   *prometheus.CounterVec
	Notifications *prometheus.CounterVec
	Connections   prometheus.Gauge
}

var (
	signalMetricsOnce sync.Once
	signalRegistry    *SignalMetrics
)

// Metrics returns the shared signaling metrics registry.
func Metrics() *SignalMetrics {
	signalMetricsOnce.Do(func() {
		signalRegistry = &SignalMetrics{
			Events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketsignal",
				Subsystem: "gateway",
				Name:      "events_total",
				Help:      "Inbound signaling events segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			EventLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "marketsignal",
				Subsystem: "gateway",
				Name:      "event_duration_seconds",
				Help:      "Latency distribution for event handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			RegistryMiss: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketsignal",
				Subsystem: "registry",
				Name:      "misses_total",
				Help:      "Registry lookups that found no live connection, segmented by event kind.",
			}, []string{"kind"}),
			Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketsignal",
				Subsystem: "escrow",
				Name:      "transitions_total",
				Help:      "Escrow status transitions segmented by target status and outcome.",
			}, []string{"status", "outcome"}),
			Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "marketsignal",
				Subsystem: "notify",
				Name:      "deliveries_total",
				Help:      "Notification delivery attempts segmented by channel and outcome.",
			}, []string{"channel", "outcome"}),
			Connections: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "marketsignal",
				Subsystem: "gateway",
				Name:      "open_connections",
				Help:      "Number of currently open duplex connections.",
			}),
		}
		prometheus.MustRegister(
			signalRegistry.Events,
			signalRegistry.EventLatency,
			signalRegistry.RegistryMiss,
			signalRegistry.Transitions,
			signalRegistry.Notifications,
			signalRegistry.Connections,
		)
	})
	return signalRegistry
}

// RecordEvent counts one handled event with its outcome.
func (m *SignalMetrics) RecordEvent(kind, outcome string) {
	if m == nil || m.Events == nil {
		return
	}
	m.Events.WithLabelValues(kind, outcome).Inc()
}

// RecordTransition counts one escrow status transition attempt.
func (m *SignalMetrics) RecordTransition(status, outcome string) {
	if m == nil || m.Transitions == nil {
		return
	}
	m.Transitions.WithLabelValues(status, outcome).Inc()
}

// RecordNotification counts one notification delivery attempt.
func (m *SignalMetrics) RecordNotification(channel, outcome string) {
	if m == nil || m.Notifications == nil {
		return
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}
