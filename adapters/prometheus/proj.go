package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es/proj"
	"github.com/bennyboer/kicherkrabbe-sub011/core/metrics"
)

// ListenerMetrics implements proj.Metrics.
type ListenerMetrics struct {
	handleDuration *prometheus.HistogramVec
	applied        *prometheus.CounterVec
	skipped        *prometheus.CounterVec
	failed         *prometheus.CounterVec
}

func NewListenerMetrics(reg prometheus.Registerer) *ListenerMetrics {
	m := &ListenerMetrics{
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "listener_handle_duration_seconds",
			Help:      "Time to handle one delivered message in seconds",
			Buckets:   defaultBuckets,
		}, []string{"listener"}),

		applied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_applied_total",
			Help:      "Total number of events applied to read models",
		}, []string{"listener", "event_type"}),

		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_skipped_total",
			Help:      "Total number of messages that left the read model unchanged",
		}, []string{"listener", "reason"}),

		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_failures_total",
			Help:      "Total number of messages whose handling failed",
		}, []string{"listener", "event_type"}),
	}

	reg.MustRegister(m.handleDuration, m.applied, m.skipped, m.failed)
	return m
}

func (m *ListenerMetrics) HandleDuration(listener string) metrics.Timer {
	return newTimer(m.handleDuration.WithLabelValues(listener))
}

func (m *ListenerMetrics) Applied(listener, eventType string) {
	m.applied.WithLabelValues(listener, eventType).Inc()
}

func (m *ListenerMetrics) Skipped(listener, reason string) {
	m.skipped.WithLabelValues(listener, reason).Inc()
}

func (m *ListenerMetrics) Failed(listener, eventType string) {
	m.failed.WithLabelValues(listener, eventType).Inc()
}

var _ proj.Metrics = (*ListenerMetrics)(nil)
