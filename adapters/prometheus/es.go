package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/metrics"
)

// ESMetrics implements es.Metrics.
type ESMetrics struct {
	// Store metrics
	storeLoadDuration   *prometheus.HistogramVec
	storeAppendDuration *prometheus.HistogramVec
	eventsAppended      *prometheus.CounterVec
	eventsPatched       *prometheus.CounterVec

	// Runtime metrics
	submitDuration       *prometheus.HistogramVec
	concurrencyConflicts *prometheus.CounterVec
	ruleViolations       *prometheus.CounterVec
	snapshotsTaken       *prometheus.CounterVec
}

func NewESMetrics(reg prometheus.Registerer) *ESMetrics {
	m := &ESMetrics{
		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_load_duration_seconds",
			Help:      "Event store load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_store_append_duration_seconds",
			Help:      "Event store append latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"aggregate_type"}),

		eventsPatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_events_patched_total",
			Help:      "Total number of stored events upgraded to a newer schema on load",
		}, []string{"aggregate_type", "event_type"}),

		submitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "es_submit_duration_seconds",
			Help:      "Command submission latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_concurrency_conflicts_total",
			Help:      "Total number of optimistic concurrency failures",
		}, []string{"aggregate_type"}),

		ruleViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_rule_violations_total",
			Help:      "Total number of commands rejected by domain rules",
		}, []string{"aggregate_type"}),

		snapshotsTaken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_snapshots_taken_total",
			Help:      "Total number of snapshot events written",
		}, []string{"aggregate_type"}),
	}

	reg.MustRegister(
		m.storeLoadDuration,
		m.storeAppendDuration,
		m.eventsAppended,
		m.eventsPatched,
		m.submitDuration,
		m.concurrencyConflicts,
		m.ruleViolations,
		m.snapshotsTaken,
	)

	return m
}

func (m *ESMetrics) StoreLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *ESMetrics) EventsPatched(aggType, eventType string) {
	m.eventsPatched.WithLabelValues(aggType, eventType).Inc()
}

func (m *ESMetrics) SubmitDuration(aggType string) metrics.Timer {
	return newTimer(m.submitDuration.WithLabelValues(aggType))
}

func (m *ESMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *ESMetrics) RuleViolation(aggType string) {
	m.ruleViolations.WithLabelValues(aggType).Inc()
}

func (m *ESMetrics) SnapshotTaken(aggType string) {
	m.snapshotsTaken.WithLabelValues(aggType).Inc()
}

var _ es.Metrics = (*ESMetrics)(nil)
