package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bennyboer/kicherkrabbe-sub011/core/metrics"
	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

// OutboxMetrics implements outbox.Metrics.
type OutboxMetrics struct {
	claimed         prometheus.Counter
	publishDuration *prometheus.HistogramVec
	published       *prometheus.CounterVec
	deliveryFailed  *prometheus.CounterVec
	pruned          prometheus.Counter
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	m := &OutboxMetrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_claimed_total",
			Help:      "Total number of outbox entries claimed by relays",
		}),

		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "outbox_publish_duration_seconds",
			Help:      "Transport publish latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"target"}),

		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_published_total",
			Help:      "Total number of outbox entries published",
		}, []string{"target"}),

		deliveryFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_delivery_failures_total",
			Help:      "Total number of failed publish attempts",
		}, []string{"target"}),

		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_pruned_total",
			Help:      "Total number of published entries deleted",
		}),
	}

	reg.MustRegister(m.claimed, m.publishDuration, m.published, m.deliveryFailed, m.pruned)
	return m
}

func (m *OutboxMetrics) Claimed(count int) { m.claimed.Add(float64(count)) }

func (m *OutboxMetrics) PublishDuration(target string) metrics.Timer {
	return newTimer(m.publishDuration.WithLabelValues(target))
}

func (m *OutboxMetrics) Published(target string) { m.published.WithLabelValues(target).Inc() }

func (m *OutboxMetrics) DeliveryFailed(target string) {
	m.deliveryFailed.WithLabelValues(target).Inc()
}

func (m *OutboxMetrics) Pruned(count int) { m.pruned.Add(float64(count)) }

var _ outbox.Metrics = (*OutboxMetrics)(nil)
