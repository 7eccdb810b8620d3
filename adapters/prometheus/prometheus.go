// Package prometheus provides Prometheus implementations of the metrics
// interfaces of the event store, the outbox relay and the listeners.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bennyboer/kicherkrabbe-sub011/core/metrics"
)

const namespace = "kicherkrabbe"

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

// AllMetrics holds the implementations for every component. Use it to
// register everything a process needs at once.
type AllMetrics struct {
	ES       *ESMetrics
	Outbox   *OutboxMetrics
	Listener *ListenerMetrics
}

func NewAllMetrics(reg prometheus.Registerer) *AllMetrics {
	return &AllMetrics{
		ES:       NewESMetrics(reg),
		Outbox:   NewOutboxMetrics(reg),
		Listener: NewListenerMetrics(reg),
	}
}
