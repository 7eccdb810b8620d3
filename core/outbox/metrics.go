package outbox

import "github.com/bennyboer/kicherkrabbe-sub011/core/metrics"

// Metrics instruments the relay. Implementations must be safe for
// concurrent use.
type Metrics interface {
	Claimed(count int)
	PublishDuration(target string) metrics.Timer
	Published(target string)
	DeliveryFailed(target string)
	Pruned(count int)
}

type nopMetrics struct{}

func (nopMetrics) Claimed(int)                          {}
func (nopMetrics) PublishDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Published(string)                     {}
func (nopMetrics) DeliveryFailed(string)                {}
func (nopMetrics) Pruned(int)                           {}

func NopMetrics() Metrics { return nopMetrics{} }
