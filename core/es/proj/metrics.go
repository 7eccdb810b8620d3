package proj

import "github.com/bennyboer/kicherkrabbe-sub011/core/metrics"

// Metrics instruments listeners. Implementations must be safe for
// concurrent use.
type Metrics interface {
	HandleDuration(listener string) metrics.Timer
	Applied(listener, eventType string)
	// Skipped counts messages that did not change the read model; reason is
	// one of "duplicate", "stale", "ignored" or "malformed".
	Skipped(listener, reason string)
	Failed(listener, eventType string)
}

type nopMetrics struct{}

func (nopMetrics) HandleDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) Applied(string, string)              {}
func (nopMetrics) Skipped(string, string)              {}
func (nopMetrics) Failed(string, string)               {}

func NopMetrics() Metrics { return nopMetrics{} }
