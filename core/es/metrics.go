package es

import "github.com/bennyboer/kicherkrabbe-sub011/core/metrics"

// Metrics instruments the event store and the aggregate runtime.
// Implementations must be safe for concurrent use.
type Metrics interface {
	// Store operations
	StoreLoadDuration(aggType string) metrics.Timer
	StoreAppendDuration(aggType string) metrics.Timer
	EventsAppended(aggType string, count int)
	EventsPatched(aggType, eventType string)

	// Runtime operations
	SubmitDuration(aggType string) metrics.Timer
	ConcurrencyConflict(aggType string)
	RuleViolation(aggType string)
	SnapshotTaken(aggType string)
}

type nopMetrics struct{}

func (nopMetrics) StoreLoadDuration(string) metrics.Timer   { return metrics.NopTimer() }
func (nopMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) EventsAppended(string, int)               {}
func (nopMetrics) EventsPatched(string, string)             {}

func (nopMetrics) SubmitDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopMetrics) ConcurrencyConflict(string)          {}
func (nopMetrics) RuleViolation(string)                {}
func (nopMetrics) SnapshotTaken(string)                {}

// NopMetrics returns a Metrics implementation that records nothing.
func NopMetrics() Metrics { return nopMetrics{} }
