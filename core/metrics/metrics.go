// Package metrics holds the instrumentation primitives shared by the metrics
// interfaces of the event store, the outbox relay and the projection runtime.
// Backends such as Prometheus implement them in the adapters packages.
package metrics

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes:
//
//	defer m.SubmitDuration("category").ObserveDuration()
type Timer interface {
	ObserveDuration()
}

type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopTimer returns a Timer that records nothing.
func NopTimer() Timer { return nopTimer{} }
