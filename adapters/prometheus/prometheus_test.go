package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bennyboer/kicherkrabbe-sub011/core/es"
	"github.com/bennyboer/kicherkrabbe-sub011/core/es/estests/domain"
)

func metricNames(t *testing.T, reg *prometheus.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	m.StoreLoadDuration("category").ObserveDuration()
	m.StoreAppendDuration("category").ObserveDuration()
	m.EventsAppended("category", 5)
	m.EventsPatched("category", "CREATED")
	m.SubmitDuration("category").ObserveDuration()
	m.ConcurrencyConflict("category")
	m.RuleViolation("category")
	m.RuleViolation("category")
	m.SnapshotTaken("category")

	assert.Equal(t, 5.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues("category")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ruleViolations.WithLabelValues("category")))

	names := metricNames(t, reg)
	assert.True(t, names["kicherkrabbe_es_store_load_duration_seconds"])
	assert.True(t, names["kicherkrabbe_es_events_patched_total"])
	assert.True(t, names["kicherkrabbe_es_snapshots_taken_total"])
}

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.Claimed(3)
	m.PublishDuration("category.CREATED").ObserveDuration()
	m.Published("category.CREATED")
	m.DeliveryFailed("category.RENAMED")
	m.Pruned(7)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.claimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.published.WithLabelValues("category.CREATED")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.pruned))
	assert.True(t, metricNames(t, reg)["kicherkrabbe_outbox_delivery_failures_total"])
}

func TestListenerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewListenerMetrics(reg)

	m.HandleDuration("categories").ObserveDuration()
	m.Applied("categories", "CREATED")
	m.Skipped("categories", "duplicate")
	m.Skipped("categories", "stale")
	m.Failed("categories", "RENAMED")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("categories", "duplicate")))
	assert.True(t, metricNames(t, reg)["kicherkrabbe_listener_applied_total"])
}

func TestNewAllMetrics_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	all := NewAllMetrics(reg)
	require.NotNil(t, all.ES)
	require.NotNil(t, all.Outbox)
	require.NotNil(t, all.Listener)

	require.Panics(t, func() { NewAllMetrics(reg) }, "registering twice")
}

func TestESMetrics_FromRuntime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	env := es.StartTestEnv(t, append(domain.EnvOptions(), es.WithMetrics(m))...)
	rt, err := es.NewRuntime(env.Store(), domain.Aggregate{}, es.WithMetrics(m))
	require.NoError(t, err)

	ctx := t.Context()
	v, err := rt.Submit(ctx, "c1", 0, domain.Create{Name: "Tops"})
	require.NoError(t, err)
	_, err = rt.Submit(ctx, "c1", v, domain.Create{Name: "again"})
	require.Error(t, err)
	_, err = rt.Submit(ctx, "c1", 0, domain.Rename{Name: "late"})
	require.ErrorIs(t, err, es.ErrConcurrencyConflict)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsAppended.WithLabelValues(domain.AggregateType)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.concurrencyConflicts.WithLabelValues(domain.AggregateType)))
}
