package es

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// === Helpers ===

type TestingEnv struct {
	*Env
	t *testing.T
}

// StartTestEnv creates an Env backed by a fresh InMemoryStore unless
// WithStorage is given.
func StartTestEnv(t *testing.T, opts ...EnvOption) *TestingEnv {
	t.Helper()
	e, err := NewEnv(append([]EnvOption{WithStorage(NewInMemoryStore())}, opts...)...)
	require.NoError(t, err)
	return &TestingEnv{Env: e, t: t}
}

func (e *TestingEnv) Assert() *TestingEnvAssert {
	return &TestingEnvAssert{env: e}
}

type TestingEnvAssert struct {
	env *TestingEnv
}

// Append writes events directly to the store, bypassing any aggregate.
func (a *TestingEnvAssert) Append(
	ctx context.Context,
	expect Version,
	aggType string,
	aggID string,
	events ...Event,
) Version {
	a.env.t.Helper()
	envs := make([]Envelope, len(events))
	for i, ev := range events {
		env, err := NewEnvelope(aggType, aggID, ev, a.env.store.clock(), SystemAgent())
		require.NoError(a.env.t, err)
		envs[i] = env
	}
	v, err := a.env.Store().Append(ctx, aggType, aggID, expect, envs)
	require.NoError(a.env.t, err)
	require.Equal(a.env.t, expect+Version(len(events)), v)
	return v
}

// Stream returns every stored event of an aggregate, upgraded.
func (a *TestingEnvAssert) Stream(ctx context.Context, aggType, aggID string) []Envelope {
	a.env.t.Helper()
	var out []Envelope
	for env, err := range a.env.Store().LoadEvents(ctx, aggType, aggID, 1) {
		require.NoError(a.env.t, err)
		out = append(out, env)
	}
	return out
}

// Versions asserts the stored version numbers of an aggregate.
func (a *TestingEnvAssert) Versions(ctx context.Context, aggType, aggID string, want ...Version) {
	a.env.t.Helper()
	var got []Version
	for _, env := range a.Stream(ctx, aggType, aggID) {
		got = append(got, env.Version)
	}
	require.Equal(a.env.t, want, got)
}
