package es

import (
	"log/slog"
	"time"

	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

type (
	valueOption[T any] struct{ v T }

	LogOption     valueOption[*slog.Logger]
	MetricsOption valueOption[Metrics]
	ClockOption   valueOption[func() time.Time]

	snapshotPolicyOption valueOption[SnapshotPolicy]
	routerOption         valueOption[Router]
	commitHookOption     valueOption[func()]
	serializedOption     struct{}

	agentOption      valueOption[Agent]
	noSnapshotOption struct{}

	StoreOption   interface{ applyToStore(*storeOptions) }
	RuntimeOption interface{ applyToRuntime(*runtimeOptions) }
	SubmitOption  interface{ applyToSubmit(*submitOptions) }
	LoadOption    interface{ applyToLoad(*loadOptions) }
)

// Router derives the outbox messages of an appended event.
type Router func(env Envelope) ([]outbox.Draft, error)

// SnapshotPolicy decides whether a snapshot is appended after a command
// moved the aggregate from version prev to next.
type SnapshotPolicy func(prev, next Version) bool

type (
	storeOptions struct {
		log     *slog.Logger
		metrics Metrics
		clock   func() time.Time
	}
	runtimeOptions struct {
		log            *slog.Logger
		metrics        Metrics
		clock          func() time.Time
		snapshotPolicy SnapshotPolicy
		router         Router
		hooks          []func()
		serialized     bool
	}
	submitOptions struct {
		agent Agent
	}
	loadOptions struct {
		noSnapshot bool
	}
)

func WithLog(l *slog.Logger) LogOption                  { return LogOption{v: l} }
func WithMetrics(m Metrics) MetricsOption               { return MetricsOption{v: m} }
func WithClock(clock func() time.Time) ClockOption      { return ClockOption{v: clock} }
func WithSnapshotPolicy(p SnapshotPolicy) RuntimeOption { return snapshotPolicyOption{v: p} }
func WithRouter(r Router) RuntimeOption                 { return routerOption{v: r} }

// WithSnapshotEvery appends a snapshot whenever a command crosses a
// multiple of n versions.
func WithSnapshotEvery(n int) RuntimeOption {
	if n <= 0 {
		return snapshotPolicyOption{v: nil}
	}
	return snapshotPolicyOption{v: func(prev, next Version) bool {
		return next/Version(n) > prev/Version(n)
	}}
}

// WithCommitHook registers fn to run after every successful commit, for
// example outbox.Relay.Notify. Hooks must not block.
func WithCommitHook(fn func()) RuntimeOption { return commitHookOption{v: fn} }

// WithSerializedCommands runs commands for the same aggregate one at a time
// within this process. Commands from other processes still race and are
// settled by the version check.
func WithSerializedCommands() RuntimeOption { return serializedOption{} }

func WithAgent(a Agent) SubmitOption { return agentOption{v: a} }

// WithoutSnapshot replays every event from version 1 and ignores snapshots.
func WithoutSnapshot() LoadOption { return noSnapshotOption{} }

func (o LogOption) applyToStore(s *storeOptions) {
	if o.v != nil {
		s.log = o.v
	}
}
func (o LogOption) applyToRuntime(r *runtimeOptions) {
	if o.v != nil {
		r.log = o.v
	}
}
func (o MetricsOption) applyToStore(s *storeOptions) {
	if o.v != nil {
		s.metrics = o.v
	}
}
func (o MetricsOption) applyToRuntime(r *runtimeOptions) {
	if o.v != nil {
		r.metrics = o.v
	}
}
func (o ClockOption) applyToStore(s *storeOptions) {
	if o.v != nil {
		s.clock = o.v
	}
}
func (o ClockOption) applyToRuntime(r *runtimeOptions) {
	if o.v != nil {
		r.clock = o.v
	}
}
func (o snapshotPolicyOption) applyToRuntime(r *runtimeOptions) { r.snapshotPolicy = o.v }
func (o routerOption) applyToRuntime(r *runtimeOptions) {
	if o.v != nil {
		r.router = o.v
	}
}
func (o commitHookOption) applyToRuntime(r *runtimeOptions) {
	if o.v != nil {
		r.hooks = append(r.hooks, o.v)
	}
}
func (o serializedOption) applyToRuntime(r *runtimeOptions) { r.serialized = true }
func (o agentOption) applyToSubmit(s *submitOptions)        { s.agent = o.v }
func (o noSnapshotOption) applyToLoad(l *loadOptions)       { l.noSnapshot = true }
