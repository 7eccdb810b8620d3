package es

import (
	"errors"
	"fmt"

	"github.com/bennyboer/kicherkrabbe-sub011/core/outbox"
)

var (
	ErrAggregateNotFound      = errors.New("aggregate not found")
	ErrConcurrencyConflict    = errors.New("concurrency conflict")
	ErrDomainRuleViolation    = errors.New("domain rule violation")
	ErrUnknownEventType       = errors.New("unknown event type")
	ErrInvalidEvent           = errors.New("invalid event")
	ErrUnresolvablePatchChain = errors.New("unresolvable patch chain")
	ErrSnapshotNotFound       = errors.New("snapshot not found")
	ErrCorruptStream          = errors.New("corrupt event stream")
	ErrStoreNoEvents          = errors.New("no events to store")

	// ErrUnavailable wraps storage failures that are neither conflicts nor
	// validation errors. The command had no effect and may be retried later.
	ErrUnavailable = errors.New("event store unavailable")
)

// RuleViolation is returned by command handlers that reject a command given
// the current state. It matches ErrDomainRuleViolation.
type RuleViolation struct {
	Reason string
}

func (e *RuleViolation) Error() string        { return "domain rule violation: " + e.Reason }
func (e *RuleViolation) Is(target error) bool { return target == ErrDomainRuleViolation }

// Violation formats a RuleViolation.
func Violation(format string, args ...any) error {
	return &RuleViolation{Reason: fmt.Sprintf(format, args...)}
}

// unavailable wraps err with ErrUnavailable unless it already carries one of
// the classified errors.
func unavailable(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConcurrencyConflict),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, ErrUnknownEventType),
		errors.Is(err, ErrUnresolvablePatchChain),
		errors.Is(err, ErrCorruptStream),
		errors.Is(err, ErrUnavailable),
		errors.Is(err, outbox.ErrInvalidEntry):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
