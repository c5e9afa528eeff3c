// Package orcherr defines the error taxonomy from the orchestrator's design
// (spec 7). These are design labels, not a replacement for Go's error
// interface: every constructor here still returns a plain error that wraps
// with %w, so callers use errors.As/errors.Is as usual.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind identifies which bucket of the taxonomy an error belongs to.
type Kind string

const (
	KindValidation             Kind = "validation"
	KindNotFound               Kind = "not_found"
	KindTransientStore         Kind = "transient_store"
	KindCycleOrMissingDependency Kind = "cycle_or_missing_dependency"
	KindSpawnFailure           Kind = "spawn_failure"
	KindStallTimeout           Kind = "stall_timeout"
	KindCancellation           Kind = "cancellation"
)

// Error is a tagged error carrying a Kind alongside the usual message/cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// Validation wraps a bad-input error at a boundary (empty role, unknown
// status, malformed include set). Recovered locally; never fatal.
func Validation(msg string) *Error { return newErr(KindValidation, msg, nil) }

// NotFound wraps a role-unknown lookup error. Handled the same way as Validation.
func NotFound(msg string) *Error { return newErr(KindNotFound, msg, nil) }

// TransientStore wraps a store-unreachable or conflict error. The supervisor
// loop swallows and retries next tick; callers of direct APIs see the error.
func TransientStore(msg string, cause error) *Error { return newErr(KindTransientStore, msg, cause) }

// CycleOrMissingDependency wraps a fatal, startup-only roster validation error.
func CycleOrMissingDependency(msg string) *Error {
	return newErr(KindCycleOrMissingDependency, msg, nil)
}

// SpawnFailure wraps a worker start/post-start-setup failure.
func SpawnFailure(msg string, cause error) *Error { return newErr(KindSpawnFailure, msg, cause) }

// StallTimeout wraps a heartbeat-monitor-raised stall, handled by the timeout handler.
func StallTimeout(role string) *Error {
	return newErr(KindStallTimeout, fmt.Sprintf("role %q stalled", role), nil)
}

// Cancellation wraps a shutdown signal; swallowed at every loop boundary.
func Cancellation() *Error { return newErr(KindCancellation, "cancelled", nil) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
