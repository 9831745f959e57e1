// Package relayerr defines the relay's single error taxonomy. Every
// component-level failure is wrapped into an [Error] carrying one of a
// closed set of [Kind] values so that callers — HTTP handlers, the engine,
// the pipeline — can make a single type-switch decision instead of matching
// on sentinel values scattered across packages.
package relayerr

import (
	"errors"
	"fmt"
)

// Kind classifies an [Error]. The set is closed: add a new constant here
// rather than inventing an ad-hoc sentinel in a leaf package.
type Kind string

const (
	ConfigMissing     Kind = "config_missing"
	StoreUnavailable  Kind = "store_unavailable"
	AuthFailed        Kind = "auth_failed"
	UpstreamFailure   Kind = "upstream_failure"
	InvalidVoice      Kind = "invalid_voice"
	AbortedByCaller   Kind = "aborted_by_caller"
	SignatureMismatch Kind = "signature_mismatch"
	ReplayGuard       Kind = "replay_guard"
	DuplicateEvent    Kind = "duplicate_event"
	QueueFull         Kind = "queue_full"
	NoClients         Kind = "no_clients"
	PolicyViolation   Kind = "policy_violation"
	ValidationError   Kind = "validation_error"
	Unauthorized      Kind = "unauthorized"
	Forbidden         Kind = "forbidden"
)

// Error is the relay's wrapped error type. It always carries a [Kind] and an
// underlying cause, and formats as "<kind>: <op>: <cause>".
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err as an [Error] of the given kind, tagged with op for context
// (typically the function or component name).
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the [Kind] carried by err, walking the unwrap chain. It
// returns "" if no [Error] is found anywhere in the chain.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
