// Package syncerr defines the closed error taxonomy used by the sync engine.
//
// Every failure the engine can produce falls into exactly one of four kinds:
//
//   - Connection: the remote API could not be reached at all (probe failure,
//     dial error, request timeout). Aborts the current sync cycle and
//     downgrades availability. Retryable.
//   - Transport: a single push or pull request failed (non-2xx status or a
//     fault while one item was in flight). Isolated to that item; the cycle
//     continues. Retryable per the outbox backoff policy.
//   - Auth: a 401 that survived one token refresh. Not locally recoverable.
//   - Validation: a malformed payload. Never retried automatically.
//
// Callers classify errors with errors.As via KindOf, or with the IsKind
// helper, rather than matching error strings.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of a sync error.
type Kind int

const (
	// KindConnection marks connection-level failures (probe, dial, timeout).
	KindConnection Kind = iota + 1

	// KindTransport marks per-item HTTP failures during push or pull.
	KindTransport

	// KindAuth marks 401 responses that survived one refresh attempt.
	KindAuth

	// KindValidation marks malformed payloads.
	KindValidation
)

// String returns the kind name as used in log output.
func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTransport:
		return "transport"
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged sync error. Op names the failing operation
// (e.g. "push applications/42"), Status carries the HTTP status code when
// one was received (0 otherwise), and Err holds the underlying cause.
type Error struct {
	Kind   Kind
	Op     string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Op, e.Kind, e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("%s: %s error (status %d)", e.Op, e.Kind, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Connection creates a connection-level error.
func Connection(op string, err error) *Error {
	return &Error{Kind: KindConnection, Op: op, Err: err}
}

// Transport creates a per-item transport error. status may be 0 when no
// HTTP response was received.
func Transport(op string, status int, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Status: status, Err: err}
}

// Auth creates an authentication error for a 401 that survived refresh.
func Auth(op string, err error) *Error {
	return &Error{Kind: KindAuth, Op: op, Status: 401, Err: err}
}

// Validation creates a non-retryable malformed-payload error.
func Validation(op string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err}
}

// KindOf returns the kind of err, or 0 if err is not a sync error.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsKind reports whether err is a sync error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetryable reports whether the error is worth retrying on a later cycle.
// Connection and transport failures are transient; auth and validation
// failures require external intervention.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTransport:
		return true
	default:
		return false
	}
}
