package lease

import (
	"errors"
	"fmt"
)

// Kind classifies a driver-level failure so the core can decide whether to
// retry, surface it immediately, or transition a handle to Lost.
type Kind int

const (
	// KindNone is the zero value; never attached to a returned error.
	KindNone Kind = iota
	// KindContention means the name is already held by someone else. Never
	// raised as an error — drivers report it by returning a nil acquire result.
	KindContention
	// KindLost means the store no longer records our lease_id for the name.
	KindLost
	// KindTransientUnavailable means the store call failed for a retryable reason.
	KindTransientUnavailable
	// KindFatal means configuration, authorization, or argument errors. Never retried.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindContention:
		return "contention"
	case KindLost:
		return "lost"
	case KindTransientUnavailable:
		return "transient_unavailable"
	case KindFatal:
		return "fatal"
	default:
		return "none"
	}
}

// DriverError wraps a driver-originated failure with its Kind so callers and
// the core engine can branch on classification without string matching.
type DriverError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *DriverError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("lease: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("lease: %s: %v", e.Kind, e.Err)
}

func (e *DriverError) Unwrap() error { return e.Err }

// NewDriverError builds a classified error for use by Driver implementations.
func NewDriverError(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &DriverError{Kind: kind, Op: op, Err: err}
}

// AsKind extracts the Kind carried by err, if any. Unclassified errors
// (plain errors returned from unrelated code) report KindNone.
func AsKind(err error) Kind {
	var de *DriverError
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindNone
}

// Sentinel errors visible to callers (spec.md §6 error taxonomy).
var (
	// ErrLost is returned synchronously by Handle.Renew when the handle is
	// already lost or its deadline has passed, and is the error every
	// LeaseLost-terminal handle reports on further Renew attempts (P4).
	ErrLost = errors.New("lease: lost")

	// ErrAcquisitionTimeout is raised by Manager.Acquire when the configured
	// timeout elapses before the name could be won.
	ErrAcquisitionTimeout = errors.New("lease: acquisition timed out")

	// ErrDisposed is returned by operations attempted on a handle that has
	// already transitioned to a terminal state via Release/Dispose.
	ErrDisposed = errors.New("lease: handle is disposed")

	// ErrConfiguration is returned when Options fail validation.
	ErrConfiguration = errors.New("lease: invalid configuration")

	// ErrCancelled is returned when a caller-supplied context is cancelled
	// during a blocking operation.
	ErrCancelled = errors.New("lease: cancelled")

	// ErrInvalidArgument is returned for malformed caller input (empty
	// names, negative durations where not permitted, and similar).
	ErrInvalidArgument = errors.New("lease: invalid argument")

	// ErrSafetyLimitExceeded is raised by Manager.Acquire's circuit breaker
	// when the 10,000-iteration retry cap is hit under an infinite timeout.
	ErrSafetyLimitExceeded = errors.New("lease: acquisition retry safety limit exceeded")
)

// AcquisitionTimeoutError attaches the lease name to ErrAcquisitionTimeout
// so callers can log or retry against the specific resource.
type AcquisitionTimeoutError struct {
	Name string
}

func (e *AcquisitionTimeoutError) Error() string {
	return fmt.Sprintf("lease: acquisition of %q timed out", e.Name)
}

func (e *AcquisitionTimeoutError) Unwrap() error { return ErrAcquisitionTimeout }

// LostError attaches the lease name and a human-readable reason to ErrLost,
// the way the renewal loop and synchronous Renew both report loss (§4.2, §7).
type LostError struct {
	Name   string
	Reason string
}

func (e *LostError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("lease: %q lost", e.Name)
	}
	return fmt.Sprintf("lease: %q lost: %s", e.Name, e.Reason)
}

func (e *LostError) Unwrap() error { return ErrLost }
