package lease

import (
	"context"
	"time"
)

// Materials are the minimum data a successful Driver.Acquire must return so
// the core can construct a Handle: the fencing token and whatever the
// driver needs on the renew/release path (spec.md §4.1).
type Materials struct {
	// LeaseID is the fencing token (I1, I5). Every subsequent Renew/Release
	// call against the same Record must present this value.
	LeaseID string

	// ExpiresAt is the deadline the store recorded at acquire time.
	ExpiresAt time.Time

	// Record is opaque driver-specific state threaded back into Renew and
	// Release calls (a blob lease token, a Cosmos etag, a Redis token —
	// whatever the concrete driver needs and the core never inspects).
	Record any

	// Metadata is optional driver-supplied data surfaced on Handle.Metadata.
	Metadata map[string]string
}

// RenewResult is returned by a successful Driver.Renew.
type RenewResult struct {
	ExpiresAt time.Time
	Record    any
}

// Driver is the backend contract every concrete store implementation
// satisfies (spec.md §4.1). Implementations MUST be safe for concurrent
// use by independent Handles acquiring different names, and MUST use the
// store's native atomic primitive for Acquire — never read-then-write with
// a client-visible gap.
type Driver interface {
	// Acquire atomically binds name to a fresh lease_id with the given
	// duration, iff name is currently unbound or expired at the store.
	// Returns (nil, nil) on ordinary contention — never an error for that
	// case. Returns a *DriverError with Kind KindTransientUnavailable or
	// KindFatal for store-unavailable, authorization, or malformed-input
	// conditions.
	Acquire(ctx context.Context, name string, duration time.Duration) (*Materials, error)

	// Renew verifies the store still records leaseID for name and, if so,
	// atomically extends the recorded expiry. Returns a *DriverError with
	// Kind KindLost if the store records a different lease_id or no
	// record at all.
	Renew(ctx context.Context, name, leaseID string, record any, duration time.Duration) (*RenewResult, error)

	// Release removes the store record iff it still records leaseID for
	// name. Idempotent: a missing record or one owned by someone else is
	// success, not an error.
	Release(ctx context.Context, name, leaseID string, record any) error

	// Break unconditionally forces the store to forget any record for
	// name, regardless of current ownership.
	Break(ctx context.Context, name string) error
}
