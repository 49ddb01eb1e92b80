// Package lease implements a distributed lease library: callers acquire
// time-bounded, exclusive ownership of a named resource backed by a shared
// authoritative store, optionally hold it with automatic background
// renewal, and release it when done. See Manager and Handle.
package lease

import (
	"time"

	"github.com/google/uuid"
)

// Infinite is the sentinel duration meaning "no expiry" for drivers that
// support it (spec.md §3). Encoded as a negative duration so it is never
// mistaken for a valid positive duration by arithmetic elsewhere.
const Infinite time.Duration = -1

// Snapshot is a read-only, point-in-time view of a lease handle's state
// (spec.md §3). It is produced by Handle.Snapshot; unlike the live Handle
// it was taken from, its fields do not change after it is taken.
type Snapshot struct {
	LeaseID               string
	LeaseName             string
	AcquiredAt            time.Time
	ExpiresAt             time.Time
	RenewalCount          int
	LastSuccessfulRenewal time.Time
	IsAcquired            bool
	Metadata              map[string]string
}

// newLeaseID mints a fresh 128-bit random token unique across time (I1).
func newLeaseID() string {
	return uuid.NewString()
}

// infiniteExpiry is the wall-clock value used for expires_at on an infinite
// lease (spec.md §3: "max for infinite leases"). time.Time has no exported
// maximum, so this uses a date far enough out to never be reached in
// practice while staying safely representable.
func infiniteExpiry() time.Time {
	return time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)
}

func isInfinite(d time.Duration) bool {
	return d == Infinite
}
