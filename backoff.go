package lease

import (
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Backoffer is the interface the handle's renewal loop uses to pace
// retries (Manager.Acquire polls at a fixed interval instead). Kept narrow and mockable the way the teacher's
// Backofface decouples LeaseManager from a concrete jpillora/backoff
// instance in tests.
type Backoffer interface {
	// Duration returns the delay for the current attempt and advances the
	// attempt counter.
	Duration() time.Duration
	// Reset zeroes the attempt counter.
	Reset()
}

// exponentialBackoff is the default Backoffer, a thin thread-safe wrapper
// around jpillora/backoff.Backoff.
type exponentialBackoff struct {
	mu sync.Mutex
	b  *backoff.Backoff
}

// newBackoff builds an exponentialBackoff with the given base interval
// (auto_renew_retry_interval) and Factor 2, matching spec.md §4.2 step 4's
// `base × 2^(attempt-1)` formula. Max is set far out of range rather than
// left at the library's own 10s default, since clamping is this package's
// own job (clampRetryDelay, against the safety threshold), not the
// backoff's.
func newBackoff(base time.Duration) Backoffer {
	return &exponentialBackoff{b: &backoff.Backoff{Min: base, Max: 365 * 24 * time.Hour, Factor: 2, Jitter: false}}
}

func (b *exponentialBackoff) Duration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Duration()
}

func (b *exponentialBackoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.b.Reset()
}
