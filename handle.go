package lease

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// releaseGracePeriod bounds the driver call Release/Dispose make regardless
// of the caller's own context (spec.md §5: "Release/dispose always tries
// the driver call once, regardless of the caller's context, using a short
// internal deadline").
const releaseGracePeriod = 5 * time.Second

// state is the terminal/non-terminal classification of a Handle (spec.md §4.2).
type state int32

const (
	stateAcquired state = iota
	stateReleased
	stateLost
)

// Handle represents one acquired lease (spec.md §3, §4.2). It is safe for
// concurrent use: Renew, Release, Dispose, and the background renewer all
// serialize through a single mutex (I3), and read-only accessors use
// atomics/locking as needed.
//
// A Handle is constructed only by a successful Manager.TryAcquire/Acquire;
// there is no exported constructor, mirroring the teacher's pattern of
// vending leases only through the coordinator that owns the backing store.
type Handle struct {
	driver  Driver
	name    string
	options *Options
	log     logrus.FieldLogger
	disp    *dispatcher

	mu                    sync.Mutex // serializes renewal attempts + state mutation (I3)
	leaseID               string
	record                any
	acquiredAt            time.Time
	expiresAt             time.Time
	renewalCount          int
	lastSuccessfulRenewal time.Time
	metadata              map[string]string

	st state // guarded by mu

	renewBackoff Backoffer // paces retry-with-backoff within one renewal round (§4.2 step 4)

	cancel      chan struct{} // closed once, to stop the renewer (one-way, handle -> task)
	cancelOnce  sync.Once
	renewerDone chan struct{} // closed when the renewer goroutine returns
}

// newHandle constructs a live Handle from a successful driver acquire and,
// if configured, starts the single background renewer goroutine (P8).
func newHandle(driver Driver, name string, opts *Options, m *Materials, log logrus.FieldLogger, listeners []Listener) *Handle {
	now := time.Now().UTC()
	expires := m.ExpiresAt
	if isInfinite(opts.DefaultDuration) {
		expires = infiniteExpiry()
	}
	h := &Handle{
		driver:                driver,
		name:                  name,
		options:               opts,
		log:                   log.WithFields(logrus.Fields{"lease_name": name, "lease_id": m.LeaseID}),
		disp:                  newDispatcher(log),
		leaseID:               m.LeaseID,
		record:                m.Record,
		acquiredAt:            now,
		expiresAt:             expires,
		lastSuccessfulRenewal: now,
		metadata:              m.Metadata,
		st:                    stateAcquired,
		renewBackoff:          newBackoff(opts.AutoRenewRetryInterval),
		cancel:                make(chan struct{}),
		renewerDone:           make(chan struct{}),
	}
	for _, l := range listeners {
		h.disp.addListener(l)
	}

	atomic.AddInt64(&activeLeases, 1)

	if opts.AutoRenew && !isInfinite(opts.DefaultDuration) {
		go h.runRenewer()
	} else {
		close(h.renewerDone)
	}
	return h
}

// --- read-only accessors (spec.md §3) ---

func (h *Handle) LeaseID() string { return h.leaseID }

func (h *Handle) LeaseName() string { return h.name }

func (h *Handle) AcquiredAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.acquiredAt
}

func (h *Handle) ExpiresAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.expiresAt
}

func (h *Handle) RenewalCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.renewalCount
}

func (h *Handle) LastSuccessfulRenewal() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSuccessfulRenewal
}

func (h *Handle) Metadata() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metadata
}

// IsAcquired is derived: true iff the handle is not disposed and now is
// before expires_at (spec.md §3).
func (h *Handle) IsAcquired() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.isAcquiredLocked()
}

func (h *Handle) isAcquiredLocked() bool {
	if h.st != stateAcquired {
		return false
	}
	return time.Now().UTC().Before(h.expiresAt)
}

// Snapshot takes a consistent, read-only copy of the handle's state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		LeaseID:               h.leaseID,
		LeaseName:             h.name,
		AcquiredAt:            h.acquiredAt,
		ExpiresAt:             h.expiresAt,
		RenewalCount:          h.renewalCount,
		LastSuccessfulRenewal: h.lastSuccessfulRenewal,
		IsAcquired:            h.isAcquiredLocked(),
		Metadata:              h.metadata,
	}
}

// AddListener registers a callback for LeaseRenewed/LeaseRenewalFailed/
// LeaseLost events fired by this handle (spec.md §6). Registration is
// serialized through the handle's mutex.
func (h *Handle) AddListener(l Listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disp.addListener(l)
}

// Renew performs one synchronous renewal (spec.md §4.2). It fails with
// ErrDisposed if the handle was released/disposed, and with a *LostError
// (wrapping ErrLost) if the handle is already lost or now >= expires_at,
// without making a driver call in either case.
func (h *Handle) Renew(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.st == stateReleased {
		return ErrDisposed
	}
	if h.st == stateLost {
		return &LostError{Name: h.name, Reason: "handle already lost"}
	}
	if !time.Now().UTC().Before(h.expiresAt) {
		h.transitionLostLocked("expires_at already passed", nil)
		return &LostError{Name: h.name, Reason: "expires_at already passed"}
	}

	res, err := h.driver.Renew(ctx, h.name, h.leaseID, h.record, h.options.DefaultDuration)
	if err != nil {
		if AsKind(err) == KindLost {
			h.transitionLostLocked("renewal failed: "+err.Error(), err)
			return &LostError{Name: h.name, Reason: "renewal failed"}
		}
		return err
	}
	h.applyRenewalLocked(res)
	return nil
}

// applyRenewalLocked updates state and fires LeaseRenewed. Caller holds mu.
func (h *Handle) applyRenewalLocked(res *RenewResult) {
	prev := h.expiresAt
	now := time.Now().UTC()
	h.lastSuccessfulRenewal = now
	h.expiresAt = res.ExpiresAt
	h.record = res.Record
	h.renewalCount++
	h.disp.emit(Event{
		Kind:              EventLeaseRenewed,
		LeaseName:         h.name,
		LeaseID:           h.leaseID,
		Timestamp:         now,
		NewExpiresAt:      res.ExpiresAt,
		ObservedExtension: res.ExpiresAt.Sub(prev),
	})
}

// transitionLostLocked moves the handle to the terminal Lost state and
// fires LeaseLost exactly once (I4). Caller holds mu.
func (h *Handle) transitionLostLocked(reason string, err error) {
	if h.st == stateLost || h.st == stateReleased {
		return
	}
	h.st = stateLost
	h.disp.emit(Event{
		Kind:                  EventLeaseLost,
		LeaseName:             h.name,
		LeaseID:               h.leaseID,
		Timestamp:             time.Now().UTC(),
		Reason:                reason,
		LastSuccessfulRenewal: h.lastSuccessfulRenewal,
		Err:                   err,
	})
	h.stopRenewer()
	atomic.AddInt64(&activeLeases, -1)
}

// stopRenewer signals the background goroutine to exit. One-way: the
// handle cancels the task, never the reverse (spec.md §9).
func (h *Handle) stopRenewer() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// Release stops the renewer, releases the lease at the store best-effort,
// and marks the handle Released — deliberately, so no LeaseLost fires
// (spec.md §4.2). Idempotent (P5): subsequent calls are no-ops.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.releaseLocked(ctx)
}

func (h *Handle) releaseLocked(ctx context.Context) error {
	if h.st != stateAcquired {
		return nil
	}
	h.st = stateReleased
	h.stopRenewer()
	atomic.AddInt64(&activeLeases, -1)

	releaseCtx, cancel := context.WithTimeout(detach(ctx), releaseGracePeriod)
	defer cancel()
	if err := h.driver.Release(releaseCtx, h.name, h.leaseID, h.record); err != nil {
		// Release is best-effort and must not raise for normal cases
		// (spec.md §4.1); log and swallow.
		h.log.WithError(err).Warn("lease: release call failed, lease will expire naturally")
	}
	return nil
}

// Dispose is equivalent to Release but never returns an error and uses a
// cancellation-safe internal deadline regardless of any context the caller
// might otherwise have supplied (spec.md §4.2, §9 — "async disposal +
// background task").
func (h *Handle) Dispose() {
	_ = h.Release(context.Background())
}

// detach strips cancellation/deadline from ctx while preserving its values,
// so Release/Dispose's own grace-period timeout governs the driver call
// instead of an already-cancelled caller context (spec.md §5).
func detach(ctx context.Context) context.Context {
	return detachedContext{ctx}
}

type detachedContext struct{ parent context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }
func (d detachedContext) Value(key any) any         { return d.parent.Value(key) }

// runRenewer is the single background renewal loop (spec.md §4.2). It
// never lets an error escape: every outcome becomes an event and a state
// transition (spec.md §7).
func (h *Handle) runRenewer() {
	defer close(h.renewerDone)

	lastAttempt := time.Now().UTC()
	for {
		wait := h.options.AutoRenewInterval - time.Since(lastAttempt)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-h.cancel:
				timer.Stop()
				return
			}
		}
		lastAttempt = time.Now().UTC()

		if h.tryRenewalRound(lastAttempt) {
			return
		}
	}
}

// tryRenewalRound runs the safety gate and the retry-with-backoff renewal
// attempt for one wake of the renewer loop. Returns true if the loop
// should exit (terminal transition or cancellation).
func (h *Handle) tryRenewalRound(now time.Time) (exit bool) {
	h.mu.Lock()
	if h.st != stateAcquired {
		h.mu.Unlock()
		return true
	}
	lastSuccess := h.lastSuccessfulRenewal
	threshold := time.Duration(float64(h.options.DefaultDuration) * h.options.AutoRenewSafetyThreshold)
	elapsed := now.Sub(lastSuccess)
	if elapsed >= threshold {
		h.transitionLostLocked("exceeded safety threshold", nil)
		h.mu.Unlock()
		return true
	}
	h.mu.Unlock()

	h.renewBackoff.Reset()
	attempt := 0
	maxAttempts := h.options.AutoRenewMaxRetries + 1
	for attempt < maxAttempts {
		attempt++

		select {
		case <-h.cancel:
			return true
		default:
		}

		h.mu.Lock()
		if h.st != stateAcquired {
			h.mu.Unlock()
			return true
		}
		res, err := h.driver.Renew(context.Background(), h.name, h.leaseID, h.record, h.options.DefaultDuration)
		if err == nil {
			h.applyRenewalLocked(res)
			h.mu.Unlock()
			return false
		}

		if AsKind(err) == KindLost {
			h.transitionLostLocked("renewal failed: "+err.Error(), err)
			h.mu.Unlock()
			return true
		}

		willRetry := attempt < maxAttempts
		h.disp.emit(Event{
			Kind:          EventLeaseRenewalFailed,
			LeaseName:     h.name,
			LeaseID:       h.leaseID,
			Timestamp:     time.Now().UTC(),
			AttemptNumber: attempt,
			WillRetry:     willRetry,
			Err:           err,
		})
		if !willRetry {
			h.transitionLostLocked("auto-renew max retries exceeded", err)
			h.mu.Unlock()
			return true
		}
		h.mu.Unlock()

		backoffDelay := h.renewBackoff.Duration()
		clamped, ok := h.clampRetryDelay(lastSuccess, threshold, backoffDelay)
		if !ok {
			h.mu.Lock()
			h.transitionLostLocked("no time remaining for retry", err)
			h.mu.Unlock()
			return true
		}

		timer := time.NewTimer(clamped)
		select {
		case <-timer.C:
		case <-h.cancel:
			timer.Stop()
			return true
		}
	}
	return true
}

// clampRetryDelay shrinks delay so lastSuccess + threshold is never
// crossed (spec.md §4.2 step 4). ok is false when no positive delay
// remains.
func (h *Handle) clampRetryDelay(lastSuccess time.Time, threshold, delay time.Duration) (time.Duration, bool) {
	deadline := lastSuccess.Add(threshold)
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false
	}
	if delay > remaining {
		delay = remaining
	}
	if delay <= 0 {
		return 0, false
	}
	return delay, true
}
