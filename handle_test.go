package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func acquireTestHandle(t *testing.T, driver *mockDriver, opts Options) *Handle {
	t.Helper()
	validated, err := NewOptions(opts)
	assert(t, err == nil, "expect valid test options")
	m := &Materials{LeaseID: "lease-1", ExpiresAt: time.Now().UTC().Add(validated.DefaultDuration)}
	return newHandle(driver, "job-reconcile", validated, m, quietLogger(), nil)
}

func TestHandleSynchronousRenew(t *testing.T) {
	driver := newMockDriver()
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 30 * time.Second})

	before := h.ExpiresAt()
	err := h.Renew(context.Background())
	assert(t, err == nil, "expect a clean renew to succeed")
	assert(t, h.RenewalCount() == 1, "expect renewal_count to be 1 after one renewal (P2)")
	assert(t, !h.ExpiresAt().Before(before), "expect expires_at to not go backwards (P3)")
	h.Dispose()
}

func TestHandleRenewAfterExpiryIsLost(t *testing.T) {
	driver := newMockDriver()
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 10 * time.Millisecond})
	time.Sleep(20 * time.Millisecond)

	err := h.Renew(context.Background())
	var lostErr *LostError
	assert(t, errors.As(err, &lostErr), "expect a *LostError once expires_at has passed")
	assert(t, !h.IsAcquired(), "expect is_acquired false once lost")

	err = h.Renew(context.Background())
	assert(t, errors.Is(err, ErrLost), "expect every subsequent Renew to fail with ErrLost (P4)")
}

func TestHandleRenewDriverLostError(t *testing.T) {
	driver := newMockDriver()
	driver.renewFn = func(ctx context.Context, name, leaseID string, record any, duration time.Duration) (*RenewResult, error) {
		return nil, NewDriverError(KindLost, "Renew", errors.New("owned by another worker"))
	}
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 30 * time.Second})

	err := h.Renew(context.Background())
	assert(t, errors.Is(err, ErrLost), "expect a driver Lost error to surface as ErrLost")
	assert(t, !h.IsAcquired(), "expect the handle to be terminally lost")
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	driver := newMockDriver()
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 30 * time.Second})

	assert(t, h.Release(context.Background()) == nil, "first release should succeed")
	assert(t, h.Release(context.Background()) == nil, "second release should be a no-op (P5)")
	h.Dispose()
	assert(t, driver.callCount("Release") == 1, "expect exactly one driver Release call across repeated releases")
	assert(t, !h.IsAcquired(), "expect is_acquired false after release")
}

func TestHandleReleaseSwallowsDriverError(t *testing.T) {
	driver := newMockDriver()
	driver.releaseFn = func(ctx context.Context, name, leaseID string, record any) error {
		return errors.New("store temporarily unavailable")
	}
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 30 * time.Second})

	err := h.Release(context.Background())
	assert(t, err == nil, "Release must swallow driver errors and succeed regardless (S6)")
}

func TestHandleAutoRenewLoopRenewsRepeatedly(t *testing.T) {
	driver := newMockDriver()
	opts := Options{
		DefaultDuration:        200 * time.Millisecond,
		AutoRenew:              true,
		AutoRenewInterval:      30 * time.Millisecond,
		AutoRenewRetryInterval: 5 * time.Millisecond,
	}
	h := acquireTestHandle(t, driver, opts)

	time.Sleep(150 * time.Millisecond)
	count := h.RenewalCount()
	assert(t, count >= 2, "expect several successful renewals over 150ms at a 30ms interval")

	h.Dispose()
	assert(t, !h.IsAcquired(), "expect handle to no longer be acquired after dispose")
}

func TestHandleSafetyThresholdBreachUnderStall(t *testing.T) {
	driver := newMockDriver()
	block := make(chan struct{})
	driver.renewFn = func(ctx context.Context, name, leaseID string, record any, duration time.Duration) (*RenewResult, error) {
		<-block // never returns until the test unblocks it
		return &RenewResult{ExpiresAt: time.Now().UTC().Add(duration)}, nil
	}
	defer close(block)

	var mu sync.Mutex
	var lostReason string
	opts := Options{
		DefaultDuration:          100 * time.Millisecond,
		AutoRenew:                true,
		AutoRenewInterval:        20 * time.Millisecond,
		AutoRenewRetryInterval:   5 * time.Millisecond,
		AutoRenewSafetyThreshold: 0.5, // lost after 50ms without a successful renewal
	}
	validated, err := NewOptions(opts)
	assert(t, err == nil, "expect valid options")
	m := &Materials{LeaseID: "lease-1", ExpiresAt: time.Now().UTC().Add(validated.DefaultDuration)}
	h := newHandle(driver, "job-reconcile", validated, m, quietLogger(), []Listener{
		func(ev Event) {
			if ev.Kind == EventLeaseLost {
				mu.Lock()
				lostReason = ev.Reason
				mu.Unlock()
			}
		},
	})

	time.Sleep(120 * time.Millisecond)
	assert(t, !h.IsAcquired(), "expect the handle to be lost once the safety threshold is breached (P7)")
	mu.Lock()
	reason := lostReason
	mu.Unlock()
	assert(t, reason == "exceeded safety threshold", "expect the safety-threshold reason on the LeaseLost event (S4)")
}

func TestHandleListenerPanicIsSwallowed(t *testing.T) {
	driver := newMockDriver()
	h := acquireTestHandle(t, driver, Options{DefaultDuration: 30 * time.Second})
	h.AddListener(func(ev Event) { panic("boom") })

	err := h.Renew(context.Background())
	assert(t, err == nil, "a panicking listener must not affect Renew's own outcome (§7)")
	h.Dispose()
}

func TestHandleNoDoubleSpawn(t *testing.T) {
	driver := newMockDriver()
	opts := Options{
		DefaultDuration:        100 * time.Millisecond,
		AutoRenew:              true,
		AutoRenewInterval:      10 * time.Millisecond,
		AutoRenewRetryInterval: 2 * time.Millisecond,
	}
	h := acquireTestHandle(t, driver, opts)
	time.Sleep(30 * time.Millisecond)
	h.Dispose()

	select {
	case <-h.renewerDone:
	case <-time.After(time.Second):
		t.Fatal("expect the single renewer goroutine to exit after dispose (P8)")
	}
}
