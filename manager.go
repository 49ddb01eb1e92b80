package lease

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Manager is the acquisition manager of spec.md §4.3: a bounded-retry
// wrapper that turns a Driver's non-blocking Acquire into a blocking
// "wait up to T" (Acquire) and a non-blocking "try once" (TryAcquire).
//
// One Manager is built per backing store, the way the teacher builds one
// Coordinator per DynamoDB table/worker.
type Manager struct {
	driver  Driver
	options *Options
	log     logrus.FieldLogger
}

// ManagerOption configures optional behavior at acquisition time.
type ManagerOption func(*acquireConfig)

type acquireConfig struct {
	listeners []Listener
}

// WithListener attaches an event listener to the handle at construction
// time, before any renewal can fire — closing the race a caller would hit
// registering a listener only after TryAcquire/Acquire returns (SPEC_FULL.md §6).
func WithListener(l Listener) ManagerOption {
	return func(c *acquireConfig) { c.listeners = append(c.listeners, l) }
}

// NewManager builds a Manager over driver using opts. Fails eagerly if
// opts does not validate (spec.md §4.4).
func NewManager(driver Driver, opts Options, log logrus.FieldLogger) (*Manager, error) {
	if driver == nil {
		return nil, &DriverError{Kind: KindFatal, Op: "NewManager", Err: ErrInvalidArgument}
	}
	validated, err := NewOptions(opts)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Manager{driver: driver, options: validated, log: log.WithField("package", "lease")}, nil
}

// Close is a graceful-shutdown hook mirroring the teacher's
// Coordinator.Stop: it does not own any store connection (out of scope
// per spec.md §1) and exists so callers have a single place to hang
// process-shutdown logic without reaching into package internals.
func (m *Manager) Close() {}

// durationOrDefault resolves a caller-supplied duration override, falling
// back to the Manager's configured default when zero.
func (m *Manager) durationOrDefault(d time.Duration) time.Duration {
	if d == 0 {
		return m.options.DefaultDuration
	}
	return d
}

// TryAcquire makes exactly one acquisition attempt (spec.md §4.3). It
// returns (nil, nil) on ordinary contention, a live *Handle on success,
// and an error only for KindTransientUnavailable/KindFatal driver
// failures.
//
// Context cancellation aborts before the driver call when possible; if the
// call was already issued and won the lease, the win is honored and the
// caller is responsible for releasing it (spec.md §5) — TryAcquire itself
// never discards a surprise win.
func (m *Manager) TryAcquire(ctx context.Context, name string, duration time.Duration, opts ...ManagerOption) (*Handle, error) {
	if name == "" {
		return nil, &DriverError{Kind: KindFatal, Op: "TryAcquire", Err: ErrInvalidArgument}
	}
	select {
	case <-ctx.Done():
		return nil, ErrCancelled
	default:
	}

	cfg := &acquireConfig{}
	for _, o := range opts {
		o(cfg)
	}

	materials, err := m.driver.Acquire(ctx, name, m.durationOrDefault(duration))
	if err != nil {
		if AsKind(err) == KindContention {
			return nil, nil
		}
		return nil, err
	}
	if materials == nil {
		return nil, nil
	}
	return newHandle(m.driver, name, m.options, materials, m.log, cfg.listeners), nil
}

// Acquire blocks until name is won, timeout elapses, or ctx is cancelled
// (spec.md §4.3). duration and timeout of zero fall back to the Manager's
// configured defaults; pass lease.Infinite explicitly for no timeout.
//
// Contention and transient-unavailable driver results are both retried at
// a fixed acquire_retry_interval; fatal driver errors abort immediately.
// A hard 10,000-iteration circuit breaker protects against a store that
// returns transient errors instantly forever, even under an infinite
// timeout.
func (m *Manager) Acquire(ctx context.Context, name string, duration, timeout time.Duration, opts ...ManagerOption) (*Handle, error) {
	if name == "" {
		return nil, &DriverError{Kind: KindFatal, Op: "Acquire", Err: ErrInvalidArgument}
	}
	eff := timeout
	if eff == 0 {
		eff = m.options.AcquireTimeout
	}

	var deadline <-chan time.Time
	if !isInfinite(eff) {
		t := time.NewTimer(eff)
		defer t.Stop()
		deadline = t.C
	}

	ticker := time.NewTicker(m.options.AcquireRetryInterval)
	defer ticker.Stop()

	for attempt := 0; ; attempt++ {
		if attempt >= acquisitionSafetyLimit {
			return nil, ErrSafetyLimitExceeded
		}

		h, err := m.TryAcquire(ctx, name, duration, opts...)
		if err != nil {
			if AsKind(err) == KindFatal {
				return nil, err
			}
			// KindTransientUnavailable (and anything else TryAcquire
			// didn't abort on) is treated as contention for retry
			// purposes (§4.3, §7): fall through to the same backoff the
			// nil-handle contention path takes below.
		} else if h != nil {
			return h, nil
		}

		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-deadline:
			return nil, &AcquisitionTimeoutError{Name: name}
		case <-ticker.C:
			// fall through to next attempt
		}
	}
}
