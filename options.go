package lease

import (
	"fmt"
	"time"
)

const (
	defaultAutoRenewSafetyThreshold = 0.9
	minAutoRenewSafetyThreshold     = 0.5
	maxAutoRenewSafetyThreshold     = 0.95

	defaultAutoRenewRetryInterval = time.Second
	defaultAcquireRetryInterval   = 500 * time.Millisecond

	// acquisitionSafetyLimit bounds Manager.Acquire's retry loop even under
	// an infinite timeout (spec.md §4.3 circuit breaker).
	acquisitionSafetyLimit = 10000
)

// Options is the validated, immutable configuration shared by every
// Manager (spec.md §3 LeaseOptions / §4.4). Build one with NewOptions,
// which applies defaults and runs Validate.
type Options struct {
	// DefaultDuration is the lease duration used when an operation doesn't
	// override it. May be Infinite for drivers that support it.
	DefaultDuration time.Duration

	// AutoRenew enables the background renewal loop (§4.2). Has no effect
	// if DefaultDuration is Infinite — there is nothing to renew.
	AutoRenew bool

	// AutoRenewInterval is the pause between successful renewals. Zero
	// means "derive from DefaultDuration" (2/3 of it) during NewOptions.
	AutoRenewInterval time.Duration

	// AutoRenewRetryInterval is the base of the exponential backoff used
	// between failed renewal attempts.
	AutoRenewRetryInterval time.Duration

	// AutoRenewMaxRetries is the number of retries after the first failed
	// attempt; 0 means fail (and transition to Lost) after one attempt.
	AutoRenewMaxRetries int

	// AutoRenewSafetyThreshold is the fraction of DefaultDuration after
	// which the renewer gives up rather than risk racing store expiry.
	AutoRenewSafetyThreshold float64

	// AcquireTimeout bounds Manager.Acquire. Zero is replaced by Infinite
	// during NewOptions; Infinite means no timeout.
	AcquireTimeout time.Duration

	// AcquireRetryInterval is the fixed pause between acquisition polls in
	// Manager.Acquire.
	AcquireRetryInterval time.Duration
}

// NewOptions applies defaults to a copy of opts and validates the result,
// failing eagerly the way an invalid Config fails a Manager at construction
// time (spec.md §4.4).
func NewOptions(opts Options) (*Options, error) {
	o := opts
	o.applyDefaults()
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

func (o *Options) applyDefaults() {
	if o.AutoRenewSafetyThreshold == 0 {
		o.AutoRenewSafetyThreshold = defaultAutoRenewSafetyThreshold
	}
	if o.AutoRenewInterval == 0 && o.DefaultDuration > 0 {
		o.AutoRenewInterval = o.DefaultDuration * 2 / 3
	}
	if o.AutoRenewRetryInterval == 0 {
		o.AutoRenewRetryInterval = defaultAutoRenewRetryInterval
	}
	if o.AcquireRetryInterval == 0 {
		o.AcquireRetryInterval = defaultAcquireRetryInterval
	}
	if o.AcquireTimeout == 0 {
		o.AcquireTimeout = Infinite
	}
}

// Validate cross-checks interval vs duration the way spec.md §3 requires.
// NewOptions always calls this; it is also exported so driver-specific
// Options wrappers can call it after validating their own extra fields.
func (o *Options) Validate() error {
	if !isInfinite(o.DefaultDuration) && o.DefaultDuration <= 0 {
		return cfgErr("default_duration must be positive or lease.Infinite")
	}
	if o.AutoRenewSafetyThreshold < minAutoRenewSafetyThreshold || o.AutoRenewSafetyThreshold > maxAutoRenewSafetyThreshold {
		return cfgErr(fmt.Sprintf("auto_renew_safety_threshold must be in [%.2f, %.2f]", minAutoRenewSafetyThreshold, maxAutoRenewSafetyThreshold))
	}
	if o.AutoRenewMaxRetries < 0 {
		return cfgErr("auto_renew_max_retries must be non-negative")
	}
	if o.AutoRenewRetryInterval <= 0 {
		return cfgErr("auto_renew_retry_interval must be positive")
	}
	if o.AcquireRetryInterval <= 0 {
		return cfgErr("acquire_retry_interval must be positive")
	}
	if !isInfinite(o.AcquireTimeout) && o.AcquireTimeout < 0 {
		return cfgErr("acquire_timeout must be non-negative or lease.Infinite")
	}

	if o.AutoRenew && !isInfinite(o.DefaultDuration) {
		if o.AutoRenewInterval <= 0 {
			return cfgErr("auto_renew_interval must be positive when auto_renew is enabled")
		}
		threshold := time.Duration(float64(o.DefaultDuration) * o.AutoRenewSafetyThreshold)
		if o.AutoRenewInterval >= threshold {
			return cfgErr("auto_renew_interval must be strictly less than default_duration * safety_threshold")
		}
		if o.AutoRenewRetryInterval > o.DefaultDuration-o.AutoRenewInterval {
			return cfgErr("auto_renew_retry_interval must not exceed default_duration - auto_renew_interval")
		}
	}
	return nil
}

func cfgErr(msg string) error {
	return &DriverError{Kind: KindFatal, Op: "Options.Validate", Err: fmt.Errorf("%s: %w", msg, ErrConfiguration)}
}
