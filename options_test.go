package lease

import (
	"errors"
	"testing"
	"time"
)

func TestNewOptionsDefaults(t *testing.T) {
	o, err := NewOptions(Options{DefaultDuration: 30 * time.Second})
	assert(t, err == nil, "expect valid options with only default_duration set")
	assert(t, o.AutoRenewSafetyThreshold == 0.9, "expect default safety threshold 0.9")
	assert(t, o.AutoRenewInterval == 20*time.Second, "expect auto_renew_interval to default to 2/3 of duration")
	assert(t, o.AcquireTimeout == Infinite, "expect acquire_timeout to default to Infinite")
	assert(t, o.AcquireRetryInterval == defaultAcquireRetryInterval, "expect default acquire retry interval")
}

func TestNewOptionsRejectsBadSafetyThreshold(t *testing.T) {
	_, err := NewOptions(Options{DefaultDuration: 30 * time.Second, AutoRenewSafetyThreshold: 0.2})
	assert(t, errors.Is(err, ErrConfiguration), "expect a configuration error for out-of-range safety threshold")

	_, err = NewOptions(Options{DefaultDuration: 30 * time.Second, AutoRenewSafetyThreshold: 0.99})
	assert(t, errors.Is(err, ErrConfiguration), "expect a configuration error for safety threshold above 0.95")
}

func TestNewOptionsRejectsIntervalTooCloseToThreshold(t *testing.T) {
	// threshold = 30s * 0.9 = 27s; interval >= 27s must be rejected.
	_, err := NewOptions(Options{
		DefaultDuration:   30 * time.Second,
		AutoRenew:         true,
		AutoRenewInterval: 27 * time.Second,
	})
	assert(t, errors.Is(err, ErrConfiguration), "expect rejection when auto_renew_interval >= duration*threshold")
}

func TestNewOptionsRejectsRetryIntervalTooLarge(t *testing.T) {
	// duration=30s, interval=20s -> remaining budget before deadline is 10s.
	_, err := NewOptions(Options{
		DefaultDuration:        30 * time.Second,
		AutoRenew:              true,
		AutoRenewInterval:      20 * time.Second,
		AutoRenewRetryInterval: 11 * time.Second,
	})
	assert(t, errors.Is(err, ErrConfiguration), "expect rejection when retry_interval > duration-interval")
}

func TestNewOptionsAcceptsInfiniteDuration(t *testing.T) {
	o, err := NewOptions(Options{DefaultDuration: Infinite})
	assert(t, err == nil, "expect Infinite default_duration to be accepted")
	assert(t, o.AutoRenewInterval == 0, "expect no derived auto_renew_interval for an infinite lease")
}

func TestNewOptionsRejectsNonPositiveDuration(t *testing.T) {
	_, err := NewOptions(Options{DefaultDuration: 0})
	assert(t, errors.Is(err, ErrConfiguration), "expect rejection of a zero default_duration")

	_, err = NewOptions(Options{DefaultDuration: -5 * time.Second})
	assert(t, errors.Is(err, ErrConfiguration), "expect rejection of a negative, non-Infinite default_duration")
}

func assert(t *testing.T, cond bool, reason string) {
	t.Helper()
	if !cond {
		t.Error(reason)
	}
}
