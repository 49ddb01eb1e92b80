// Package rediscas implements the lease.Driver contract (spec.md §4.5.3)
// over Redis's SET NX EX primitive: acquisition is a set-if-absent with a
// TTL, renewal/release are Lua scripts so the compare-and-extend /
// compare-and-delete stays atomic against the stored lease token, and break
// is a plain DEL.
package rediscas

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	distlease "github.com/a8m-oss/distlease"
)

const (
	defaultKeyPrefix        = "distlease:"
	defaultMinLeaseDuration = time.Second
	defaultMaxLeaseDuration = 5 * time.Minute
	// defaultClockDriftFactor and defaultMinimumValidity are spec.md §6's
	// documented defaults for the set-NX driver.
	defaultClockDriftFactor = 0.01
	defaultMinimumValidity  = 100 * time.Millisecond
)

// Options configures the set-NX driver (spec.md §6).
type Options struct {
	// Client is a pre-built go-redis client or cluster client.
	Client redis.Cmdable
	// KeyPrefix namespaces lease keys (default "distlease:").
	KeyPrefix string

	MinLeaseDuration time.Duration
	MaxLeaseDuration time.Duration

	// ClockDriftFactor is the fraction of the requested duration shaved off
	// to compute the adjusted validity `duration × (1 − ClockDriftFactor)`
	// (default 0.01, spec.md §6).
	ClockDriftFactor float64
	// MinimumValidity is the floor the adjusted validity must clear; below
	// it, Acquire treats the acquisition as degenerate (default 100ms,
	// spec.md §6).
	MinimumValidity time.Duration
}

func (o *Options) applyDefaults() {
	if o.KeyPrefix == "" {
		o.KeyPrefix = defaultKeyPrefix
	}
	if o.MinLeaseDuration == 0 {
		o.MinLeaseDuration = defaultMinLeaseDuration
	}
	if o.MaxLeaseDuration == 0 {
		o.MaxLeaseDuration = defaultMaxLeaseDuration
	}
	if o.ClockDriftFactor == 0 {
		o.ClockDriftFactor = defaultClockDriftFactor
	}
	if o.MinimumValidity == 0 {
		o.MinimumValidity = defaultMinimumValidity
	}
}

// Validate checks the Redis-specific fields.
func (o *Options) Validate() error {
	if o.Client == nil {
		return cfgErr("client is required")
	}
	if o.MinLeaseDuration <= 0 || o.MaxLeaseDuration <= 0 || o.MinLeaseDuration > o.MaxLeaseDuration {
		return cfgErr("min_lease_duration/max_lease_duration must be positive and min <= max")
	}
	if o.ClockDriftFactor < 0 || o.ClockDriftFactor >= 1 {
		return cfgErr("clock_drift_factor must be in [0, 1)")
	}
	if o.MinimumValidity < 0 {
		return cfgErr("minimum_validity must not be negative")
	}
	return nil
}

// adjustedValidity computes `duration × (1 − ClockDriftFactor)`, the
// Redis driver's internal validity check (spec.md §6).
func (o *Options) adjustedValidity(duration time.Duration) time.Duration {
	return time.Duration(float64(duration) * (1 - o.ClockDriftFactor))
}

// ValidateDuration enforces the server's min/max; distlease.Infinite is
// rejected outright because Redis keys cannot carry a TTL-less lease
// without defeating the eventual-reclaim property this driver exists for.
func (o *Options) ValidateDuration(d time.Duration) error {
	if d == distlease.Infinite {
		return cfgErr("distlease.Infinite is not supported by the Redis driver")
	}
	if d < o.MinLeaseDuration || d > o.MaxLeaseDuration {
		return cfgErr(fmt.Sprintf("duration must be in [%s, %s]", o.MinLeaseDuration, o.MaxLeaseDuration))
	}
	return nil
}

func cfgErr(msg string) error {
	return distlease.NewDriverError(distlease.KindFatal, "rediscas.Options", fmt.Errorf("%s", msg))
}
