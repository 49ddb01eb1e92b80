package rediscas

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	distlease "github.com/a8m-oss/distlease"
)

// renewLeaseLua extends the TTL only if the stored token still matches the
// caller's, so a renewal never extends a lease someone else has since
// reclaimed.
const renewLeaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseLeaseLua deletes the key only if the stored token still matches,
// so a release never clobbers a lease someone else has since acquired.
const releaseLeaseLua = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// record is the driver-private state threaded through distlease.Materials
// / RenewResult's Record field: the token stored in Redis, which gates
// every subsequent renew/release (spec.md §4.5.3).
type record struct {
	token string
}

// Driver implements distlease.Driver against Redis's SET NX EX primitive
// (spec.md §4.5.3).
type Driver struct {
	client        redis.Cmdable
	opts          *Options
	log           logrus.FieldLogger
	renewScript   *redis.Script
	releaseScript *redis.Script
}

// New builds a Driver. opts is validated eagerly.
func New(opts Options, log logrus.FieldLogger) (*Driver, error) {
	opts.applyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Driver{
		client:        opts.Client,
		opts:          &opts,
		log:           log.WithField("driver", "rediscas"),
		renewScript:   redis.NewScript(renewLeaseLua),
		releaseScript: redis.NewScript(releaseLeaseLua),
	}, nil
}

func (d *Driver) key(name string) string {
	return d.opts.KeyPrefix + name
}

// Acquire implements distlease.Driver. The key's TTL is set to the
// requested (nominal) duration; the clock-drift-adjusted validity
// (`duration × (1 − clock_drift_factor)`) is computed only to guard
// against a degenerate acquire (spec.md §4.5.3, §6) and never leaks into
// Materials.ExpiresAt, which always reports the nominal acquired_at +
// duration (spec.md §9 open-question-3 resolution).
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*distlease.Materials, error) {
	if err := d.opts.ValidateDuration(duration); err != nil {
		return nil, err
	}

	token := uuid.NewString()
	ok, err := d.client.SetNX(ctx, d.key(name), token, duration).Result()
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "SetNX", err)
	}
	if !ok {
		return nil, nil // ordinary contention (§4.1)
	}

	if d.opts.adjustedValidity(duration) < d.opts.MinimumValidity {
		// Degenerate acquire: by the time this worker would trust the
		// lease, the clock-drift budget alone could have consumed it.
		// Release immediately and report ordinary contention rather than
		// handing back a handle no caller should rely on (spec.md §4.5.3).
		_, _ = d.releaseScript.Run(ctx, d.client, []string{d.key(name)}, token).Result()
		return nil, nil
	}

	return &distlease.Materials{
		LeaseID:   token,
		ExpiresAt: time.Now().UTC().Add(duration),
		Record:    record{token: token},
	}, nil
}

// Renew implements distlease.Driver: a Lua-scripted compare-and-extend.
// Like Acquire, the reported ExpiresAt is the nominal value, here the
// renewal time + duration; the adjusted validity only gates whether this
// renewal is accepted at all.
func (d *Driver) Renew(ctx context.Context, name, leaseID string, rec any, duration time.Duration) (*distlease.RenewResult, error) {
	r, ok := rec.(record)
	if !ok {
		return nil, distlease.NewDriverError(distlease.KindLost, "Renew", fmt.Errorf("missing redis token record"))
	}
	if err := d.opts.ValidateDuration(duration); err != nil {
		return nil, err
	}
	if d.opts.adjustedValidity(duration) < d.opts.MinimumValidity {
		return nil, distlease.NewDriverError(distlease.KindFatal, "Renew",
			fmt.Errorf("duration %s leaves less than the %s minimum validity after clock-drift adjustment", duration, d.opts.MinimumValidity))
	}

	result, err := d.renewScript.Run(ctx, d.client, []string{d.key(name)}, r.token, duration.Milliseconds()).Int64()
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "renewLeaseLua", err)
	}
	if result == 0 {
		return nil, distlease.NewDriverError(distlease.KindLost, "renewLeaseLua", fmt.Errorf("token mismatch or key expired"))
	}

	return &distlease.RenewResult{
		ExpiresAt: time.Now().UTC().Add(duration),
		Record:    r,
	}, nil
}

// Release implements distlease.Driver. Idempotent: a token mismatch or a
// missing key is success, never an error (spec.md §4.1).
func (d *Driver) Release(ctx context.Context, name, leaseID string, rec any) error {
	r, ok := rec.(record)
	if !ok {
		return nil
	}
	_, err := d.releaseScript.Run(ctx, d.client, []string{d.key(name)}, r.token).Int64()
	if err != nil {
		d.log.WithError(err).Warn("rediscas: release failed, relying on key expiry")
	}
	return nil
}

// Break implements distlease.Driver: unconditional delete regardless of
// the current token.
func (d *Driver) Break(ctx context.Context, name string) error {
	if err := d.client.Del(ctx, d.key(name)).Err(); err != nil {
		return distlease.NewDriverError(distlease.KindTransientUnavailable, "Del", err)
	}
	return nil
}
