// Package cosmoscas implements the lease.Driver contract (spec.md §4.5.2)
// over Azure Cosmos DB, using entity tags (ETags) as the compare-and-set
// primitive: no native lease concept exists, so acquisition is a
// conditional insert, renewal is a conditional replace and release is a
// conditional delete, each guarded by the ETag returned from the prior
// write.
package cosmoscas

import (
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	distlease "github.com/a8m-oss/distlease"
)

const (
	defaultPartitionKeyPath = "/leaseName"
	defaultMinLeaseDuration = 5 * time.Second
	defaultMaxLeaseDuration = 5 * time.Minute
)

// Options configures the CAS-document driver (spec.md §6).
type Options struct {
	// Endpoint is the Cosmos account URL.
	Endpoint string
	// Credential yields a bearer token (the opaque "credential provider"
	// of spec.md §6); AuthKey is used instead when set.
	Credential azcore.TokenCredential
	AuthKey    string

	DatabaseName  string
	ContainerName string

	MinLeaseDuration time.Duration
	MaxLeaseDuration time.Duration
}

func (o *Options) applyDefaults() {
	if o.MinLeaseDuration == 0 {
		o.MinLeaseDuration = defaultMinLeaseDuration
	}
	if o.MaxLeaseDuration == 0 {
		o.MaxLeaseDuration = defaultMaxLeaseDuration
	}
}

// Validate checks the Cosmos-specific fields.
func (o *Options) Validate() error {
	if o.Endpoint == "" {
		return cfgErr("endpoint is required")
	}
	if o.Credential == nil && o.AuthKey == "" {
		return cfgErr("either credential or auth_key must be set")
	}
	if o.DatabaseName == "" || o.ContainerName == "" {
		return cfgErr("database_name and container_name are required")
	}
	if o.MinLeaseDuration <= 0 || o.MaxLeaseDuration <= 0 || o.MinLeaseDuration > o.MaxLeaseDuration {
		return cfgErr("min_lease_duration/max_lease_duration must be positive and min <= max")
	}
	return nil
}

// ValidateDuration enforces the document TTL's bounds, with an explicit
// carve-out for distlease.Infinite: Cosmos TTL of -1 disables expiry
// entirely (DESIGN.md's Open Question decision), so no document-level
// timer ever reclaims the lease and Break is the only way to clear it.
func (o *Options) ValidateDuration(d time.Duration) error {
	if d == distlease.Infinite {
		return nil
	}
	if d < o.MinLeaseDuration || d > o.MaxLeaseDuration {
		return cfgErr(fmt.Sprintf("duration must be in [%s, %s] or distlease.Infinite", o.MinLeaseDuration, o.MaxLeaseDuration))
	}
	return nil
}

func cfgErr(msg string) error {
	return distlease.NewDriverError(distlease.KindFatal, "cosmoscas.Options", fmt.Errorf("%s", msg))
}
