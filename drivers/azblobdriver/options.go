// Package azblobdriver implements the lease.Driver contract (spec.md
// §4.5.1) over Azure Blob Storage's native server-side lease primitive.
package azblobdriver

import (
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"

	distlease "github.com/a8m-oss/distlease"
)

const (
	defaultBlobPrefix       = "lease-"
	defaultMinLeaseDuration = 15 * time.Second
	defaultMaxLeaseDuration = 60 * time.Second
)

// Options configures the native-lease driver (spec.md §6). At least one of
// ConnectionString or (Endpoint + Credential) must be set; ConnectionString
// takes precedence when both are.
type Options struct {
	// Endpoint is the blob service URL, e.g. https://acct.blob.core.windows.net.
	Endpoint string
	// ConnectionString, if set, is used instead of Endpoint+Credential.
	ConnectionString string
	// Credential yields a bearer token when Endpoint is used without a
	// connection string (the opaque "credential provider" of spec.md §6).
	Credential azcore.TokenCredential

	// ContainerName holds the lease blobs.
	ContainerName string
	// BlobPrefix is prepended to the lease name to form the blob name
	// (default "lease-", spec.md §6).
	BlobPrefix string
	// CreateContainerIfNotExists lazily creates ContainerName on first use.
	CreateContainerIfNotExists bool

	// MinLeaseDuration/MaxLeaseDuration bound caller-requested finite
	// durations (default 15s/60s, spec.md §4.4's example cap).
	MinLeaseDuration time.Duration
	MaxLeaseDuration time.Duration
}

func (o *Options) applyDefaults() {
	if o.BlobPrefix == "" {
		o.BlobPrefix = defaultBlobPrefix
	}
	if o.MinLeaseDuration == 0 {
		o.MinLeaseDuration = defaultMinLeaseDuration
	}
	if o.MaxLeaseDuration == 0 {
		o.MaxLeaseDuration = defaultMaxLeaseDuration
	}
}

// Validate checks the Azure-specific fields in addition to whatever the
// caller's lease.Options cross-check already covers.
func (o *Options) Validate() error {
	if o.ContainerName == "" {
		return cfgErr("container_name is required")
	}
	if o.ConnectionString == "" && (o.Endpoint == "" || o.Credential == nil) {
		return cfgErr("either connection_string or endpoint+credential must be set")
	}
	if o.MinLeaseDuration <= 0 || o.MaxLeaseDuration <= 0 || o.MinLeaseDuration > o.MaxLeaseDuration {
		return cfgErr("min_lease_duration/max_lease_duration must be positive and min <= max")
	}
	return nil
}

// ValidateDuration enforces the server's native min/max, with an explicit
// carve-out for distlease.Infinite (encoded by this driver as Azure's -1s
// infinite-lease sentinel, DESIGN.md's Open Question decision).
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
	return distlease.NewDriverError(distlease.KindFatal, "azblobdriver.Options", fmt.Errorf("%s", msg))
}
