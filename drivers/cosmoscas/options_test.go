package cosmoscas

import (
	"testing"
	"time"

	distlease "github.com/a8m-oss/distlease"
)

func assert(t *testing.T, cond bool, reason string) {
	t.Helper()
	if !cond {
		t.Fatal(reason)
	}
}

func TestOptionsApplyDefaults(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", AuthKey: "key", DatabaseName: "db", ContainerName: "leases"}
	o.applyDefaults()
	assert(t, o.MinLeaseDuration == defaultMinLeaseDuration, "expect the default min lease duration")
	assert(t, o.MaxLeaseDuration == defaultMaxLeaseDuration, "expect the default max lease duration")
}

func TestOptionsValidateRequiresAuth(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", DatabaseName: "db", ContainerName: "leases"}
	o.applyDefaults()
	assert(t, o.Validate() != nil, "expect a missing credential/auth_key to be rejected")
}

func TestOptionsValidateRequiresDatabaseAndContainer(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", AuthKey: "key"}
	o.applyDefaults()
	assert(t, o.Validate() != nil, "expect missing database_name/container_name to be rejected")
}

func TestOptionsValidateAccepts(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", AuthKey: "key", DatabaseName: "db", ContainerName: "leases"}
	o.applyDefaults()
	assert(t, o.Validate() == nil, "expect a fully configured Options to validate")
}

func TestValidateDurationAcceptsInfinite(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", AuthKey: "key", DatabaseName: "db", ContainerName: "leases"}
	o.applyDefaults()
	assert(t, o.ValidateDuration(distlease.Infinite) == nil, "expect distlease.Infinite to bypass min/max bounds")
}

func TestValidateDurationRejectsOutOfBounds(t *testing.T) {
	o := Options{Endpoint: "https://acct.documents.azure.com:443/", AuthKey: "key", DatabaseName: "db", ContainerName: "leases"}
	o.applyDefaults()
	assert(t, o.ValidateDuration(time.Second) != nil, "expect a duration below the minimum to be rejected")
	assert(t, o.ValidateDuration(time.Hour) != nil, "expect a duration above the maximum to be rejected")
	assert(t, o.ValidateDuration(30*time.Second) == nil, "expect a duration within bounds to be accepted")
}

func TestTTLSeconds(t *testing.T) {
	infinite := ttlSeconds(distlease.Infinite)
	assert(t, infinite != nil && *infinite == -1, "expect distlease.Infinite to map to Cosmos's -1 no-expiry TTL")

	finite := ttlSeconds(45 * time.Second)
	assert(t, finite != nil && *finite == 45, "expect a finite duration to convert to whole seconds")
}

func TestIsExpiredDocument(t *testing.T) {
	past := &leaseDocument{ExpiresAt: time.Now().UTC().Add(-time.Minute).Format(time.RFC3339)}
	assert(t, isExpiredDocument(past), "expect a document whose expiresAt has passed to be expired")

	future := &leaseDocument{ExpiresAt: time.Now().UTC().Add(time.Minute).Format(time.RFC3339)}
	assert(t, !isExpiredDocument(future), "expect a document whose expiresAt is in the future to not be expired")

	infinite := int32(-1)
	neverExpires := &leaseDocument{ExpiresAt: time.Now().UTC().Add(-time.Minute).Format(time.RFC3339), TTL: &infinite}
	assert(t, !isExpiredDocument(neverExpires), "expect a TTL of -1 to mean never expired regardless of expiresAt")

	malformed := &leaseDocument{ExpiresAt: "not-a-timestamp"}
	assert(t, isExpiredDocument(malformed), "expect an unparsable expiresAt to be treated as expired")
}
