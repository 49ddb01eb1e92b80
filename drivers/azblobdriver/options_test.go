package azblobdriver

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
	o := Options{ContainerName: "leases", ConnectionString: "UseDevelopmentStorage=true"}
	o.applyDefaults()
	assert(t, o.BlobPrefix == defaultBlobPrefix, "expect the default blob prefix")
	assert(t, o.MinLeaseDuration == defaultMinLeaseDuration, "expect the default min lease duration")
	assert(t, o.MaxLeaseDuration == defaultMaxLeaseDuration, "expect the default max lease duration")
}

func TestOptionsValidateRequiresContainerName(t *testing.T) {
	o := Options{ConnectionString: "UseDevelopmentStorage=true"}
	o.applyDefaults()
	err := o.Validate()
	assert(t, err != nil, "expect a missing container_name to be rejected")
}

func TestOptionsValidateRequiresAuth(t *testing.T) {
	o := Options{ContainerName: "leases"}
	o.applyDefaults()
	err := o.Validate()
	assert(t, err != nil, "expect a missing connection_string/endpoint+credential to be rejected")
}

func TestOptionsValidateAcceptsConnectionString(t *testing.T) {
	o := Options{ContainerName: "leases", ConnectionString: "UseDevelopmentStorage=true"}
	o.applyDefaults()
	err := o.Validate()
	assert(t, err == nil, "expect a connection string alone to be sufficient")
}

func TestOptionsValidateRejectsInvertedBounds(t *testing.T) {
	o := Options{
		ContainerName:    "leases",
		ConnectionString: "UseDevelopmentStorage=true",
		MinLeaseDuration: time.Minute,
		MaxLeaseDuration: time.Second,
	}
	err := o.Validate()
	assert(t, err != nil, "expect min > max to be rejected")
}

func TestValidateDurationAcceptsInfinite(t *testing.T) {
	o := Options{ContainerName: "leases", ConnectionString: "UseDevelopmentStorage=true"}
	o.applyDefaults()
	err := o.ValidateDuration(distlease.Infinite)
	assert(t, err == nil, "expect distlease.Infinite to bypass the server's min/max bounds")
}

func TestValidateDurationRejectsOutOfBounds(t *testing.T) {
	o := Options{ContainerName: "leases", ConnectionString: "UseDevelopmentStorage=true"}
	o.applyDefaults()

	assert(t, o.ValidateDuration(time.Second) != nil, "expect a duration below the server minimum to be rejected")
	assert(t, o.ValidateDuration(time.Hour) != nil, "expect a duration above the server maximum to be rejected")
	assert(t, o.ValidateDuration(30*time.Second) == nil, "expect a duration within bounds to be accepted")
}

func TestLeaseSeconds(t *testing.T) {
	assert(t, leaseSeconds(distlease.Infinite) == -1, "expect distlease.Infinite to map to Azure's -1 sentinel")
	assert(t, leaseSeconds(45*time.Second) == 45, "expect a finite duration to convert to whole seconds")
}

func TestBlobName(t *testing.T) {
	d := &Driver{opts: &Options{BlobPrefix: "lease-"}}
	assert(t, d.blobName("inv-PROD-001") == "lease-inv-PROD-001", "expect the configured prefix to be prepended")
}

func TestNopReadSeekCloser(t *testing.T) {
	var r nopReadSeekCloser
	n, err := r.Read(make([]byte, 4))
	assert(t, n == 0, "expect zero bytes read from an empty body")
	assert(t, err != nil, "expect io.EOF from an empty body")
	assert(t, r.Close() == nil, "expect Close to be a no-op")
	off, err := r.Seek(0, 0)
	assert(t, off == 0 && err == nil, "expect Seek to be a no-op")
}
