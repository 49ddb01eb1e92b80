package azblobdriver

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blockblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/lease"
	"github.com/sirupsen/logrus"

	distlease "github.com/a8m-oss/distlease"
)

// record is the driver-private state threaded through distlease.Materials
// / RenewResult's Record field: the blob's native lease ID needed to
// renew/release it (Acquire also reports it as distlease's lease_id).
type record struct {
	azureLeaseID string
}

// Driver implements distlease.Driver against Azure Blob Storage's
// server-side lease primitive (spec.md §4.5.1).
type Driver struct {
	client *azblob.Client
	opts   *Options
	log    logrus.FieldLogger

	containerOnce sync.Once
	containerErr  error
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

	var client *azblob.Client
	var err error
	if opts.ConnectionString != "" {
		client, err = azblob.NewClientFromConnectionString(opts.ConnectionString, nil)
	} else {
		cred := opts.Credential
		if cred == nil {
			if cred, err = azidentity.NewDefaultAzureCredential(nil); err != nil {
				return nil, distlease.NewDriverError(distlease.KindFatal, "DefaultAzureCredential", err)
			}
		}
		client, err = azblob.NewClient(opts.Endpoint, cred, nil)
	}
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "azblobdriver.New", err)
	}

	return &Driver{
		client: client,
		opts:   &opts,
		log:    log.WithField("driver", "azblob"),
	}, nil
}

func (d *Driver) blobName(leaseName string) string {
	return d.opts.BlobPrefix + leaseName
}

// ensureContainer lazily creates the container under a single-entry mutex
// the first time it is needed (spec.md §4.5.1), mirroring the teacher's
// CreateLeaseTable "tolerate already-exists" shape.
func (d *Driver) ensureContainer(ctx context.Context) error {
	if !d.opts.CreateContainerIfNotExists {
		return nil
	}
	d.containerOnce.Do(func() {
		_, err := d.client.CreateContainer(ctx, d.opts.ContainerName, nil)
		if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			d.containerErr = distlease.NewDriverError(distlease.KindTransientUnavailable, "CreateContainer", err)
		}
	})
	return d.containerErr
}

// Acquire implements distlease.Driver.
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*distlease.Materials, error) {
	if err := d.opts.ValidateDuration(duration); err != nil {
		return nil, err
	}
	if err := d.ensureContainer(ctx); err != nil {
		return nil, err
	}

	blobName := d.blobName(name)
	blobClient := d.client.ServiceClient().NewContainerClient(d.opts.ContainerName).NewBlockBlobClient(blobName)

	_, err := blobClient.Upload(ctx, nopReadSeekCloser{}, &blockblob.UploadOptions{})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobAlreadyExists) {
		// A 404 here means the container was deleted concurrently; any
		// other failure is equally worth a retry at this level (§4.5.1).
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "Upload", err)
	}

	leaseClient, err := lease.NewBlobClient(blobClient, nil)
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "NewBlobClient", err)
	}

	seconds := leaseSeconds(duration)
	resp, err := leaseClient.AcquireLease(ctx, seconds, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseAlreadyPresent) {
			return nil, nil // ordinary contention (§4.1)
		}
		// 404 means the blob/container vanished concurrently; any other
		// failure at this point is equally store-unavailable (§4.5.1).
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "AcquireLease", err)
	}

	expires := time.Now().UTC().Add(duration)
	if duration == distlease.Infinite {
		expires = time.Now().UTC().AddDate(100, 0, 0)
	}
	// Azure's own lease GUID already satisfies I1 (unique fencing token),
	// so it doubles as this library's lease_id rather than minting a
	// second, redundant token.
	return &distlease.Materials{
		LeaseID:   *resp.LeaseID,
		ExpiresAt: expires,
		Record:    record{azureLeaseID: *resp.LeaseID},
		Metadata: map[string]string{
			"leaseName": name,
			"createdAt": time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// Renew implements distlease.Driver.
func (d *Driver) Renew(ctx context.Context, name, leaseID string, rec any, duration time.Duration) (*distlease.RenewResult, error) {
	r, ok := rec.(record)
	if !ok {
		return nil, distlease.NewDriverError(distlease.KindLost, "Renew", fmt.Errorf("missing azure lease record"))
	}
	blobClient := d.client.ServiceClient().NewContainerClient(d.opts.ContainerName).NewBlockBlobClient(d.blobName(name))
	leaseClient, err := lease.NewBlobClient(blobClient, &lease.BlobClientOptions{LeaseID: &r.azureLeaseID})
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "NewBlobClient", err)
	}

	_, err = leaseClient.RenewLease(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation) || bloberror.HasCode(err, bloberror.LeaseNotPresentWithLeaseOperation) {
			return nil, distlease.NewDriverError(distlease.KindLost, "RenewLease", err)
		}
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "RenewLease", err)
	}

	return &distlease.RenewResult{
		ExpiresAt: time.Now().UTC().Add(duration),
		Record:    r,
	}, nil
}

// Release implements distlease.Driver. Idempotent: a missing blob/lease or
// a lease owned by someone else is success, never an error (spec.md §4.1).
func (d *Driver) Release(ctx context.Context, name, leaseID string, rec any) error {
	r, ok := rec.(record)
	if !ok {
		return nil
	}
	blobClient := d.client.ServiceClient().NewContainerClient(d.opts.ContainerName).NewBlockBlobClient(d.blobName(name))
	leaseClient, err := lease.NewBlobClient(blobClient, &lease.BlobClientOptions{LeaseID: &r.azureLeaseID})
	if err != nil {
		return nil
	}
	_, err = leaseClient.ReleaseLease(ctx, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.LeaseIDMismatchWithLeaseOperation) && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		d.log.WithError(err).Warn("azblobdriver: release failed, relying on lease expiry")
	}
	return nil
}

// Break implements distlease.Driver: unconditional, zero break period.
func (d *Driver) Break(ctx context.Context, name string) error {
	blobClient := d.client.ServiceClient().NewContainerClient(d.opts.ContainerName).NewBlockBlobClient(d.blobName(name))
	leaseClient, err := lease.NewBlobClient(blobClient, nil)
	if err != nil {
		return distlease.NewDriverError(distlease.KindFatal, "NewBlobClient", err)
	}
	zero := int32(0)
	_, err = leaseClient.BreakLease(ctx, &lease.BlobBreakOptions{BreakPeriod: &zero})
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) && !bloberror.HasCode(err, bloberror.LeaseNotPresentWithLeaseOperation) {
		return distlease.NewDriverError(distlease.KindTransientUnavailable, "BreakLease", err)
	}
	return nil
}

// leaseSeconds converts duration to the int32 seconds Azure's API expects,
// mapping Infinite to Azure's own -1 infinite-lease sentinel (spec.md §4.5.1).
func leaseSeconds(d time.Duration) int32 {
	if d == distlease.Infinite {
		return -1
	}
	return int32(d / time.Second)
}

// nopReadSeekCloser supplies an empty body for the blob's lazy creation
// (spec.md §4.5.1: "create the empty object if missing").
type nopReadSeekCloser struct{}

func (nopReadSeekCloser) Read(p []byte) (int, error)                   { return 0, io.EOF }
func (nopReadSeekCloser) Seek(offset int64, whence int) (int64, error) { return 0, nil }
func (nopReadSeekCloser) Close() error                                 { return nil }
