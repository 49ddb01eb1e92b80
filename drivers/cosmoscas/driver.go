package cosmoscas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	distlease "github.com/a8m-oss/distlease"
)

// record is the driver-private state threaded through distlease.Materials
// / RenewResult's Record field: the document's current ETag plus the
// bookkeeping fields that must survive across renewals (acquiredAt never
// changes; renewalCount increments each successful Renew), so every
// renew/release/steal is conditioned on the right ETag and the wire
// document stays accurate (spec.md §4.5.2, §6).
type record struct {
	etag         azcore.ETag
	acquiredAt   time.Time
	renewalCount int64
}

// leaseDocument is the Cosmos item backing a lease. LeaseName is the
// partition key; TTL is Cosmos's own system property, set so an
// abandoned document self-reclaims even if no worker ever calls Break.
// Field set and the ISO-8601 encoding of the timestamps match the
// cross-driver wire contract (spec.md §6).
type leaseDocument struct {
	ID            string `json:"id"`
	LeaseName     string `json:"leaseName"`
	LeaseID       string `json:"leaseId"`
	AcquiredAt    string `json:"acquiredAt"`
	ExpiresAt     string `json:"expiresAt"`
	RenewalCount  int64  `json:"renewalCount"`
	LastRenewedAt string `json:"lastRenewedAt"`
	TTL           *int32 `json:"ttl,omitempty"`
}

// Driver implements distlease.Driver against Azure Cosmos DB's optimistic
// concurrency (ETag) primitive (spec.md §4.5.2).
type Driver struct {
	container *azcosmos.ContainerClient
	opts      *Options
	log       logrus.FieldLogger
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

	var client *azcosmos.Client
	var err error
	if opts.AuthKey != "" {
		var key azcosmos.KeyCredential
		key, err = azcosmos.NewKeyCredential(opts.AuthKey)
		if err == nil {
			client, err = azcosmos.NewClientWithKey(opts.Endpoint, key, nil)
		}
	} else {
		cred := opts.Credential
		if cred == nil {
			if cred, err = azidentity.NewDefaultAzureCredential(nil); err != nil {
				return nil, distlease.NewDriverError(distlease.KindFatal, "DefaultAzureCredential", err)
			}
		}
		client, err = azcosmos.NewClient(opts.Endpoint, cred, nil)
	}
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "cosmoscas.New", err)
	}

	container, err := client.NewContainer(opts.DatabaseName, opts.ContainerName)
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "NewContainer", err)
	}

	return &Driver{container: container, opts: &opts, log: log.WithField("driver", "cosmoscas")}, nil
}

func (d *Driver) partitionKey(name string) azcosmos.PartitionKey {
	return azcosmos.NewPartitionKeyString(name)
}

func ttlSeconds(duration time.Duration) *int32 {
	if duration == distlease.Infinite {
		infinite := int32(-1)
		return &infinite
	}
	seconds := int32(duration / time.Second)
	return &seconds
}

// Acquire implements distlease.Driver: an unconditional insert if no
// document exists, or a steal via a conditional replace if the existing
// document is already expired (spec.md §4.5.2).
func (d *Driver) Acquire(ctx context.Context, name string, duration time.Duration) (*distlease.Materials, error) {
	if err := d.opts.ValidateDuration(duration); err != nil {
		return nil, err
	}

	pk := d.partitionKey(name)
	leaseID := uuid.NewString()
	now := time.Now().UTC()
	doc := leaseDocument{
		ID:            name,
		LeaseName:     name,
		LeaseID:       leaseID,
		AcquiredAt:    now.Format(time.RFC3339),
		ExpiresAt:     expiresAtString(now, duration),
		RenewalCount:  0,
		LastRenewedAt: now.Format(time.RFC3339),
		TTL:           ttlSeconds(duration),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "Marshal", err)
	}

	resp, err := d.container.CreateItem(ctx, pk, body, nil)
	if err == nil {
		return d.materials(leaseID, duration, record{etag: resp.ETag, acquiredAt: now}), nil
	}

	var cosmosErr *azcore.ResponseError
	if !errors.As(err, &cosmosErr) || cosmosErr.StatusCode != 409 {
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "CreateItem", err)
	}

	// Conflict: a document already exists. Read it and steal only if it
	// has already expired, conditioned on the ETag we just observed.
	existing, readResp, err := d.readDocument(ctx, pk, name)
	if err != nil {
		return nil, err
	}
	if !isExpiredDocument(existing) {
		return nil, nil // ordinary contention (§4.1)
	}

	doc.LeaseID = leaseID
	body, err = json.Marshal(doc)
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "Marshal", err)
	}
	replaceOpts := &azcosmos.ItemOptions{IfMatchEtag: &readResp.ETag}
	replaceResp, err := d.container.ReplaceItem(ctx, pk, name, body, replaceOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, nil // someone else renewed or stole it first
		}
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "ReplaceItem", err)
	}
	return d.materials(leaseID, duration, record{etag: replaceResp.ETag, acquiredAt: now}), nil
}

func (d *Driver) materials(leaseID string, duration time.Duration, rec record) *distlease.Materials {
	return &distlease.Materials{
		LeaseID:   leaseID,
		ExpiresAt: time.Now().UTC().Add(resolvedFor(duration)),
		Record:    rec,
	}
}

func resolvedFor(duration time.Duration) time.Duration {
	if duration == distlease.Infinite {
		return 100 * 365 * 24 * time.Hour
	}
	return duration
}

// expiresAtString formats the document's expiresAt field as the ISO-8601
// (RFC3339) string the wire contract specifies (spec.md §6), computed from
// the given base time rather than time.Now() so Acquire and a subsequent
// steal of the same document agree with acquiredAt/lastRenewedAt.
func expiresAtString(base time.Time, duration time.Duration) string {
	if duration == distlease.Infinite {
		return base.AddDate(100, 0, 0).Format(time.RFC3339)
	}
	return base.Add(duration).Format(time.RFC3339)
}

func (d *Driver) readDocument(ctx context.Context, pk azcosmos.PartitionKey, name string) (*leaseDocument, *azcosmos.ItemResponse, error) {
	resp, err := d.container.ReadItem(ctx, pk, name, nil)
	if err != nil {
		return nil, nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "ReadItem", err)
	}
	var doc leaseDocument
	if err := json.Unmarshal(resp.Value, &doc); err != nil {
		return nil, nil, distlease.NewDriverError(distlease.KindFatal, "Unmarshal", err)
	}
	return &doc, &resp, nil
}

func isExpiredDocument(doc *leaseDocument) bool {
	if doc.TTL != nil && *doc.TTL == -1 {
		return false
	}
	expiresAt, err := time.Parse(time.RFC3339, doc.ExpiresAt)
	if err != nil {
		return true // unparsable expiry: treat as expired so a stuck lease doesn't stall forever
	}
	return !time.Now().UTC().Before(expiresAt)
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 412
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == 404
}

// Renew implements distlease.Driver: a conditional replace guarded by the
// ETag captured at acquisition or the last successful renewal.
func (d *Driver) Renew(ctx context.Context, name, leaseID string, rec any, duration time.Duration) (*distlease.RenewResult, error) {
	r, ok := rec.(record)
	if !ok {
		return nil, distlease.NewDriverError(distlease.KindLost, "Renew", fmt.Errorf("missing cosmos etag record"))
	}

	now := time.Now().UTC()
	renewalCount := r.renewalCount + 1
	doc := leaseDocument{
		ID:            name,
		LeaseName:     name,
		LeaseID:       leaseID,
		AcquiredAt:    r.acquiredAt.Format(time.RFC3339),
		ExpiresAt:     expiresAtString(now, duration),
		RenewalCount:  renewalCount,
		LastRenewedAt: now.Format(time.RFC3339),
		TTL:           ttlSeconds(duration),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, distlease.NewDriverError(distlease.KindFatal, "Marshal", err)
	}

	pk := d.partitionKey(name)
	opts := &azcosmos.ItemOptions{IfMatchEtag: &r.etag}
	resp, err := d.container.ReplaceItem(ctx, pk, name, body, opts)
	if err != nil {
		if isPreconditionFailed(err) || isNotFound(err) {
			return nil, distlease.NewDriverError(distlease.KindLost, "ReplaceItem", err)
		}
		return nil, distlease.NewDriverError(distlease.KindTransientUnavailable, "ReplaceItem", err)
	}

	return &distlease.RenewResult{
		ExpiresAt: time.Now().UTC().Add(resolvedFor(duration)),
		Record:    record{etag: resp.ETag, acquiredAt: r.acquiredAt, renewalCount: renewalCount},
	}, nil
}

// Release implements distlease.Driver. Idempotent: an ETag mismatch or a
// missing document means someone else already took over, which is success
// from this caller's point of view (spec.md §4.1).
func (d *Driver) Release(ctx context.Context, name, leaseID string, rec any) error {
	r, ok := rec.(record)
	if !ok {
		return nil
	}
	pk := d.partitionKey(name)
	opts := &azcosmos.ItemOptions{IfMatchEtag: &r.etag}
	_, err := d.container.DeleteItem(ctx, pk, name, opts)
	if err != nil && !isPreconditionFailed(err) && !isNotFound(err) {
		d.log.WithError(err).Warn("cosmoscas: release failed, relying on document TTL")
	}
	return nil
}

// Break implements distlease.Driver: unconditional delete regardless of
// the current ETag.
func (d *Driver) Break(ctx context.Context, name string) error {
	pk := d.partitionKey(name)
	_, err := d.container.DeleteItem(ctx, pk, name, nil)
	if err != nil && !isNotFound(err) {
		return distlease.NewDriverError(distlease.KindTransientUnavailable, "DeleteItem", err)
	}
	return nil
}
