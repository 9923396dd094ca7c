// Package repository defines the pluggable infrastructure abstraction:
// CertificateStore, SecretStore, and BlobStore. Concrete backends live in
// the localfs and cloud subpackages; Factory selects between them.
package repository

import (
	"context"
	"time"
)

// Certificate is one registry record for a (device_id, serial) pair.
type Certificate struct {
	DeviceID         string
	Serial           string
	Platform         string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	CertificatePEM   string
	Revoked          bool
	RevokedAt        *time.Time
	RevocationReason string
}

// CertificateStore is the single authoritative registry of issued device
// certificates. Implementations must give at-least last-write-wins
// semantics scoped to (device_id, serial); readers must never observe a
// torn write.
type CertificateStore interface {
	// Save upserts by (device_id, serial). Idempotent.
	Save(ctx context.Context, cert *Certificate) error

	// GetLatest returns the most-recently-issued record for a device, or
	// nil if none exists.
	GetLatest(ctx context.Context, deviceID string) (*Certificate, error)

	// GetBySerial is the indexed lookup used on the mTLS hot path.
	GetBySerial(ctx context.Context, serial string) (*Certificate, error)

	// IsWhitelisted is the single authoritative predicate used by the mTLS
	// gateway: true iff a record exists, is not revoked, and now is within
	// [issued_at, expires_at].
	IsWhitelisted(ctx context.Context, serial string) (bool, error)

	// Revoke marks the latest certificate for deviceID revoked. Returns
	// false if no certificate exists for the device.
	Revoke(ctx context.Context, deviceID string, reason string) (bool, error)

	// RevokeBySerial marks the specific (device_id, serial) record
	// revoked, independent of whichever record is currently latest for
	// the device. Renewal uses this to revoke the superseded certificate
	// without risking a race against the newly-issued one becoming
	// latest first. Returns false if no such record exists.
	RevokeBySerial(ctx context.Context, deviceID, serial, reason string) (bool, error)

	// ListExpiring returns all non-revoked records expiring within days.
	ListExpiring(ctx context.Context, days int) ([]*Certificate, error)

	// ListAll enumerates every record; cloud implementations must still
	// provide the indexed GetBySerial rather than relying on this as a
	// fallback in the hot path.
	ListAll(ctx context.Context) ([]*Certificate, error)
}

// ErrSecretNotProvisioned is returned by SecretStore.Get for the
// well-known CA key/certificate secrets when they have not yet been
// provisioned, so callers can surface a setup problem distinctly from a
// generic lookup miss.
var ErrSecretNotProvisioned = &notProvisionedError{}

type notProvisionedError struct{}

func (*notProvisionedError) Error() string { return "secret not provisioned" }

const (
	// SecretCAPrivateKey and SecretCACertificate are the well-known keys
	// under which the process-wide CA keypair is stored.
	SecretCAPrivateKey  = "ca-private-key"
	SecretCACertificate = "ca-certificate"
)

// SecretStore holds small encrypted-at-rest values: the CA keypair and
// miscellaneous provider credentials / rate-limit counters.
type SecretStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// BlobStore holds larger opaque byte payloads (exported certificate
// bundles, device enrollment artifacts).
type BlobStore interface {
	Upload(ctx context.Context, key string, content []byte, contentType string) (uri string, err error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// Repositories bundles the three stores a running process needs.
type Repositories struct {
	Certificates CertificateStore
	Secrets      SecretStore
	Blobs        BlobStore
}

// FactoryConfig carries every provider-specific parameter the two
// reference backends need.
type FactoryConfig struct {
	Provider            string // "local" or "cloud"
	BaseDir             string // LOCAL
	CloudRegion         string
	CloudTableName      string
	CloudBucketName     string
	CloudSecretsPrefix  string
	AutoCreateResources bool
}
