package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// CertificateStore is the filesystem-backed CertificateStore: one JSON
// record per device at certificates/{device_id}.json, plus a pointer
// file at serials/{serial}.json resolving serial -> device_id for the
// indexed GetBySerial / IsWhitelisted lookups the mTLS gateway needs on
// the hot path. A device has exactly one current record; issuing a new
// certificate overwrites it, which is what makes the old serial stop
// resolving to a whitelisted record without any separate bookkeeping.
type CertificateStore struct {
	baseDir string
}

func NewCertificateStore(baseDir string) *CertificateStore {
	return &CertificateStore{baseDir: baseDir}
}

func (s *CertificateStore) certsDir() string   { return filepath.Join(s.baseDir, "certificates") }
func (s *CertificateStore) serialsDir() string { return filepath.Join(s.baseDir, "serials") }

func (s *CertificateStore) certPath(deviceID string) string {
	return filepath.Join(s.certsDir(), deviceID+".json")
}

func (s *CertificateStore) serialPath(serial string) string {
	return filepath.Join(s.serialsDir(), serial+".json")
}

type certRecord struct {
	DeviceID         string     `json:"device_id"`
	Serial           string     `json:"serial"`
	Platform         string     `json:"platform"`
	IssuedAt         time.Time  `json:"issued_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	CertificatePEM   string     `json:"certificate_pem"`
	Revoked          bool       `json:"revoked"`
	RevokedAt        *time.Time `json:"revoked_at,omitempty"`
	RevocationReason string     `json:"revocation_reason,omitempty"`
}

type serialPointer struct {
	DeviceID string `json:"device_id"`
}

func toRecord(c *repository.Certificate) certRecord {
	return certRecord{
		DeviceID:         c.DeviceID,
		Serial:           c.Serial,
		Platform:         c.Platform,
		IssuedAt:         c.IssuedAt,
		ExpiresAt:        c.ExpiresAt,
		CertificatePEM:   c.CertificatePEM,
		Revoked:          c.Revoked,
		RevokedAt:        c.RevokedAt,
		RevocationReason: c.RevocationReason,
	}
}

func (r certRecord) toCertificate() *repository.Certificate {
	return &repository.Certificate{
		DeviceID:         r.DeviceID,
		Serial:           r.Serial,
		Platform:         r.Platform,
		IssuedAt:         r.IssuedAt,
		ExpiresAt:        r.ExpiresAt,
		CertificatePEM:   r.CertificatePEM,
		Revoked:          r.Revoked,
		RevokedAt:        r.RevokedAt,
		RevocationReason: r.RevocationReason,
	}
}

// Save upserts the device's current record and its serial pointer as a
// single atomic commit. A prior serial's pointer file, if any, is left in
// place but becomes orphaned: GetBySerial resolves it back to the device
// record and then rejects it on a serial mismatch, so it reads as "not
// found" rather than pointing at stale data.
func (s *CertificateStore) Save(ctx context.Context, cert *repository.Certificate) error {
	recBytes, err := json.Marshal(toRecord(cert))
	if err != nil {
		return fmt.Errorf("localfs: marshal certificate record: %w", err)
	}
	ptrBytes, err := json.Marshal(serialPointer{DeviceID: cert.DeviceID})
	if err != nil {
		return fmt.Errorf("localfs: marshal serial pointer: %w", err)
	}
	return writeFilesAtomically(map[string][]byte{
		s.certPath(cert.DeviceID): recBytes,
		s.serialPath(cert.Serial): ptrBytes,
	}, 0o644)
}

func (s *CertificateStore) readRecord(deviceID string) (*certRecord, error) {
	data, err := os.ReadFile(s.certPath(deviceID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read certificate record: %w", err)
	}
	var rec certRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("localfs: decode certificate record: %w", err)
	}
	return &rec, nil
}

func (s *CertificateStore) GetLatest(ctx context.Context, deviceID string) (*repository.Certificate, error) {
	rec, err := s.readRecord(deviceID)
	if err != nil || rec == nil {
		return nil, err
	}
	return rec.toCertificate(), nil
}

func (s *CertificateStore) GetBySerial(ctx context.Context, serial string) (*repository.Certificate, error) {
	data, err := os.ReadFile(s.serialPath(serial))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: read serial pointer: %w", err)
	}
	var ptr serialPointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, fmt.Errorf("localfs: decode serial pointer: %w", err)
	}
	rec, err := s.readRecord(ptr.DeviceID)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Serial != serial {
		// The device's current record has since been superseded by a
		// later certificate; this serial no longer resolves to anything.
		return nil, nil
	}
	return rec.toCertificate(), nil
}

func (s *CertificateStore) IsWhitelisted(ctx context.Context, serial string) (bool, error) {
	cert, err := s.GetBySerial(ctx, serial)
	if err != nil || cert == nil {
		return false, err
	}
	now := time.Now()
	if cert.Revoked || now.Before(cert.IssuedAt) || now.After(cert.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// Revoke marks the device's current certificate revoked.
func (s *CertificateStore) Revoke(ctx context.Context, deviceID string, reason string) (bool, error) {
	latest, err := s.GetLatest(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if latest == nil {
		return false, nil
	}
	return s.RevokeBySerial(ctx, deviceID, latest.Serial, reason)
}

// RevokeBySerial revokes the device's current record only if it is still
// the named serial. If the device's record has already moved on to a
// later serial (the case a renewal leaves behind), the old serial is
// already unresolvable via GetBySerial/IsWhitelisted, so there is nothing
// left to mark and this reports success without writing anything —
// revoking the device's now-current (and unrelated) certificate would be
// wrong.
func (s *CertificateStore) RevokeBySerial(ctx context.Context, deviceID, serial, reason string) (bool, error) {
	rec, err := s.readRecord(deviceID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, nil
	}
	if rec.Serial != serial {
		return true, nil
	}
	now := time.Now()
	rec.Revoked = true
	rec.RevokedAt = &now
	rec.RevocationReason = reason
	return true, s.Save(ctx, rec.toCertificate())
}

func (s *CertificateStore) ListAll(ctx context.Context) ([]*repository.Certificate, error) {
	entries, err := os.ReadDir(s.certsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list certificates dir: %w", err)
	}
	out := make([]*repository.Certificate, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		deviceID := e.Name()[:len(e.Name())-len(".json")]
		rec, err := s.readRecord(deviceID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec.toCertificate())
		}
	}
	return out, nil
}

func (s *CertificateStore) ListExpiring(ctx context.Context, days int) ([]*repository.Certificate, error) {
	all, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(time.Duration(days) * 24 * time.Hour)
	out := make([]*repository.Certificate, 0)
	for _, c := range all {
		if !c.Revoked && c.ExpiresAt.Before(cutoff) {
			out = append(out, c)
		}
	}
	return out, nil
}

var _ repository.CertificateStore = (*CertificateStore)(nil)
