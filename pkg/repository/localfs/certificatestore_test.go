package localfs

import (
	"context"
	"testing"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

func newCert(deviceID, serial string, ttl time.Duration) *repository.Certificate {
	now := time.Now()
	return &repository.Certificate{
		DeviceID:       deviceID,
		Serial:         serial,
		Platform:       "android",
		IssuedAt:       now.Add(-time.Minute),
		ExpiresAt:      now.Add(ttl),
		CertificatePEM: "-----BEGIN CERTIFICATE-----\nstub\n-----END CERTIFICATE-----",
	}
}

func TestCertificateStore_SaveAndLookup(t *testing.T) {
	store := NewCertificateStore(t.TempDir())
	ctx := context.Background()
	cert := newCert("device-1", "AAAA", time.Hour)

	if err := store.Save(ctx, cert); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.GetLatest(ctx, "device-1")
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got == nil || got.Serial != "AAAA" {
		t.Fatalf("GetLatest returned %+v", got)
	}

	bySerial, err := store.GetBySerial(ctx, "AAAA")
	if err != nil {
		t.Fatalf("GetBySerial: %v", err)
	}
	if bySerial == nil || bySerial.DeviceID != "device-1" {
		t.Fatalf("GetBySerial returned %+v", bySerial)
	}

	whitelisted, err := store.IsWhitelisted(ctx, "AAAA")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if !whitelisted {
		t.Error("expected freshly issued certificate to be whitelisted")
	}
}

func TestCertificateStore_RenewalOrphansOldSerial(t *testing.T) {
	store := NewCertificateStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, newCert("device-1", "OLD", time.Hour)); err != nil {
		t.Fatalf("Save old: %v", err)
	}
	if err := store.Save(ctx, newCert("device-1", "NEW", time.Hour)); err != nil {
		t.Fatalf("Save new: %v", err)
	}

	old, err := store.GetBySerial(ctx, "OLD")
	if err != nil {
		t.Fatalf("GetBySerial(OLD): %v", err)
	}
	if old != nil {
		t.Errorf("expected superseded serial to resolve to nothing, got %+v", old)
	}

	whitelisted, err := store.IsWhitelisted(ctx, "OLD")
	if err != nil {
		t.Fatalf("IsWhitelisted(OLD): %v", err)
	}
	if whitelisted {
		t.Error("superseded serial must not remain whitelisted")
	}

	revoked, err := store.RevokeBySerial(ctx, "device-1", "OLD", "superseded")
	if err != nil {
		t.Fatalf("RevokeBySerial(OLD): %v", err)
	}
	if !revoked {
		t.Error("RevokeBySerial on an already-superseded serial should report success as a no-op")
	}

	current, err := store.GetBySerial(ctx, "NEW")
	if err != nil {
		t.Fatalf("GetBySerial(NEW): %v", err)
	}
	if current == nil || current.Revoked {
		t.Errorf("revoking a superseded serial must not touch the current certificate, got %+v", current)
	}
}

func TestCertificateStore_Revoke(t *testing.T) {
	store := NewCertificateStore(t.TempDir())
	ctx := context.Background()

	ok, err := store.Revoke(ctx, "missing-device", "n/a")
	if err != nil {
		t.Fatalf("Revoke(missing): %v", err)
	}
	if ok {
		t.Error("expected Revoke for an unknown device to report false")
	}

	if err := store.Save(ctx, newCert("device-1", "AAAA", time.Hour)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	ok, err = store.Revoke(ctx, "device-1", "lost device")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !ok {
		t.Fatal("expected Revoke to succeed")
	}

	whitelisted, err := store.IsWhitelisted(ctx, "AAAA")
	if err != nil {
		t.Fatalf("IsWhitelisted: %v", err)
	}
	if whitelisted {
		t.Error("revoked certificate must not remain whitelisted")
	}
}

func TestCertificateStore_ListExpiring(t *testing.T) {
	store := NewCertificateStore(t.TempDir())
	ctx := context.Background()

	if err := store.Save(ctx, newCert("soon", "S1", time.Hour)); err != nil {
		t.Fatalf("Save soon: %v", err)
	}
	if err := store.Save(ctx, newCert("later", "S2", 90*24*time.Hour)); err != nil {
		t.Fatalf("Save later: %v", err)
	}

	expiring, err := store.ListExpiring(ctx, 30)
	if err != nil {
		t.Fatalf("ListExpiring: %v", err)
	}
	if len(expiring) != 1 || expiring[0].DeviceID != "soon" {
		t.Fatalf("expected only the soon-expiring certificate, got %+v", expiring)
	}
}

func TestSecretStore_GetMissingReturnsNotProvisioned(t *testing.T) {
	store := NewSecretStore(t.TempDir())
	ctx := context.Background()

	_, err := store.Get(ctx, repository.SecretCAPrivateKey)
	if err != repository.ErrSecretNotProvisioned {
		t.Fatalf("expected ErrSecretNotProvisioned, got %v", err)
	}

	if err := store.Put(ctx, repository.SecretCAPrivateKey, "shhh"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, err := store.Get(ctx, repository.SecretCAPrivateKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if value != "shhh" {
		t.Fatalf("expected round-tripped value, got %q", value)
	}
}
