package enrollment

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"testing"

	"github.com/impalah/apuntador-ctrlplane/pkg/ca"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
	"github.com/impalah/apuntador-ctrlplane/pkg/repository/localfs"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *ca.CA) {
	t.Helper()
	dir := t.TempDir()
	certs := localfs.NewCertificateStore(dir)
	authority := ca.New(localfs.NewSecretStore(dir), certs)
	return New(authority, certs), authority
}

func generateCSRPEM(t *testing.T, commonName string) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.CertificateRequest{Subject: pkix.Name{CommonName: commonName}}
	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		t.Fatalf("create CSR: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}))
}

func problemKind(t *testing.T, err error) problem.Kind {
	t.Helper()
	var p *problem.Problem
	if !errors.As(err, &p) {
		t.Fatalf("expected a *problem.Problem, got %T: %v", err, err)
	}
	return p.Kind
}

func TestCoordinator_Enroll(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()
	csrPEM := generateCSRPEM(t, "device-1")

	result, err := coordinator.Enroll(ctx, csrPEM, "device-1", "android", nil)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	if result.Certificate.DeviceID != "device-1" || result.CACertPEM == "" {
		t.Errorf("unexpected enroll result: %+v", result)
	}
}

func TestCoordinator_Enroll_RejectsFailedAttestation(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()
	csrPEM := generateCSRPEM(t, "device-1")

	_, err := coordinator.Enroll(ctx, csrPEM, "device-1", "android", &Attestation{Provided: true, Valid: false, Reason: "rooted device"})
	if err == nil {
		t.Fatal("expected Enroll to reject a failed attestation")
	}
	if kind := problemKind(t, err); kind != problem.KindAttestationInvalid {
		t.Errorf("expected KindAttestationInvalid, got %v", kind)
	}
}

func TestCoordinator_Enroll_AllowsAbsentAttestation(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()
	csrPEM := generateCSRPEM(t, "device-1")

	if _, err := coordinator.Enroll(ctx, csrPEM, "device-1", "android", &Attestation{Provided: false}); err != nil {
		t.Errorf("expected an unprovided attestation not to block enrollment, got %v", err)
	}
}

func TestCoordinator_Enroll_RejectsMalformedCSR(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coordinator.Enroll(ctx, "not a csr", "device-1", "android", nil)
	if err == nil {
		t.Fatal("expected Enroll to reject a malformed CSR")
	}
	if kind := problemKind(t, err); kind != problem.KindInvalidCSR {
		t.Errorf("expected KindInvalidCSR for a malformed CSR, got %v", kind)
	}
}

func TestCoordinator_Renew(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	enrolled, err := coordinator.Enroll(ctx, generateCSRPEM(t, "device-1"), "device-1", "android", nil)
	if err != nil {
		t.Fatalf("Enroll: %v", err)
	}
	oldSerial := enrolled.Certificate.Serial

	renewed, err := coordinator.Renew(ctx, generateCSRPEM(t, "device-1"), "device-1", oldSerial)
	if err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if renewed.Certificate.Serial == oldSerial {
		t.Error("expected Renew to mint a new serial")
	}
	if renewed.Certificate.Platform != "android" {
		t.Errorf("expected Renew to carry the platform forward, got %q", renewed.Certificate.Platform)
	}

	status, err := coordinator.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Serial != renewed.Certificate.Serial {
		t.Errorf("expected Status to reflect the renewed certificate, got %+v", status)
	}
}

func TestCoordinator_Renew_RejectsSerialMismatch(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := coordinator.Enroll(ctx, generateCSRPEM(t, "device-1"), "device-1", "android", nil); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	_, err := coordinator.Renew(ctx, generateCSRPEM(t, "device-1"), "device-1", "WRONGSERIAL")
	if err == nil {
		t.Fatal("expected Renew to reject a stale serial")
	}
	if kind := problemKind(t, err); kind != problem.KindSerialMismatch {
		t.Errorf("expected KindSerialMismatch, got %v", kind)
	}
}

func TestCoordinator_Renew_RejectsUnknownDevice(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := coordinator.Renew(ctx, generateCSRPEM(t, "device-1"), "never-enrolled", "AAAA")
	if err == nil {
		t.Fatal("expected Renew to reject an unenrolled device")
	}
	if kind := problemKind(t, err); kind != problem.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", kind)
	}
}

func TestCoordinator_RevokeAndStatus(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	ctx := context.Background()

	if _, err := coordinator.Enroll(ctx, generateCSRPEM(t, "device-1"), "device-1", "android", nil); err != nil {
		t.Fatalf("Enroll: %v", err)
	}

	ok, err := coordinator.Revoke(ctx, "device-1", "lost device")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if !ok {
		t.Fatal("expected Revoke to succeed")
	}

	status, err := coordinator.Status(ctx, "device-1")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status == nil || !status.Revoked {
		t.Errorf("expected Status to reflect the revocation, got %+v", status)
	}
}

func TestCoordinator_Status_UnknownDeviceReturnsNil(t *testing.T) {
	coordinator, _ := newTestCoordinator(t)
	status, err := coordinator.Status(context.Background(), "never-enrolled")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != nil {
		t.Errorf("expected nil for an unenrolled device, got %+v", status)
	}
}
