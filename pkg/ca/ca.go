// Package ca implements the private certificate authority that signs
// short-lived client certificates for enrolled devices.
package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

const (
	rootKeySize    = 4096
	rootValidity   = 10 * 365 * 24 * time.Hour
	caOrganization = "Apuntador"
	caCommonName   = "Apuntador Device CA"
	deviceOrg      = "Apuntador Devices"
)

// validityDays maps a device platform to its certificate lifetime. Web is
// intentionally very short: it is meant to back a browser session, not a
// durable identity.
var validityDays = map[string]int{
	"android": 30,
	"ios":     30,
	"desktop": 7,
	"web":     1,
}

const defaultValidityDays = 7

// ErrNotProvisioned wraps a failure to load or bootstrap the root
// keypair: the CA isn't usable yet, independent of anything about the
// CSR presented to it.
var ErrNotProvisioned = errors.New("ca: not provisioned")

// ErrInvalidCSR wraps a structurally or cryptographically invalid CSR:
// bad PEM, unparseable ASN.1, or a self-signature that doesn't verify.
var ErrInvalidCSR = errors.New("ca: invalid CSR")

// ErrPersistenceFailed wraps a failure to persist an issued certificate
// to the registry after it was already signed.
var ErrPersistenceFailed = errors.New("ca: persistence failed")

func validityFor(platform string) time.Duration {
	days, ok := validityDays[strings.ToLower(platform)]
	if !ok {
		days = defaultValidityDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// CA signs device certificates against a lazily-loaded root keypair. The
// keypair is bootstrapped once per process (Initialize or LoadFromStore)
// and held in memory afterward; SecretStore is the durable source of
// truth across restarts.
type CA struct {
	secrets repository.SecretStore
	certs   repository.CertificateStore

	once     sync.Once
	loadErr  error
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
}

func New(secrets repository.SecretStore, certs repository.CertificateStore) *CA {
	return &CA{secrets: secrets, certs: certs}
}

// ensureLoaded loads the root keypair from the secret store on first use,
// bootstrapping it if absent. Subsequent calls are free.
func (ca *CA) ensureLoaded(ctx context.Context) error {
	ca.once.Do(func() {
		ca.loadErr = ca.loadOrBootstrap(ctx)
	})
	return ca.loadErr
}

func (ca *CA) loadOrBootstrap(ctx context.Context) error {
	keyPEM, err := ca.secrets.Get(ctx, repository.SecretCAPrivateKey)
	if err == repository.ErrSecretNotProvisioned {
		return ca.bootstrap(ctx)
	}
	if err != nil {
		return fmt.Errorf("ca: load private key: %w", err)
	}
	certPEM, err := ca.secrets.Get(ctx, repository.SecretCACertificate)
	if err != nil {
		return fmt.Errorf("ca: load certificate: %w", err)
	}

	key, err := parseRSAPrivateKeyPEM(keyPEM)
	if err != nil {
		return fmt.Errorf("ca: parse private key: %w", err)
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return fmt.Errorf("ca: parse certificate: %w", err)
	}

	ca.rootKey = key
	ca.rootCert = cert
	return nil
}

// bootstrap generates a fresh root keypair and self-signed certificate,
// then persists both so future process starts call LoadFromStore instead.
func (ca *CA) bootstrap(ctx context.Context) error {
	key, err := rsa.GenerateKey(rand.Reader, rootKeySize)
	if err != nil {
		return fmt.Errorf("ca: generate root key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return fmt.Errorf("ca: generate root serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{caOrganization},
			CommonName:   caCommonName,
		},
		NotBefore:             now,
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		IsCA:                  true,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("ca: create root certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("ca: parse root certificate: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	if err := ca.secrets.Put(ctx, repository.SecretCAPrivateKey, string(keyPEM)); err != nil {
		return fmt.Errorf("ca: persist root key: %w", err)
	}
	if err := ca.secrets.Put(ctx, repository.SecretCACertificate, string(certPEM)); err != nil {
		return fmt.Errorf("ca: persist root certificate: %w", err)
	}

	ca.rootKey = key
	ca.rootCert = cert
	return nil
}

func randomSerial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
}

func parseRSAPrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

func parseCertificatePEM(s string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// SignCSR validates and signs a PEM-encoded CSR for deviceID, issuing a
// client-auth certificate with the platform's standard validity window.
func (ca *CA) SignCSR(ctx context.Context, csrPEM, deviceID, platform string) (*repository.Certificate, error) {
	if err := ca.ensureLoaded(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotProvisioned, err)
	}

	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrInvalidCSR)
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSR, err)
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, fmt.Errorf("%w: signature is invalid: %v", ErrInvalidCSR, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("ca: generate serial: %w", err)
	}
	serialHex := fmt.Sprintf("%032X", serial)

	now := time.Now()
	notAfter := now.Add(validityFor(platform))

	ski, err := subjectKeyIdentifier(csr.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ca: derive subject key identifier: %w", err)
	}
	aki, err := subjectKeyIdentifier(ca.rootCert.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("ca: derive authority key identifier: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   deviceID,
			Organization: []string{deviceOrg},
		},
		Issuer:                ca.rootCert.Subject,
		NotBefore:             now,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          ski,
		AuthorityKeyId:        aki,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, csr.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("ca: sign certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	cert := &repository.Certificate{
		DeviceID:       deviceID,
		Serial:         serialHex,
		Platform:       platform,
		IssuedAt:       now,
		ExpiresAt:      notAfter,
		CertificatePEM: string(certPEM),
	}

	if err := ca.certs.Save(ctx, cert); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return cert, nil
}

func subjectKeyIdentifier(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// Verify checks that certPEM was issued by this CA, chains to its
// current root, and is within its validity window. It does not consult
// the whitelist; callers that need revocation awareness should also
// check CertificateStore.IsWhitelisted.
func (ca *CA) Verify(ctx context.Context, certPEM string) (bool, error) {
	if err := ca.ensureLoaded(ctx); err != nil {
		return false, err
	}
	cert, err := parseCertificatePEM(certPEM)
	if err != nil {
		return false, nil
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca.rootCert)
	opts := x509.VerifyOptions{
		Roots:     pool,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	if _, err := cert.Verify(opts); err != nil {
		return false, nil
	}
	return true, nil
}

// Revoke marks the device's current certificate revoked.
func (ca *CA) Revoke(ctx context.Context, deviceID, reason string) (bool, error) {
	return ca.certs.Revoke(ctx, deviceID, reason)
}

// ListExpiring returns certificates expiring within days.
func (ca *CA) ListExpiring(ctx context.Context, days int) ([]*repository.Certificate, error) {
	return ca.certs.ListExpiring(ctx, days)
}

// CertificatePEM returns the CA's own certificate, for distribution to
// devices as a truststore anchor.
func (ca *CA) CertificatePEM(ctx context.Context) (string, error) {
	if err := ca.ensureLoaded(ctx); err != nil {
		return "", err
	}
	return ca.secrets.Get(ctx, repository.SecretCACertificate)
}

// SPKIFingerprint returns the SHA-256 fingerprint of the CA certificate's
// subject public key info, for certificate pinning by provisioned
// devices.
func (ca *CA) SPKIFingerprint(ctx context.Context) (string, error) {
	if err := ca.ensureLoaded(ctx); err != nil {
		return "", err
	}
	der, err := x509.MarshalPKIXPublicKey(ca.rootCert.PublicKey)
	if err != nil {
		return "", fmt.Errorf("ca: marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return fmt.Sprintf("%x", sum), nil
}
