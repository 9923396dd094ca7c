package attestation

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository/localfs"
)

func b64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// signedSafetyNetJWS builds a self-signed, internally-consistent SafetyNet
// JWS: a self-signed RSA leaf certificate carried in x5c, signing a header
// and payload with RS256. verifyChain accepts a self-signed leaf when no
// intermediates are presented, so this is enough to reach the nonce and
// integrity checks without a real Google-issued chain.
func signedSafetyNetJWS(t *testing.T, nonce string, ctsMatch, basicIntegrity bool) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "attest.android.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}

	header, err := json.Marshal(struct {
		Algorithm string   `json:"alg"`
		X5C       []string `json:"x5c"`
	}{Algorithm: "RS256", X5C: []string{base64.StdEncoding.EncodeToString(der)}})
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payload, err := json.Marshal(struct {
		Nonce           string `json:"nonce"`
		CTSProfileMatch bool   `json:"ctsProfileMatch"`
		BasicIntegrity  bool   `json:"basicIntegrity"`
	}{Nonce: nonce, CTSProfileMatch: ctsMatch, BasicIntegrity: basicIntegrity})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	signedInput := b64URL(header) + "." + b64URL(payload)
	digest := sha256.Sum256([]byte(signedInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signedInput + "." + b64URL(sig)
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	return NewService(cfg, localfs.NewSecretStore(t.TempDir()))
}

func TestVerifyDesktop_RejectsMalformedFingerprint(t *testing.T) {
	svc := newTestService(t, Config{})
	result := svc.VerifyDesktop(context.Background(), "device-1", "not-hex")
	if result.Status != StatusInvalid {
		t.Errorf("expected StatusInvalid, got %v", result.Status)
	}
}

func TestVerifyDesktop_AcceptsValidFingerprintWithinRateLimit(t *testing.T) {
	svc := newTestService(t, Config{DesktopRateLimitMax: 3, DesktopRateLimitWindow: time.Hour})
	fingerprint := strings.Repeat("ab", 32)

	result := svc.VerifyDesktop(context.Background(), "device-1", fingerprint)
	if result.Status != StatusValid {
		t.Errorf("expected StatusValid, got %v (%s)", result.Status, result.ErrorMessage)
	}
}

func TestVerifyDesktop_EnforcesRateLimit(t *testing.T) {
	svc := newTestService(t, Config{DesktopRateLimitMax: 2, DesktopRateLimitWindow: time.Hour})
	fingerprint := strings.Repeat("cd", 32)

	for i := 0; i < 2; i++ {
		result := svc.VerifyDesktop(context.Background(), "device-rl", fingerprint)
		svc.ClearCache() // each attempt must hit the rate limiter, not a cached result
		if result.Status != StatusValid {
			t.Fatalf("attempt %d: expected StatusValid, got %v", i, result.Status)
		}
	}

	result := svc.VerifyDesktop(context.Background(), "device-rl", fingerprint)
	if result.Status != StatusInvalid {
		t.Errorf("expected the 3rd attestation within the window to exceed the rate limit, got %v", result.Status)
	}
}

func TestVerifyDesktop_ResultIsCached(t *testing.T) {
	svc := newTestService(t, Config{})
	fingerprint := strings.Repeat("ef", 32)

	first := svc.VerifyDesktop(context.Background(), "device-cache", fingerprint)
	second := svc.VerifyDesktop(context.Background(), "device-cache", fingerprint)

	if first.Timestamp != second.Timestamp {
		t.Error("expected the second call within the cache TTL to return the cached result, not recompute")
	}
}

func TestVerifyDeviceCheck_UnsupportedWithoutCredentials(t *testing.T) {
	svc := newTestService(t, Config{})
	result := svc.VerifyDeviceCheck(context.Background(), "device-1", "token", "txn-1")
	if result.Status != StatusUnsupported {
		t.Errorf("expected StatusUnsupported without Apple credentials configured, got %v", result.Status)
	}
}

func TestVerifySafetyNet_RejectsMalformedToken(t *testing.T) {
	svc := newTestService(t, Config{})
	result := svc.VerifySafetyNet(context.Background(), "device-1", "not-a-jws", "nonce")
	if result.Status != StatusFailed {
		t.Errorf("expected StatusFailed for a malformed JWS, got %v", result.Status)
	}
}

func TestVerifySafetyNet_RejectsMissingCertificateChain(t *testing.T) {
	svc := newTestService(t, Config{})
	header := `{"alg":"RS256"}`
	payload := `{"nonce":"abc"}`
	token := b64URL([]byte(header)) + "." + b64URL([]byte(payload)) + "." + b64URL([]byte("sig"))

	result := svc.VerifySafetyNet(context.Background(), "device-1", token, "abc")
	if result.Status != StatusFailed {
		t.Errorf("expected StatusFailed for a JWS with no x5c chain, got %v", result.Status)
	}
}

func TestVerifySafetyNet_NonceMismatchIsNotCached(t *testing.T) {
	svc := newTestService(t, Config{})
	token := signedSafetyNetJWS(t, "expected-nonce", true, true)

	first := svc.VerifySafetyNet(context.Background(), "device-nonce", token, "wrong-nonce")
	if first.Status != StatusInvalid {
		t.Fatalf("expected StatusInvalid for a nonce mismatch, got %v", first.Status)
	}

	second := svc.VerifySafetyNet(context.Background(), "device-nonce", token, "wrong-nonce")
	if first.Timestamp == second.Timestamp {
		t.Error("expected a nonce mismatch not to be cached, but the second call returned the cached timestamp")
	}
}

func TestVerifySafetyNet_ValidResultIsCached(t *testing.T) {
	svc := newTestService(t, Config{})
	token := signedSafetyNetJWS(t, "matching-nonce", true, true)

	first := svc.VerifySafetyNet(context.Background(), "device-valid", token, "matching-nonce")
	if first.Status != StatusValid {
		t.Fatalf("expected StatusValid, got %v (%s)", first.Status, first.ErrorMessage)
	}

	second := svc.VerifySafetyNet(context.Background(), "device-valid", token, "matching-nonce")
	if first.Timestamp != second.Timestamp {
		t.Error("expected the second call within the cache TTL to return the cached result")
	}
}
