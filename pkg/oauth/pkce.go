package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
)

// GenerateCodeVerifier returns a cryptographically random PKCE code
// verifier of the given length, per RFC 7636 (43-128 characters).
func GenerateCodeVerifier(length int) (string, error) {
	if length < 43 || length > 128 {
		return "", fmt.Errorf("oauth: code verifier length must be between 43 and 128, got %d", length)
	}
	raw := make([]byte, 96)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("oauth: generate code verifier: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(raw)
	if len(encoded) > length {
		encoded = encoded[:length]
	}
	return encoded, nil
}

// CodeChallengeS256 derives the S256 PKCE code challenge from a verifier.
func CodeChallengeS256(codeVerifier string) string {
	sum := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// VerifyCodeChallenge reports whether codeVerifier produces codeChallenge
// under S256, using a constant-time comparison.
func VerifyCodeChallenge(codeVerifier, codeChallenge string) bool {
	expected := CodeChallengeS256(codeVerifier)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(codeChallenge)) == 1
}
