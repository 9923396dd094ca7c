// Package mtls implements the HTTP gateway that validates proxy-forwarded
// client certificates and attaches the resulting device identity to the
// request context.
package mtls

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/log"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// exemptPaths bypass validation entirely: public health checks and docs.
var exemptPaths = map[string]bool{
	"/":              true,
	"/health":        true,
	"/health/public": true,
	"/ready":         true,
}

// exemptPrefixes bypass validation for whole subtrees: browser-facing
// OAuth redirects, the config endpoints web clients poll directly, and
// attestation, which by definition runs before a device has a certificate.
var exemptPrefixes = []string{"/oauth/", "/config/", "/device/attest/"}

// exemptExact bypasses validation for specific device endpoints that by
// definition run before a certificate exists.
var exemptExact = map[string]bool{
	"/device/enroll":             true,
	"/device/ca-certificate":     true,
	"/device/ca-certificate-pin": true,
}

func isExempt(path string) bool {
	if exemptPaths[path] || exemptExact[path] {
		return true
	}
	for _, prefix := range exemptPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Identity is the device identity established by a validated client
// certificate, attached to the request context for downstream handlers.
type Identity struct {
	DeviceID string
	Serial   string
	Platform string
}

type contextKey struct{}

// FromContext retrieves the Identity attached by the Gateway middleware,
// if any.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(Identity)
	return id, ok
}

// Verifier checks that a certificate chains to the CA's current root; it
// is satisfied by *ca.CA without mtls importing the ca package directly.
type Verifier interface {
	Verify(ctx context.Context, certPEM string) (bool, error)
}

// Gateway is the mTLS validation middleware.
type Gateway struct {
	certs    repository.CertificateStore
	verifier Verifier
}

func NewGateway(certs repository.CertificateStore, verifier Verifier) *Gateway {
	return &Gateway{certs: certs, verifier: verifier}
}

// Middleware wraps next with client-certificate validation, skipping
// exempt paths untouched.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		timer := metrics.NewTimer()

		certPEM := extractCertificate(r)
		if certPEM == "" {
			timer.ObserveDuration(metrics.MTLSValidationDuration)
			metrics.MTLSValidationsTotal.WithLabelValues("missing").Inc()
			problem.Write(w, problem.New(problem.KindCertMissing, "client certificate required for this endpoint"))
			return
		}

		identity, err := g.validate(r.Context(), certPEM)
		timer.ObserveDuration(metrics.MTLSValidationDuration)
		if err != nil {
			if p, ok := err.(*problem.Problem); ok {
				metrics.MTLSValidationsTotal.WithLabelValues("rejected").Inc()
				problem.Write(w, p)
				return
			}
			metrics.MTLSValidationsTotal.WithLabelValues("error").Inc()
			problem.Write(w, problem.Internal(err))
			return
		}
		metrics.MTLSValidationsTotal.WithLabelValues("accepted").Inc()

		log.WithDeviceID(identity.DeviceID).Info("mtls validation succeeded")
		ctx := context.WithValue(r.Context(), contextKey{}, *identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// validate runs the seven-step pipeline: parse, chain-verify against the
// CA, validity window, serial lookup, and revocation check. Each step
// short-circuits with the Problem kind specific to that failure, rather
// than collapsing every rejection into one tag, so a caller can tell an
// expired certificate from a revoked or unknown one. An error that is not
// a *problem.Problem signals an infrastructure failure (verifier/store),
// not a rejected certificate.
func (g *Gateway) validate(ctx context.Context, certPEM string) (*Identity, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, problem.New(problem.KindCertMalformed, "client certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, problem.New(problem.KindCertMalformed, "client certificate could not be parsed")
	}

	chainOK, err := g.verifier.Verify(ctx, certPEM)
	if err != nil {
		return nil, fmt.Errorf("mtls: chain verification: %w", err)
	}
	if !chainOK {
		return nil, problem.New(problem.KindCertUnknown, "client certificate does not chain to a trusted authority")
	}

	now := time.Now()
	if now.Before(cert.NotBefore) {
		return nil, problem.New(problem.KindCertNotYetValid, "client certificate is not yet valid")
	}
	if now.After(cert.NotAfter) {
		return nil, problem.New(problem.KindCertExpired, "client certificate has expired")
	}

	serial := fmt.Sprintf("%032X", cert.SerialNumber)
	record, err := g.certs.GetBySerial(ctx, serial)
	if err != nil {
		return nil, fmt.Errorf("mtls: lookup serial: %w", err)
	}
	if record == nil {
		return nil, problem.New(problem.KindCertNotWhitelisted, "client certificate is not whitelisted")
	}
	if record.Revoked {
		return nil, problem.New(problem.KindCertRevoked, "client certificate has been revoked")
	}

	return &Identity{DeviceID: record.DeviceID, Serial: serial, Platform: record.Platform}, nil
}

var xfccCertPattern = regexp.MustCompile(`Cert="([^"]+)"`)

// extractCertificate supports the three proxy-forwarded client
// certificate header conventions in common use: AWS API Gateway /
// Cloudflare / Nginx style raw-PEM headers, and Envoy/Istio's
// X-Forwarded-Client-Cert base64-DER format.
func extractCertificate(r *http.Request) string {
	for _, header := range []string{"X-Client-Cert", "X-SSL-Client-Cert"} {
		v := r.Header.Get(header)
		if v == "" {
			continue
		}
		v = strings.ReplaceAll(v, "%0A", "\n")
		v = strings.ReplaceAll(v, "%20", " ")
		if !strings.HasPrefix(v, "-----BEGIN CERTIFICATE-----") {
			v = "-----BEGIN CERTIFICATE-----\n" + v + "\n-----END CERTIFICATE-----"
		}
		return v
	}

	xfcc := r.Header.Get("X-Forwarded-Client-Cert")
	if xfcc == "" {
		return ""
	}
	match := xfccCertPattern.FindStringSubmatch(xfcc)
	if match == nil {
		return ""
	}
	der, err := base64.StdEncoding.DecodeString(match[1])
	if err != nil {
		return ""
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
