// Package enrollment coordinates device attestation, certificate
// authority signing, and the certificate registry into the four
// operations a device actually calls: enroll, renew, revoke, status.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/impalah/apuntador-ctrlplane/pkg/ca"
	"github.com/impalah/apuntador-ctrlplane/pkg/log"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// signingProblem translates a ca.SignCSR error into the specific taxonomy
// kind it belongs to, instead of collapsing every failure mode into
// INVALID_CSR: a CA that failed to provision or a registry write that
// failed are not the caller's fault and should not look like one.
func signingProblem(err error) error {
	switch {
	case errors.Is(err, ca.ErrNotProvisioned):
		return problem.New(problem.KindCANotProvisioned, err.Error())
	case errors.Is(err, ca.ErrPersistenceFailed):
		return problem.New(problem.KindPersistenceFailed, err.Error())
	case errors.Is(err, ca.ErrInvalidCSR):
		return problem.New(problem.KindInvalidCSR, err.Error())
	default:
		return problem.Internal(err)
	}
}

// Attestation is the minimal view of an attestation outcome enrollment
// needs to enforce its gating policy.
type Attestation struct {
	Provided bool
	Valid    bool
	Reason   string
}

// Coordinator wires C5's attestation outcome into C2's signing decision
// and keeps the certificate registry (C1) consistent across renewal.
type Coordinator struct {
	ca    *ca.CA
	certs repository.CertificateStore
}

func New(authority *ca.CA, certs repository.CertificateStore) *Coordinator {
	return &Coordinator{ca: authority, certs: certs}
}

// Result carries the signed certificate plus the CA's own certificate,
// which every enroll/renew response includes so the device can build its
// truststore.
type Result struct {
	Certificate *repository.Certificate
	CACertPEM   string
}

// Enroll signs a CSR for a new device. When attestation was performed by
// the caller, it must have come back VALID; a failed or invalid
// attestation is surfaced as the corresponding Problem rather than
// silently skipped. When attestation is altogether absent, enrollment
// proceeds — enforcing attestation on specific platforms is a deployment
// policy layered on top of this coordinator, not a hardcoded rule here.
func (c *Coordinator) Enroll(ctx context.Context, csrPEM, deviceID, platform string, attestation *Attestation) (*Result, error) {
	if attestation != nil && attestation.Provided && !attestation.Valid {
		return nil, problem.New(problem.KindAttestationInvalid, attestation.Reason)
	}

	cert, err := c.ca.SignCSR(ctx, csrPEM, deviceID, platform)
	if err != nil {
		return nil, signingProblem(err)
	}

	caCertPEM, err := c.ca.CertificatePEM(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: load CA certificate: %w", err)
	}

	log.WithDeviceID(deviceID).Info("device enrolled")
	return &Result{Certificate: cert, CACertPEM: caCertPEM}, nil
}

// Renew issues a fresh certificate for an already-enrolled device,
// carrying the platform forward from the device's current certificate,
// then revokes the superseded one by its specific serial. The new
// certificate is persisted before the old one is revoked: a caller that
// observes success is guaranteed a valid certificate exists even if the
// subsequent revoke step below fails and has to be retried out of band.
// Revoking by the captured old serial, rather than "whatever is latest
// for this device now", matters because the new certificate becomes the
// device's latest the instant SignCSR persists it — a device-scoped
// revoke issued afterward would revoke the certificate just issued
// instead of the one it was meant to supersede.
func (c *Coordinator) Renew(ctx context.Context, newCSRPEM, deviceID, oldSerial string) (*Result, error) {
	latest, err := c.certs.GetLatest(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("enrollment: load current certificate: %w", err)
	}
	if latest == nil {
		return nil, problem.New(problem.KindNotFound, "no certificate on file for this device")
	}
	if !strings.EqualFold(latest.Serial, oldSerial) {
		return nil, problem.New(problem.KindSerialMismatch, "supplied serial does not match the device's current certificate")
	}
	supersededSerial := latest.Serial

	cert, err := c.ca.SignCSR(ctx, newCSRPEM, deviceID, latest.Platform)
	if err != nil {
		return nil, signingProblem(err)
	}

	if _, err := c.certs.RevokeBySerial(ctx, deviceID, supersededSerial, "superseded by renewal"); err != nil {
		log.Errorf("enrollment: failed to revoke superseded certificate "+supersededSerial+", will need reconciliation: %v", err)
	}

	caCertPEM, err := c.ca.CertificatePEM(ctx)
	if err != nil {
		return nil, fmt.Errorf("enrollment: load CA certificate: %w", err)
	}

	log.WithDeviceID(deviceID).Info("device certificate renewed")
	return &Result{Certificate: cert, CACertPEM: caCertPEM}, nil
}

// Revoke revokes the device's current certificate.
func (c *Coordinator) Revoke(ctx context.Context, deviceID, reason string) (bool, error) {
	return c.certs.Revoke(ctx, deviceID, reason)
}

// Status returns the device's current certificate record, or nil if it
// has never enrolled.
func (c *Coordinator) Status(ctx context.Context, deviceID string) (*repository.Certificate, error) {
	return c.certs.GetLatest(ctx, deviceID)
}
