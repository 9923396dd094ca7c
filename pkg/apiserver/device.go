package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/impalah/apuntador-ctrlplane/pkg/enrollment"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/mtls"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
)

type enrollRequest struct {
	CSRPEM            string `json:"csr_pem"`
	DeviceID          string `json:"device_id"`
	Platform          string `json:"platform"`
	AttestationStatus string `json:"attestation_status,omitempty"`
	AttestationReason string `json:"attestation_reason,omitempty"`
}

type certificateResponse struct {
	DeviceID       string `json:"device_id"`
	Serial         string `json:"serial"`
	Platform       string `json:"platform"`
	IssuedAt       string `json:"issued_at"`
	ExpiresAt      string `json:"expires_at"`
	CertificatePEM string `json:"certificate_pem"`
	CACertPEM      string `json:"ca_certificate_pem"`
}

func (s *Server) handleDeviceEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.CSRPEM == "" || req.DeviceID == "" || req.Platform == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "csr_pem, device_id, and platform are required"))
		return
	}

	var att *enrollment.Attestation
	if req.AttestationStatus != "" {
		att = &enrollment.Attestation{
			Provided: true,
			Valid:    req.AttestationStatus == "VALID",
			Reason:   req.AttestationReason,
		}
	}

	timer := metrics.NewTimer()
	result, err := s.enrollment.Enroll(r.Context(), req.CSRPEM, req.DeviceID, req.Platform, att)
	timer.ObserveDuration(metrics.CertificateSignDuration)
	if err != nil {
		metrics.DeviceEnrollmentsTotal.WithLabelValues("failure").Inc()
		problem.Write(w, problem.As(err))
		return
	}
	metrics.DeviceEnrollmentsTotal.WithLabelValues("success").Inc()
	metrics.CertificatesIssuedTotal.WithLabelValues(req.Platform).Inc()
	writeCertificateResponse(w, result)
}

type renewRequest struct {
	CSRPEM    string `json:"csr_pem"`
	OldSerial string `json:"old_serial"`
}

func (s *Server) handleDeviceRenew(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	identity, ok := mtls.FromContext(r.Context())
	if !ok {
		problem.Write(w, problem.New(problem.KindCertMissing, "client certificate required"))
		return
	}

	var req renewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.CSRPEM == "" || req.OldSerial == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "csr_pem and old_serial are required"))
		return
	}

	timer := metrics.NewTimer()
	result, err := s.enrollment.Renew(r.Context(), req.CSRPEM, identity.DeviceID, req.OldSerial)
	timer.ObserveDuration(metrics.CertificateSignDuration)
	if err != nil {
		metrics.DeviceRenewalsTotal.WithLabelValues("failure").Inc()
		problem.Write(w, problem.As(err))
		return
	}
	metrics.DeviceRenewalsTotal.WithLabelValues("success").Inc()
	metrics.CertificatesIssuedTotal.WithLabelValues(result.Certificate.Platform).Inc()
	writeCertificateResponse(w, result)
}

type revokeRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleDeviceRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	identity, ok := mtls.FromContext(r.Context())
	if !ok {
		problem.Write(w, problem.New(problem.KindCertMissing, "client certificate required"))
		return
	}

	var req revokeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "revoked by device"
	}

	revoked, err := s.enrollment.Revoke(r.Context(), identity.DeviceID, req.Reason)
	if err != nil {
		problem.Write(w, problem.As(err))
		return
	}
	if !revoked {
		problem.Write(w, problem.New(problem.KindNotFound, "no certificate on file for this device"))
		return
	}
	metrics.CertificatesRevokedTotal.WithLabelValues(req.Reason).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	deviceID := strings.TrimPrefix(r.URL.Path, "/device/status/")
	if deviceID == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "device_id is required"))
		return
	}

	cert, err := s.enrollment.Status(r.Context(), deviceID)
	if err != nil {
		problem.Write(w, problem.As(err))
		return
	}
	if cert == nil {
		problem.Write(w, problem.New(problem.KindNotFound, "no certificate on file for this device"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		DeviceID  string `json:"device_id"`
		Serial    string `json:"serial"`
		Platform  string `json:"platform"`
		IssuedAt  string `json:"issued_at"`
		ExpiresAt string `json:"expires_at"`
		Revoked   bool   `json:"revoked"`
	}{
		DeviceID:  cert.DeviceID,
		Serial:    cert.Serial,
		Platform:  cert.Platform,
		IssuedAt:  cert.IssuedAt.UTC().Format(rfc3339),
		ExpiresAt: cert.ExpiresAt.UTC().Format(rfc3339),
		Revoked:   cert.Revoked,
	})
}

func (s *Server) handleCACertificate(w http.ResponseWriter, r *http.Request) {
	pem, err := s.ca.CertificatePEM(r.Context())
	if err != nil {
		problem.Write(w, problem.New(problem.KindCANotProvisioned, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write([]byte(pem))
}

func (s *Server) handleCACertificatePin(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := s.ca.SPKIFingerprint(r.Context())
	if err != nil {
		problem.Write(w, problem.New(problem.KindCANotProvisioned, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		SPKIFingerprintSHA256 string `json:"spki_fingerprint_sha256"`
	}{SPKIFingerprintSHA256: fingerprint})
}

const rfc3339 = "2006-01-02T15:04:05Z07:00"

func writeCertificateResponse(w http.ResponseWriter, result *enrollment.Result) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(certificateResponse{
		DeviceID:       result.Certificate.DeviceID,
		Serial:         result.Certificate.Serial,
		Platform:       result.Certificate.Platform,
		IssuedAt:       result.Certificate.IssuedAt.UTC().Format(rfc3339),
		ExpiresAt:      result.Certificate.ExpiresAt.UTC().Format(rfc3339),
		CertificatePEM: result.Certificate.CertificatePEM,
		CACertPEM:      result.CACertPEM,
	})
}
