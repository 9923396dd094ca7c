package apiserver

import (
	"encoding/json"
	"net/http"

	"github.com/impalah/apuntador-ctrlplane/pkg/attestation"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
)

type attestationResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func writeAttestationResult(w http.ResponseWriter, platform string, result attestation.Result) {
	metrics.AttestationVerificationsTotal.WithLabelValues(platform, string(result.Status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(attestationResponse{
		Status:       string(result.Status),
		ErrorMessage: result.ErrorMessage,
	})
}

type androidAttestRequest struct {
	DeviceID string `json:"device_id"`
	JWSToken string `json:"jws_token"`
	Nonce    string `json:"nonce"`
}

func (s *Server) handleAttestAndroid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	var req androidAttestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.DeviceID == "" || req.JWSToken == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "device_id and jws_token are required"))
		return
	}
	result := s.attest.VerifySafetyNet(r.Context(), req.DeviceID, req.JWSToken, req.Nonce)
	writeAttestationResult(w, "android", result)
}

type iosAttestRequest struct {
	DeviceID      string `json:"device_id"`
	DeviceToken   string `json:"device_token"`
	TransactionID string `json:"transaction_id"`
}

func (s *Server) handleAttestIOS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	var req iosAttestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.DeviceID == "" || req.DeviceToken == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "device_id and device_token are required"))
		return
	}
	result := s.attest.VerifyDeviceCheck(r.Context(), req.DeviceID, req.DeviceToken, req.TransactionID)
	writeAttestationResult(w, "ios", result)
}

type desktopAttestRequest struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) handleAttestDesktop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	var req desktopAttestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.DeviceID == "" || req.Fingerprint == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "device_id and fingerprint are required"))
		return
	}
	result := s.attest.VerifyDesktop(r.Context(), req.DeviceID, req.Fingerprint)
	writeAttestationResult(w, "desktop", result)
}
