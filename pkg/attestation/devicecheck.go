package attestation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/impalah/apuntador-ctrlplane/pkg/log"
)

const deviceCheckValidateURL = "https://api.devicecheck.apple.com/v1/validate_device_token"

type deviceCheckRequestBody struct {
	DeviceToken   string `json:"device_token"`
	TransactionID string `json:"transaction_id"`
	Timestamp     int64  `json:"timestamp"`
}

// VerifyDeviceCheck validates an iOS DeviceCheck token against Apple's
// validation endpoint. Without Apple credentials configured this returns
// UNSUPPORTED rather than attempting a call that would only fail.
func (s *Service) VerifyDeviceCheck(ctx context.Context, deviceID, deviceToken, transactionID string) Result {
	now := time.Now()

	if cached, ok := s.getCached(deviceID, PlatformIOS); ok {
		return cached
	}

	if s.cfg.AppleTeamID == "" || s.cfg.AppleKeyID == "" || s.cfg.ApplePrivateKey == "" {
		return Result{
			Status:       StatusUnsupported,
			DeviceID:     deviceID,
			Timestamp:    now,
			ErrorMessage: "DeviceCheck not configured",
		}
	}

	result := s.verifyDeviceCheckUncached(ctx, deviceID, deviceToken, transactionID, now)
	if result.Status == StatusValid || result.Status == StatusInvalid {
		s.putCached(deviceID, PlatformIOS, result)
	}
	return result
}

func (s *Service) verifyDeviceCheckUncached(ctx context.Context, deviceID, deviceToken, transactionID string, now time.Time) Result {
	fail := func(msg string) Result {
		return Result{Status: StatusFailed, DeviceID: deviceID, Timestamp: now, ErrorMessage: msg}
	}

	token, err := s.signAppleJWT(now)
	if err != nil {
		return fail(fmt.Sprintf("failed to mint Apple API token: %v", err))
	}

	body, err := json.Marshal(deviceCheckRequestBody{
		DeviceToken:   deviceToken,
		TransactionID: transactionID,
		Timestamp:     now.UnixMilli(),
	})
	if err != nil {
		return fail(fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCheckValidateURL, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Sprintf("failed to build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail(fmt.Sprintf("Apple DeviceCheck request failed: %v", err))
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return Result{
			Status:    StatusValid,
			DeviceID:  deviceID,
			Timestamp: now,
			Details:   map[string]any{"integrity_verified": true},
		}
	case http.StatusUnauthorized, http.StatusBadRequest:
		return Result{
			Status:    StatusInvalid,
			DeviceID:  deviceID,
			Timestamp: now,
			Details:   map[string]any{"integrity_verified": false},
		}
	default:
		log.Errorf("devicecheck: unexpected status %d", fmt.Errorf("status=%d", resp.StatusCode))
		return fail(fmt.Sprintf("Apple DeviceCheck returned unexpected status %d", resp.StatusCode))
	}
}

// signAppleJWT mints the ES256 JWT Apple's server APIs require: issuer is
// the team ID, the key id identifies which of the developer's keys
// signed it, and the token is deliberately short-lived.
func (s *Service) signAppleJWT(now time.Time) (string, error) {
	key, err := parseECPrivateKeyPEM(s.cfg.ApplePrivateKey)
	if err != nil {
		return "", fmt.Errorf("parse Apple private key: %w", err)
	}

	claims := jwt.MapClaims{
		"iss": s.cfg.AppleTeamID,
		"iat": now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = s.cfg.AppleKeyID

	return token.SignedString(key)
}

func parseECPrivateKeyPEM(pemStr string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	ecKey, ok := generic.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not ECDSA")
	}
	return ecKey, nil
}
