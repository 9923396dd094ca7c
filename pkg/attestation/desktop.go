package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// rateLimitState tracks a fixed-window counter per device, persisted in
// the secret store so it survives process restarts. The source this
// descends from left rate limiting as an always-true stub; this keeps
// the window/count model but backs it with real, durable state.
type rateLimitState struct {
	WindowStart time.Time `json:"window_start"`
	Count       int       `json:"count"`
}

func rateLimitKey(deviceID string) string {
	return "ratelimit:desktop:" + deviceID
}

// VerifyDesktop validates a desktop device's SHA-256 hex fingerprint and
// enforces a per-device enrollment rate limit.
func (s *Service) VerifyDesktop(ctx context.Context, deviceID, fingerprint string) Result {
	now := time.Now()

	if cached, ok := s.getCached(deviceID, PlatformDesktop); ok {
		return cached
	}

	if len(fingerprint) != 64 || !isHex(fingerprint) {
		return Result{
			Status:       StatusInvalid,
			DeviceID:     deviceID,
			Timestamp:    now,
			ErrorMessage: "invalid fingerprint format",
		}
	}

	rateLimitOK, err := s.checkAndConsumeRateLimit(ctx, deviceID, now)
	if err != nil {
		return Result{Status: StatusFailed, DeviceID: deviceID, Timestamp: now, ErrorMessage: err.Error()}
	}

	status := StatusInvalid
	if rateLimitOK {
		status = StatusValid
	}

	result := Result{
		Status:    status,
		DeviceID:  deviceID,
		Timestamp: now,
		Details: map[string]any{
			"fingerprint_match": true,
			"rate_limit_ok":     rateLimitOK,
		},
	}
	if !rateLimitOK {
		result.ErrorMessage = "rate limit exceeded"
	}

	s.putCached(deviceID, PlatformDesktop, result)
	return result
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

// checkAndConsumeRateLimit increments the device's fixed-window counter,
// resetting the window once it has elapsed, and reports whether the
// device remains within the configured limit.
func (s *Service) checkAndConsumeRateLimit(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	key := rateLimitKey(deviceID)

	state, err := s.loadRateLimitState(ctx, key)
	if err != nil {
		return false, fmt.Errorf("attestation: load rate limit state: %w", err)
	}

	if state == nil || now.Sub(state.WindowStart) > s.cfg.DesktopRateLimitWindow {
		state = &rateLimitState{WindowStart: now, Count: 0}
	}
	state.Count++

	data, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("attestation: marshal rate limit state: %w", err)
	}
	if err := s.secrets.Put(ctx, key, string(data)); err != nil {
		return false, fmt.Errorf("attestation: persist rate limit state: %w", err)
	}

	return state.Count <= s.cfg.DesktopRateLimitMax, nil
}

func (s *Service) loadRateLimitState(ctx context.Context, key string) (*rateLimitState, error) {
	raw, err := s.secrets.Get(ctx, key)
	if err == repository.ErrSecretNotProvisioned {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state rateLimitState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}
