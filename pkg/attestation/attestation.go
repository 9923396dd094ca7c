// Package attestation verifies device integrity before a certificate is
// issued: Android via SafetyNet JWS verification, iOS via Apple's
// DeviceCheck API, and desktop via fingerprint + rate limiting.
package attestation

import (
	"sync"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/repository"
)

// Platform identifies which attestation mechanism a request targets.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformDesktop Platform = "desktop"
)

// Status is the outcome of an attestation check.
type Status string

const (
	StatusValid       Status = "VALID"
	StatusInvalid     Status = "INVALID"
	StatusFailed      Status = "FAILED"
	StatusUnsupported Status = "UNSUPPORTED"
)

// Result is the outcome returned to callers, with the platform-specific
// detail fields each verification path fills in.
type Result struct {
	Status       Status
	DeviceID     string
	Timestamp    time.Time
	ErrorMessage string
	Details      map[string]any
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// Config carries the external credentials the Android and iOS paths
// need. A zero Config leaves DeviceCheck permanently UNSUPPORTED, which
// is a legitimate deployment choice, not an error.
type Config struct {
	AppleTeamID     string
	AppleKeyID      string
	ApplePrivateKey string // PEM, PKCS8 EC private key

	CacheTTL            time.Duration
	DesktopRateLimitMax int           // attestations per window, per device
	DesktopRateLimitWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.DesktopRateLimitMax <= 0 {
		c.DesktopRateLimitMax = 5
	}
	if c.DesktopRateLimitWindow <= 0 {
		c.DesktopRateLimitWindow = time.Hour
	}
	return c
}

// Service verifies device attestations and caches recent results in
// memory, keyed by device+platform, to bound the call volume to SafetyNet
// and DeviceCheck's remote APIs.
type Service struct {
	cfg     Config
	secrets repository.SecretStore

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

func NewService(cfg Config, secrets repository.SecretStore) *Service {
	return &Service{cfg: cfg.withDefaults(), secrets: secrets, cache: make(map[string]cacheEntry)}
}

func cacheKey(deviceID string, platform Platform) string {
	return deviceID + ":" + string(platform)
}

func (s *Service) getCached(deviceID string, platform Platform) (Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.cache[cacheKey(deviceID, platform)]
	if !ok || time.Now().After(entry.expiresAt) {
		return Result{}, false
	}
	return entry.result, true
}

func (s *Service) putCached(deviceID string, platform Platform, result Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey(deviceID, platform)] = cacheEntry{
		result:    result,
		expiresAt: time.Now().Add(s.cfg.CacheTTL),
	}
}

// ClearCache drops every cached attestation result. Used by tests and by
// operator tooling after a credential rotation.
func (s *Service) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cacheEntry)
}
