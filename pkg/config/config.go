// Package config defines the frozen, process-wide configuration for
// apuntador-ctrlplane. Values are populated from CLI flags and environment
// variable overrides; there is no dedicated config-file library in play,
// matching how the rest of this codebase's ancestry wires configuration
// directly off cobra flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the frozen application configuration. Once returned by Load it
// must not be mutated; pass it by value or pointer-to-const convention.
type Config struct {
	ProjectVersion string
	Host           string
	Port           int
	Debug          bool
	EnableDocs     bool
	SecretKey      string

	LogLevel  string
	LogJSON   bool

	AllowedOrigins     []string
	CORSAllowedMethods []string
	CORSAllowedHeaders []string

	InfrastructureProvider string // "local" or "cloud"
	InfrastructureBaseDir  string

	CloudRegion           string
	CloudTableName        string
	CloudBucketName       string
	CloudSecretsPrefix    string
	AutoCreateResources   bool

	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURI  string

	DropboxClientID     string
	DropboxClientSecret string
	DropboxRedirectURI  string

	OneDriveClientID     string
	OneDriveClientSecret string
	OneDriveRedirectURI  string

	AppleTeamID       string
	AppleKeyID        string
	ApplePrivateKey   string
	GoogleAPIKey      string

	AttestationCacheTTLSeconds int

	APIKey string // bearer key gating /config/providers
}

// Defaults returns a Config populated with the default values every field
// falls back to absent an override.
func Defaults() Config {
	return Config{
		ProjectVersion: "1.0.0",
		Host:           "0.0.0.0",
		Port:           8000,
		Debug:          false,
		EnableDocs:     false,
		SecretKey:      "dev-secret-key-change-in-production-min-32-chars",

		LogLevel: "info",
		LogJSON:  false,

		AllowedOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		CORSAllowedMethods: []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders: []string{"Content-Type", "Authorization", "X-Client-Cert", "X-Device-ID"},

		InfrastructureProvider: "local",
		InfrastructureBaseDir:  "./.credentials",

		CloudRegion:        "eu-west-1",
		CloudTableName:     "apuntador-certificates",
		CloudBucketName:    "apuntador-cert-storage",
		CloudSecretsPrefix: "apuntador",

		AttestationCacheTTLSeconds: 3600,
	}
}

// envOverrides applies UPPER_SNAKE_CASE environment variables on top of cfg,
// mirroring the original Python service's env-var naming convention.
func envOverrides(cfg Config) Config {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	b := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}
	i := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	csv := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitCSV(v)
		}
	}

	str("HOST", &cfg.Host)
	i("PORT", &cfg.Port)
	b("DEBUG", &cfg.Debug)
	b("ENABLE_DOCS", &cfg.EnableDocs)
	str("SECRET_KEY", &cfg.SecretKey)

	str("LOG_LEVEL", &cfg.LogLevel)
	b("LOG_JSON", &cfg.LogJSON)

	csv("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	csv("CORS_ALLOWED_METHODS", &cfg.CORSAllowedMethods)
	csv("CORS_ALLOWED_HEADERS", &cfg.CORSAllowedHeaders)

	str("INFRASTRUCTURE_PROVIDER", &cfg.InfrastructureProvider)
	str("INFRASTRUCTURE_BASE_DIR", &cfg.InfrastructureBaseDir)

	str("CLOUD_REGION", &cfg.CloudRegion)
	str("CLOUD_TABLE_NAME", &cfg.CloudTableName)
	str("CLOUD_BUCKET_NAME", &cfg.CloudBucketName)
	str("CLOUD_SECRETS_PREFIX", &cfg.CloudSecretsPrefix)
	b("AUTO_CREATE_RESOURCES", &cfg.AutoCreateResources)

	str("GOOGLE_CLIENT_ID", &cfg.GoogleClientID)
	str("GOOGLE_CLIENT_SECRET", &cfg.GoogleClientSecret)
	str("GOOGLE_REDIRECT_URI", &cfg.GoogleRedirectURI)

	str("DROPBOX_CLIENT_ID", &cfg.DropboxClientID)
	str("DROPBOX_CLIENT_SECRET", &cfg.DropboxClientSecret)
	str("DROPBOX_REDIRECT_URI", &cfg.DropboxRedirectURI)

	str("ONEDRIVE_CLIENT_ID", &cfg.OneDriveClientID)
	str("ONEDRIVE_CLIENT_SECRET", &cfg.OneDriveClientSecret)
	str("ONEDRIVE_REDIRECT_URI", &cfg.OneDriveRedirectURI)

	str("APPLE_TEAM_ID", &cfg.AppleTeamID)
	str("APPLE_KEY_ID", &cfg.AppleKeyID)
	str("APPLE_PRIVATE_KEY", &cfg.ApplePrivateKey)
	str("GOOGLE_API_KEY", &cfg.GoogleAPIKey)

	i("ATTESTATION_CACHE_TTL_SECONDS", &cfg.AttestationCacheTTLSeconds)
	str("CONFIG_API_KEY", &cfg.APIKey)

	return cfg
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load produces the frozen Config: defaults, then environment overrides.
// It validates the values a conformant deployment cannot run without.
func Load() (Config, error) {
	cfg := envOverrides(Defaults())
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the rest of the system depends on.
func (c Config) Validate() error {
	if c.InfrastructureProvider != "local" && c.InfrastructureProvider != "cloud" {
		return fmt.Errorf("config: infrastructure_provider must be 'local' or 'cloud', got %q", c.InfrastructureProvider)
	}
	if len(c.SecretKey) < 32 {
		return fmt.Errorf("config: secret_key must be at least 32 bytes of entropy")
	}
	if c.AttestationCacheTTLSeconds <= 0 {
		return fmt.Errorf("config: attestation_cache_ttl_seconds must be positive")
	}
	return nil
}
