// Package oauth implements the provider-agnostic OAuth 2.0/PKCE broker
// mediating access to cloud storage providers on a device's behalf.
package oauth

// ProviderConfig describes one OAuth provider's endpoints, scopes, and
// quirks. Providers are registered by name rather than expressed as
// subclasses of a shared base, since Go interfaces plus a small static
// table serve the same "each provider customizes a few fields" need
// without an inheritance hierarchy.
type ProviderConfig struct {
	Name               string
	AuthURL            string
	TokenURL           string
	RevokeURL          string // empty if the provider has no revoke endpoint
	Scope              string // space-separated; empty if the provider is app-scoped
	RequiresSecret     bool
	ExtraAuthorizeArgs map[string]string
}

// Providers is the fixed table of supported cloud storage providers.
var Providers = map[string]ProviderConfig{
	"googledrive": {
		Name:           "googledrive",
		AuthURL:        "https://accounts.google.com/o/oauth2/v2/auth",
		TokenURL:       "https://oauth2.googleapis.com/token",
		RevokeURL:      "https://oauth2.googleapis.com/revoke",
		Scope:          "https://www.googleapis.com/auth/drive",
		RequiresSecret: true,
		ExtraAuthorizeArgs: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
	},
	"dropbox": {
		Name:           "dropbox",
		AuthURL:        "https://www.dropbox.com/oauth2/authorize",
		TokenURL:       "https://api.dropboxapi.com/oauth2/token",
		RevokeURL:      "https://api.dropboxapi.com/2/auth/token/revoke",
		RequiresSecret: true,
		ExtraAuthorizeArgs: map[string]string{
			"token_access_type": "offline",
		},
	},
	"onedrive": {
		Name:           "onedrive",
		AuthURL:        "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
		TokenURL:       "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		Scope:          "Files.ReadWrite offline_access",
		RequiresSecret: true,
	},
}

// CredentialSet carries a configured provider's client id/secret/redirect
// URI, sourced from pkg/config.
type CredentialSet struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}
