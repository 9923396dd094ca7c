// Package apiserver wires the certificate authority, mTLS gateway, OAuth
// broker, attestation service, and enrollment coordinator onto the HTTP
// surface: health, /oauth/*, /device/*, and /config/providers.
package apiserver
