package oauth

import (
	"context"
	"net/url"
	"testing"

	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
	"github.com/impalah/apuntador-ctrlplane/pkg/statetoken"
)

func newTestBroker() *Broker {
	creds := map[string]CredentialSet{
		"googledrive": {ClientID: "gd-client", ClientSecret: "gd-secret", RedirectURI: "https://app.example/callback"},
	}
	return NewBroker(creds, statetoken.New("broker-test-secret-key-long-enough"))
}

const testVerifier = "VVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVVV"
const testRedirectURI = "apuntador://cb"

func TestBroker_Authorize_UnsupportedProvider(t *testing.T) {
	broker := newTestBroker()
	if _, _, err := broker.Authorize("megastorage", testVerifier, testRedirectURI, ""); err == nil {
		t.Error("expected an error for an unsupported provider")
	}
}

func TestBroker_Authorize_NotConfigured(t *testing.T) {
	broker := newTestBroker()
	if _, _, err := broker.Authorize("dropbox", testVerifier, testRedirectURI, ""); err == nil {
		t.Error("expected an error for a provider with no configured credentials")
	}
}

func TestBroker_Authorize_BuildsURLWithPKCEAndState(t *testing.T) {
	broker := newTestBroker()
	authorizeURL, signedState, err := broker.Authorize("googledrive", testVerifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if signedState == "" {
		t.Fatal("expected a non-empty signed state")
	}

	parsed, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatalf("parse authorize URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("client_id") != "gd-client" {
		t.Errorf("expected client_id=gd-client, got %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != testRedirectURI {
		t.Errorf("expected redirect_uri=%q, got %q", testRedirectURI, q.Get("redirect_uri"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected code_challenge_method=S256, got %q", q.Get("code_challenge_method"))
	}
	if q.Get("code_challenge") == "" {
		t.Error("expected a non-empty code_challenge")
	}
	if q.Get("access_type") != "offline" {
		t.Errorf("expected googledrive's extra authorize args to be applied, got access_type=%q", q.Get("access_type"))
	}
	if q.Get("prompt") != "consent" {
		t.Errorf("expected googledrive's extra authorize args to set prompt=consent, got %q", q.Get("prompt"))
	}
	if q.Get("state") != signedState {
		t.Error("expected the state query parameter to match the returned signed state")
	}

	var payload statePayload
	if err := broker.state.Verify(signedState, statetoken.DefaultMaxAge, &payload); err != nil {
		t.Fatalf("Verify signed state: %v", err)
	}
	if payload.Provider != "googledrive" {
		t.Errorf("expected state to carry provider=googledrive, got %+v", payload)
	}
	if payload.CodeVerifier != testVerifier {
		t.Errorf("expected state to round-trip the caller's code_verifier, got %+v", payload)
	}
	if payload.RedirectURI != testRedirectURI {
		t.Errorf("expected state to round-trip redirect_uri, got %+v", payload)
	}
	challenge := CodeChallengeS256(payload.CodeVerifier)
	if challenge != q.Get("code_challenge") {
		t.Error("expected the state's embedded verifier to derive the URL's code_challenge")
	}
}

func TestBroker_Authorize_UsesCallerSuppliedClientState(t *testing.T) {
	broker := newTestBroker()
	_, signedState, err := broker.Authorize("googledrive", testVerifier, testRedirectURI, "my-state")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	var payload statePayload
	if err := broker.state.Verify(signedState, statetoken.DefaultMaxAge, &payload); err != nil {
		t.Fatalf("Verify signed state: %v", err)
	}
	if payload.State != "my-state" {
		t.Errorf("expected caller-supplied client_state to be carried, got %q", payload.State)
	}
}

func TestBroker_Callback_BuildsRedirectWithoutExchanging(t *testing.T) {
	broker := newTestBroker()
	_, signedState, err := broker.Authorize("googledrive", testVerifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	redirectURL, err := broker.Callback("googledrive", "XYZ", signedState)
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if !isPrefixedBy(redirectURL, testRedirectURI) {
		t.Errorf("expected redirect to start with %q, got %q", testRedirectURI, redirectURL)
	}
	parsed, err := url.Parse(redirectURL)
	if err != nil {
		t.Fatalf("parse redirect URL: %v", err)
	}
	q := parsed.Query()
	if q.Get("code") != "XYZ" {
		t.Errorf("expected code=XYZ, got %q", q.Get("code"))
	}
	if q.Get("state") != signedState {
		t.Error("expected the original signed state to be echoed back")
	}
	if q.Get("provider") != "googledrive" {
		t.Errorf("expected provider=googledrive, got %q", q.Get("provider"))
	}
}

func isPrefixedBy(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func TestBroker_Callback_ProviderMismatch(t *testing.T) {
	broker := newTestBroker()
	_, signedState, err := broker.Authorize("googledrive", testVerifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	if _, err := broker.Callback("dropbox", "auth-code", signedState); err == nil {
		t.Error("expected Callback to reject a state signed for a different provider")
	} else if p, ok := err.(*problem.Problem); !ok || p.Kind != problem.KindProviderMismatch {
		t.Errorf("expected KindProviderMismatch, got %v", err)
	}
}

func TestBroker_Callback_InvalidState(t *testing.T) {
	broker := newTestBroker()
	if _, err := broker.Callback("googledrive", "auth-code", "garbage-state"); err == nil {
		t.Error("expected Callback to reject a malformed state token")
	} else if p, ok := err.(*problem.Problem); !ok || p.Kind != problem.KindStateInvalid {
		t.Errorf("expected KindStateInvalid, got %v", err)
	}
}

func TestBroker_Exchange_RejectsCodeVerifierMismatch(t *testing.T) {
	broker := newTestBroker()
	_, signedState, err := broker.Authorize("googledrive", testVerifier, testRedirectURI, "")
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	_, err = broker.Exchange(context.Background(), "googledrive", "auth-code", "a-different-verifier", signedState)
	if err == nil {
		t.Fatal("expected Exchange to reject a code_verifier that doesn't match the one bound to the state")
	}
	p, ok := err.(*problem.Problem)
	if !ok || p.Kind != problem.KindCodeVerifierMismatch {
		t.Errorf("expected KindCodeVerifierMismatch, got %v", err)
	}
}

func TestBroker_Exchange_RejectsInvalidSignedState(t *testing.T) {
	broker := newTestBroker()
	_, err := broker.Exchange(context.Background(), "googledrive", "auth-code", testVerifier, "garbage-state")
	if err == nil {
		t.Fatal("expected Exchange to reject a malformed signed state")
	}
	if p, ok := err.(*problem.Problem); !ok || p.Kind != problem.KindStateInvalid {
		t.Errorf("expected KindStateInvalid, got %v", err)
	}
}

func TestBroker_Revoke_UnsupportedProvider(t *testing.T) {
	broker := newTestBroker()
	if _, err := broker.Revoke(context.Background(), "megastorage", "tok"); err == nil {
		t.Error("expected an error for an unsupported provider")
	}
}

func TestBroker_Revoke_OneDriveHasNoRevokeEndpoint(t *testing.T) {
	broker := newTestBroker()
	revoked, err := broker.Revoke(context.Background(), "onedrive", "tok")
	if err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if revoked {
		t.Error("expected OneDrive revoke to report false without making any network call")
	}
}

func TestBroker_Revoke_UnknownProviderRevokeVerb(t *testing.T) {
	broker := newTestBroker()
	if _, ok := Providers["onedrive"]; !ok {
		t.Fatal("expected onedrive to be a registered provider")
	}
	if cfg := Providers["onedrive"]; cfg.RevokeURL != "" {
		t.Error("expected onedrive's RevokeURL to be empty")
	}
}
