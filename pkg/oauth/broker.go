package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
	"github.com/impalah/apuntador-ctrlplane/pkg/statetoken"
)

// TokenSet is what a provider's token endpoint returns, normalized
// across providers.
type TokenSet struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// statePayload is what travels inside the signed state token across the
// redirect to the provider and back: enough to resume the PKCE exchange
// and return the caller to its own redirect URI without any server-side
// session store.
type statePayload struct {
	State        string `json:"state"`
	Provider     string `json:"provider"`
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
}

// Broker drives the authorization-code + PKCE flow against the
// configured providers. It never persists a token: callers receive the
// TokenSet from Exchange/Refresh and are responsible for handing it to
// whatever consumes it.
type Broker struct {
	credentials map[string]CredentialSet
	state       *statetoken.Codec
	httpClient  *http.Client
}

func NewBroker(credentials map[string]CredentialSet, stateCodec *statetoken.Codec) *Broker {
	return &Broker{
		credentials: credentials,
		state:       stateCodec,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Authorize builds the provider's consent URL and the signed state token
// the caller must round-trip through the redirect. codeVerifier and
// redirectURI are supplied by the caller, not minted here: PKCE only
// protects the code if the verifier stays with whoever intends to redeem
// it. clientState, if supplied, becomes the state value the caller gets
// back; otherwise a random one is generated.
func (b *Broker) Authorize(provider, codeVerifier, redirectURI, clientState string) (authorizeURL, signedState string, err error) {
	cfg, ok := Providers[provider]
	if !ok {
		return "", "", fmt.Errorf("oauth: unsupported provider %q", provider)
	}
	creds, ok := b.credentials[provider]
	if !ok || creds.ClientID == "" {
		return "", "", fmt.Errorf("oauth: provider %q is not configured", provider)
	}

	state := clientState
	if state == "" {
		state, err = randomState()
		if err != nil {
			return "", "", err
		}
	}

	signedState, err = b.state.Sign(statePayload{
		State:        state,
		Provider:     provider,
		CodeVerifier: codeVerifier,
		RedirectURI:  redirectURI,
	})
	if err != nil {
		return "", "", fmt.Errorf("oauth: sign state: %w", err)
	}

	challenge := CodeChallengeS256(codeVerifier)

	params := url.Values{}
	params.Set("client_id", creds.ClientID)
	params.Set("response_type", "code")
	params.Set("redirect_uri", redirectURI)
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")
	params.Set("state", signedState)
	if cfg.Scope != "" {
		params.Set("scope", cfg.Scope)
	}
	for k, v := range cfg.ExtraAuthorizeArgs {
		params.Set(k, v)
	}

	return cfg.AuthURL + "?" + params.Encode(), signedState, nil
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("oauth: generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Callback verifies the returned state and confirms it names provider,
// then hands the code straight back to the originating client via a 302
// to the redirect_uri carried in the state — it does not exchange the
// code itself. The client completes the flow with Exchange, passing the
// same signed state to bind the two hops together.
func (b *Broker) Callback(provider, code, signedState string) (redirectURL string, err error) {
	var payload statePayload
	if err := b.state.Verify(signedState, statetoken.DefaultMaxAge, &payload); err != nil {
		return "", problem.New(problem.KindStateInvalid, err.Error())
	}
	if payload.Provider != provider {
		return "", problem.New(problem.KindProviderMismatch, fmt.Sprintf("state was issued for %q, callback invoked for %q", payload.Provider, provider))
	}

	redirect, err := url.Parse(payload.RedirectURI)
	if err != nil {
		return "", problem.New(problem.KindStateInvalid, "state carries an invalid redirect_uri")
	}
	q := redirect.Query()
	q.Set("code", code)
	q.Set("state", signedState)
	q.Set("provider", provider)
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// Exchange trades an authorization code for an access/refresh token pair.
// When signedState is non-empty it is verified, its carried code_verifier
// must match codeVerifier exactly, and its redirect_uri is used for the
// token request — binding this hop to the authorize call that produced
// the state and rejecting a code replayed against a different session.
func (b *Broker) Exchange(ctx context.Context, provider, code, codeVerifier, signedState string) (*TokenSet, error) {
	cfg, creds, err := b.lookup(provider)
	if err != nil {
		return nil, err
	}

	redirectURI := creds.RedirectURI
	if signedState != "" {
		var payload statePayload
		if err := b.state.Verify(signedState, statetoken.DefaultMaxAge, &payload); err != nil {
			return nil, problem.New(problem.KindStateInvalid, err.Error())
		}
		if payload.CodeVerifier != codeVerifier {
			return nil, problem.New(problem.KindCodeVerifierMismatch, "code_verifier does not match the value bound to this state")
		}
		redirectURI = payload.RedirectURI
	}

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("code", code)
	form.Set("code_verifier", codeVerifier)
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", redirectURI)
	if cfg.RequiresSecret && creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}

	return b.postForm(ctx, cfg.TokenURL, form)
}

// Refresh trades a refresh token for a new access token.
func (b *Broker) Refresh(ctx context.Context, provider, refreshToken string) (*TokenSet, error) {
	cfg, creds, err := b.lookup(provider)
	if err != nil {
		return nil, err
	}

	form := url.Values{}
	form.Set("client_id", creds.ClientID)
	form.Set("refresh_token", refreshToken)
	form.Set("grant_type", "refresh_token")
	if cfg.RequiresSecret && creds.ClientSecret != "" {
		form.Set("client_secret", creds.ClientSecret)
	}

	return b.postForm(ctx, cfg.TokenURL, form)
}

// Revoke invalidates a token at the provider. Providers without a revoke
// endpoint (OneDrive) report that explicitly via the returned bool.
func (b *Broker) Revoke(ctx context.Context, provider, token string) (revoked bool, err error) {
	cfg, ok := Providers[provider]
	if !ok {
		return false, fmt.Errorf("oauth: unsupported provider %q", provider)
	}
	if cfg.RevokeURL == "" {
		return false, nil
	}

	switch provider {
	case "googledrive":
		form := url.Values{}
		form.Set("token", token)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeURL+"?"+form.Encode(), nil)
		if err != nil {
			return false, err
		}
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("oauth: revoke request: %w", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	case "dropbox":
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeURL, nil)
		if err != nil {
			return false, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := b.httpClient.Do(req)
		if err != nil {
			return false, fmt.Errorf("oauth: revoke request: %w", err)
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK, nil
	default:
		return false, fmt.Errorf("oauth: provider %q does not support revoke", provider)
	}
}

func (b *Broker) lookup(provider string) (ProviderConfig, CredentialSet, error) {
	cfg, ok := Providers[provider]
	if !ok {
		return ProviderConfig{}, CredentialSet{}, fmt.Errorf("oauth: unsupported provider %q", provider)
	}
	creds, ok := b.credentials[provider]
	if !ok || creds.ClientID == "" {
		return ProviderConfig{}, CredentialSet{}, fmt.Errorf("oauth: provider %q is not configured", provider)
	}
	return cfg, creds, nil
}

func (b *Broker) postForm(ctx context.Context, tokenURL string, form url.Values) (*TokenSet, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oauth: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("oauth: read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth: token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tokens TokenSet
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("oauth: decode token response: %w", err)
	}
	return &tokens, nil
}
