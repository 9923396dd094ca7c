package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/oauth"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
)

func providerFromPath(path, prefix string) string {
	return strings.Trim(strings.TrimPrefix(path, prefix), "/")
}

type authorizeRequest struct {
	CodeVerifier string `json:"code_verifier"`
	RedirectURI  string `json:"redirect_uri"`
	ClientState  string `json:"client_state,omitempty"`
}

type authorizeResponse struct {
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	provider := providerFromPath(r.URL.Path, "/oauth/authorize/")
	if provider == "" {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, "provider is required"))
		return
	}
	var req authorizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.CodeVerifier == "" || req.RedirectURI == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "code_verifier and redirect_uri are required"))
		return
	}

	authorizeURL, signedState, err := s.broker.Authorize(provider, req.CodeVerifier, req.RedirectURI, req.ClientState)
	if err != nil {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, err.Error()))
		return
	}
	metrics.OAuthAuthorizationsTotal.WithLabelValues(provider).Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(authorizeResponse{AuthorizationURL: authorizeURL, State: signedState})
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := providerFromPath(r.URL.Path, "/oauth/callback/")
	if provider == "" {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, "provider is required"))
		return
	}
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "code and state query parameters are required"))
		return
	}

	redirectURL, err := s.broker.Callback(provider, code, state)
	if err != nil {
		problem.Write(w, problem.As(err))
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

type tokenExchangeRequest struct {
	Code         string `json:"code"`
	CodeVerifier string `json:"code_verifier"`
	SignedState  string `json:"signed_state,omitempty"`
}

func (s *Server) handleOAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	provider := providerFromPath(r.URL.Path, "/oauth/token/")
	if provider == "" {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, "provider is required"))
		return
	}
	var req tokenExchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.Code == "" || req.CodeVerifier == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "code and code_verifier are required"))
		return
	}

	timer := metrics.NewTimer()
	tokens, err := s.broker.Exchange(r.Context(), provider, req.Code, req.CodeVerifier, req.SignedState)
	timer.ObserveDurationVec(metrics.OAuthTokenRequestDuration, provider, "authorization_code")
	if err != nil {
		metrics.OAuthExchangesTotal.WithLabelValues(provider, "failure").Inc()
		if p, ok := err.(*problem.Problem); ok {
			problem.Write(w, p)
			return
		}
		problem.Write(w, problem.New(problem.KindProviderRejected, err.Error()))
		return
	}
	metrics.OAuthExchangesTotal.WithLabelValues(provider, "success").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toTokenSetView(tokens))
}

type tokenRefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleOAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	provider := providerFromPath(r.URL.Path, "/oauth/refresh/")
	if provider == "" {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, "provider is required"))
		return
	}
	var req tokenRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.RefreshToken == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "refresh_token is required"))
		return
	}

	timer := metrics.NewTimer()
	tokens, err := s.broker.Refresh(r.Context(), provider, req.RefreshToken)
	timer.ObserveDurationVec(metrics.OAuthTokenRequestDuration, provider, "refresh_token")
	if err != nil {
		metrics.OAuthExchangesTotal.WithLabelValues(provider, "failure").Inc()
		problem.Write(w, problem.New(problem.KindProviderRejected, err.Error()))
		return
	}
	metrics.OAuthExchangesTotal.WithLabelValues(provider, "success").Inc()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(toTokenSetView(tokens))
}

type tokenRevokeRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "method not allowed"))
		return
	}
	provider := providerFromPath(r.URL.Path, "/oauth/revoke/")
	if provider == "" {
		problem.Write(w, problem.New(problem.KindUnsupportedProvider, "provider is required"))
		return
	}
	var req tokenRevokeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		problem.Write(w, problem.New(problem.KindMalformedRequest, "invalid JSON body"))
		return
	}
	if req.Token == "" {
		problem.Write(w, problem.New(problem.KindValidationFailed, "token is required"))
		return
	}

	revoked, err := s.broker.Revoke(r.Context(), provider, req.Token)
	if err != nil {
		problem.Write(w, problem.New(problem.KindProviderRejected, err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Revoked bool `json:"revoked"`
	}{Revoked: revoked})
}

type tokenSetView struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

func toTokenSetView(t *oauth.TokenSet) tokenSetView {
	return tokenSetView{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		ExpiresIn:    t.ExpiresIn,
		TokenType:    t.TokenType,
	}
}
