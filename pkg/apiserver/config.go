package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/impalah/apuntador-ctrlplane/pkg/oauth"
	"github.com/impalah/apuntador-ctrlplane/pkg/problem"
)

type providerView struct {
	Name      string `json:"name"`
	Scope     string `json:"scope,omitempty"`
	Configured bool  `json:"configured"`
}

// handleConfigProviders lists the known OAuth providers and whether each
// has credentials configured, for clients deciding which storage backends
// to offer. It requires the bearer API key set via CONFIG_API_KEY; an
// empty configured key disables the endpoint entirely rather than
// accepting any bearer value.
func (s *Server) handleConfigProviders(w http.ResponseWriter, r *http.Request) {
	if s.cfg.APIKey == "" {
		problem.Write(w, problem.New(problem.KindAPIKeyMissing, "this endpoint is not enabled"))
		return
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != s.cfg.APIKey {
		problem.Write(w, problem.New(problem.KindAPIKeyInvalid, "missing or invalid API key"))
		return
	}

	views := make([]providerView, 0, len(oauth.Providers))
	for name, cfg := range oauth.Providers {
		creds, ok := s.credentials[name]
		views = append(views, providerView{
			Name:       name,
			Scope:      cfg.Scope,
			Configured: ok && creds.ClientID != "",
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Providers []providerView `json:"providers"`
	}{Providers: views})
}
