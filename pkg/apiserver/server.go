package apiserver

import (
	"net/http"
	"time"

	"github.com/impalah/apuntador-ctrlplane/pkg/attestation"
	"github.com/impalah/apuntador-ctrlplane/pkg/ca"
	"github.com/impalah/apuntador-ctrlplane/pkg/config"
	"github.com/impalah/apuntador-ctrlplane/pkg/enrollment"
	"github.com/impalah/apuntador-ctrlplane/pkg/metrics"
	"github.com/impalah/apuntador-ctrlplane/pkg/mtls"
	"github.com/impalah/apuntador-ctrlplane/pkg/oauth"
)

// Server bundles every component onto a single HTTP mux.
type Server struct {
	cfg         config.Config
	ca          *ca.CA
	gateway     *mtls.Gateway
	broker      *oauth.Broker
	attest      *attestation.Service
	enrollment  *enrollment.Coordinator
	credentials map[string]oauth.CredentialSet

	mux *http.ServeMux
}

func New(cfg config.Config, authority *ca.CA, gateway *mtls.Gateway, broker *oauth.Broker, attest *attestation.Service, enroll *enrollment.Coordinator, credentials map[string]oauth.CredentialSet) *Server {
	s := &Server{
		cfg:         cfg,
		ca:          authority,
		gateway:     gateway,
		broker:      broker,
		attest:      attest,
		enrollment:  enroll,
		credentials: credentials,
		mux:         http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/health/public", s.handleHealth)
	s.mux.Handle("/ready", metrics.ReadyHandler())
	s.mux.Handle("/metrics", metrics.Handler())

	s.mux.HandleFunc("/oauth/authorize/", s.handleOAuthAuthorize)
	s.mux.HandleFunc("/oauth/callback/", s.handleOAuthCallback)
	s.mux.HandleFunc("/oauth/token/", s.handleOAuthToken)
	s.mux.HandleFunc("/oauth/refresh/", s.handleOAuthRefresh)
	s.mux.HandleFunc("/oauth/revoke/", s.handleOAuthRevoke)

	s.mux.HandleFunc("/device/enroll", s.handleDeviceEnroll)
	s.mux.HandleFunc("/device/renew", s.handleDeviceRenew)
	s.mux.HandleFunc("/device/revoke", s.handleDeviceRevoke)
	s.mux.HandleFunc("/device/status/", s.handleDeviceStatus)
	s.mux.HandleFunc("/device/ca-certificate", s.handleCACertificate)
	s.mux.HandleFunc("/device/ca-certificate-pin", s.handleCACertificatePin)
	s.mux.HandleFunc("/device/attest/android", s.handleAttestAndroid)
	s.mux.HandleFunc("/device/attest/ios", s.handleAttestIOS)
	s.mux.HandleFunc("/device/attest/desktop", s.handleAttestDesktop)

	s.mux.HandleFunc("/config/providers", s.handleConfigProviders)
}

// Handler returns the fully wired handler, with the mTLS gate and request
// instrumentation applied. Exported so cmd/apuntadord can mount it behind
// its own http.Server.
func (s *Server) Handler() http.Handler {
	return instrument(s.gateway.Middleware(s.mux))
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}
