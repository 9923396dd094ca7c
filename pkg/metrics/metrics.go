package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Certificate authority metrics
	CertificatesIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_certificates_issued_total",
			Help: "Total number of device certificates issued by platform",
		},
		[]string{"platform"},
	)

	CertificatesRevokedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_certificates_revoked_total",
			Help: "Total number of device certificates revoked by reason",
		},
		[]string{"reason"},
	)

	CertificatesExpiringSoon = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "apuntador_certificates_expiring_soon",
			Help: "Number of non-revoked certificates expiring within the configured renewal window",
		},
	)

	CertificateSignDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apuntador_certificate_sign_duration_seconds",
			Help:    "Time taken to validate and sign a device CSR",
			Buckets: prometheus.DefBuckets,
		},
	)

	// mTLS gateway metrics
	MTLSValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_mtls_validations_total",
			Help: "Total number of mTLS client certificate validations by outcome",
		},
		[]string{"outcome"},
	)

	MTLSValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apuntador_mtls_validation_duration_seconds",
			Help:    "Time taken to validate a forwarded client certificate",
			Buckets: prometheus.DefBuckets,
		},
	)

	// OAuth broker metrics
	OAuthAuthorizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_oauth_authorizations_total",
			Help: "Total number of OAuth authorize redirects issued, by provider",
		},
		[]string{"provider"},
	)

	OAuthExchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_oauth_exchanges_total",
			Help: "Total number of OAuth token exchanges by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	OAuthTokenRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apuntador_oauth_token_request_duration_seconds",
			Help:    "Time taken for a provider token endpoint round trip",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "grant"},
	)

	// Attestation metrics
	AttestationVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_attestation_verifications_total",
			Help: "Total number of device attestation verifications by platform and status",
		},
		[]string{"platform", "status"},
	)

	AttestationCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "apuntador_attestation_cache_hits_total",
			Help: "Total number of attestation verifications served from cache",
		},
	)

	// Enrollment metrics
	DeviceEnrollmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_device_enrollments_total",
			Help: "Total number of device enrollment attempts by outcome",
		},
		[]string{"outcome"},
	)

	DeviceRenewalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_device_renewals_total",
			Help: "Total number of device certificate renewal attempts by outcome",
		},
		[]string{"outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apuntador_api_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apuntador_api_request_duration_seconds",
			Help:    "API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(CertificatesIssuedTotal)
	prometheus.MustRegister(CertificatesRevokedTotal)
	prometheus.MustRegister(CertificatesExpiringSoon)
	prometheus.MustRegister(CertificateSignDuration)
	prometheus.MustRegister(MTLSValidationsTotal)
	prometheus.MustRegister(MTLSValidationDuration)
	prometheus.MustRegister(OAuthAuthorizationsTotal)
	prometheus.MustRegister(OAuthExchangesTotal)
	prometheus.MustRegister(OAuthTokenRequestDuration)
	prometheus.MustRegister(AttestationVerificationsTotal)
	prometheus.MustRegister(AttestationCacheHitsTotal)
	prometheus.MustRegister(DeviceEnrollmentsTotal)
	prometheus.MustRegister(DeviceRenewalsTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
