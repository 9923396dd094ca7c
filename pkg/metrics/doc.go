/*
Package metrics provides Prometheus metrics collection and exposition for
the control plane.

Counters (CertificatesIssuedTotal, OAuthExchangesTotal,
AttestationVerificationsTotal, ...) are incremented directly by the
package that owns the event. Gauges that require a periodic sweep of the
certificate registry (CertificatesExpiringSoon) are updated by Collector
on a timer instead.

Usage:

	timer := metrics.NewTimer()
	cert, err := ca.SignCSR(ctx, csrPEM, deviceID, platform)
	timer.ObserveDuration(metrics.CertificateSignDuration)
	metrics.CertificatesIssuedTotal.WithLabelValues(platform).Inc()

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
