package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"subsystem", "method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"subsystem", "method", "path"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Current number of HTTP requests in flight",
		},
	)

	// Subscription workflow
	SessionsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_sessions_started_total",
			Help: "Payment sessions created, by plan",
		},
		[]string{"plan"},
	)
	OptionsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_options_issued_total",
			Help: "Payment options issued, by rail and result",
		},
		[]string{"rail", "result"},
	)
	VerificationOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_verifications_total",
			Help: "Settlement checks, by rail and settlement status",
		},
		[]string{"rail", "status"},
	)
	EntitlementsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_entitlements_granted_total",
			Help: "Premium grants, by plan",
		},
		[]string{"plan"},
	)
	EntitlementsRevoked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "subscription_entitlements_revoked_total",
			Help: "Entitlements revoked by the expiry sweep",
		},
	)
	RateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limited_total",
			Help: "Requests rejected by a rate gate",
		},
		[]string{"gate"},
	)

	// Upstream (price feed, chain RPC, custodial API)
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"upstream", "method", "status"},
	)
	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "upstream_request_duration_seconds",
			Help: "Duration of upstream API requests in seconds",
		},
		[]string{"upstream", "method"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(HTTPRequestsInFlight)

	prometheus.MustRegister(SessionsStarted)
	prometheus.MustRegister(OptionsIssued)
	prometheus.MustRegister(VerificationOutcomes)
	prometheus.MustRegister(EntitlementsGranted)
	prometheus.MustRegister(EntitlementsRevoked)
	prometheus.MustRegister(RateLimited)

	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
}

// ObserveUpstream records one upstream call.
func ObserveUpstream(upstream, method string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	UpstreamRequestsTotal.WithLabelValues(upstream, method, status).Inc()
	UpstreamRequestDuration.WithLabelValues(upstream, method).Observe(seconds)
}
