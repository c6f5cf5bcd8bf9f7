package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service-level counters exported on /metrics.
type Metrics struct {
	CodesIssued         *prometheus.CounterVec
	CodesVerified       prometheus.Counter
	VerificationsFailed prometheus.Counter
	RateLimited         prometheus.Counter
	DeliveryFallbacks   prometheus.Counter
	DeliveryFailures    *prometheus.CounterVec
	VerifyDuration      prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		CodesIssued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_codes_issued_total",
			Help: "Total number of one-time codes issued, by delivery channel",
		}, []string{"channel"}),
		CodesVerified: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_codes_verified_total",
			Help: "Total number of successful verifications",
		}),
		VerificationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_verifications_failed_total",
			Help: "Total number of failed verification attempts",
		}),
		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_requests_rate_limited_total",
			Help: "Total number of issuance requests rejected by the rate limiter",
		}),
		DeliveryFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "otp_delivery_fallbacks_total",
			Help: "Total number of deliveries that fell back from chat to SMS",
		}),
		DeliveryFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_delivery_failures_total",
			Help: "Total number of delivery failures, by channel",
		}, []string{"channel"}),
		VerifyDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "otp_verify_duration_seconds",
			Help:    "Duration of verification operations including the argon2 check",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}
}
