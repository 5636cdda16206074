package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "requests_created_total", Help: "Service requests created"})
	SignalsFanned   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "signals_fanned_out_total", Help: "Offer signals written to master nodes"})
	AssignWins      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "assign_wins_total", Help: "Assign calls that won the request"})
	AssignLosses    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "assign_losses_total", Help: "Assign calls rejected because another master won"})
	OffersSuppressed = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "offers_suppressed_total", Help: "Stale signals suppressed by the validity filter"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "offers_expired_total", Help: "Offers that timed out with no master decision"})
	OTPAttempts     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "otp_attempts_total", Help: "OTP verification attempts"})
	OTPFailures     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "otp_failures_total", Help: "OTP verification failures"})
	SearchExhausted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "search_exhausted_total", Help: "Requests that hit the search ceiling with no master"})
	MastersOnDuty   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "roadside_dispatch", Name: "masters_on_duty", Help: "Masters currently on duty"})

	AssignLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "roadside_dispatch",
		Name:      "assign_latency_seconds",
		Help:      "Time from request creation to successful assignment",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 180, 300},
	})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "roadside_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "roadside_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
