package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	OffersSent = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers sent to drivers"})
	OfferOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_outcomes_total", Help: "Offer outcomes by kind"},
		[]string{"outcome"},
	)
	NotifyErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notify_errors_total", Help: "Offer notifications that failed to deliver"})

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Terminal dispatch outcomes"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from loop start to terminal outcome",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	})
	ActiveDispatches = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_dispatches", Help: "Dispatch loops currently running"})
	GeoErrors        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_errors_total", Help: "Failed candidate queries"})
	RadiusExpansions = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "radius_expansions_total", Help: "Search radius expansions"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
