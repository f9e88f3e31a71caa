package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesRequested  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_requested_total", Help: "Total ride requests accepted for matching"})
	MatchesTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "matches_total", Help: "Total rides accepted by a driver"})
	OffersExpired   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "offers_expired_total", Help: "Total searching rides resolved as no_drivers_found"})
	RidesCompleted  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_completed_total", Help: "Total rides completed"})
	RidesCancelled  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "rides_cancelled_total", Help: "Total rides cancelled, by party"}, []string{"by"})
	LocationUpdates = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "driver_location_updates_total", Help: "Total driver location upserts"})
	PublishErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "notify_publish_errors_total", Help: "Total best-effort event publishes that failed"})

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "match_latency_seconds", Help: "Seconds from ride request to driver acceptance"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
