package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RidesInitiated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "rides_initiated_total", Help: "Total number of rides initiated"})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracking", Name: "ride_transitions_total", Help: "Committed ride status transitions"},
		[]string{"from", "to"},
	)
	RejectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracking", Name: "ride_transitions_rejected_total", Help: "Transitions rejected because the ride was not in the expected state"},
		[]string{"to"},
	)
	PaymentIntents    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "payment_intents_total", Help: "Payment intents created"})
	DispatchLatency   = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_tracking", Name: "dispatch_latency_seconds", Help: "Time to choose a queued ride for a driver"})
	DirectionsLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "ride_tracking", Name: "directions_latency_seconds", Help: "Directions provider latency", Buckets: prometheus.DefBuckets},
		[]string{"outcome"},
	)

	SamplesPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "location_samples_published_total", Help: "Location samples accepted by the channel"})
	SamplesReplaced  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "location_samples_replaced_total", Help: "Undelivered samples overwritten by a newer one for a slow subscriber"})
	SamplesDropped   = promauto.NewCounter(prometheus.CounterOpts{Namespace: "ride_tracking", Name: "location_samples_forward_dropped_total", Help: "Samples not forwarded to the event log because the queue was full"})
	TopicsActive     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "trip_topics_active", Help: "Trip topics currently alive"})
	Subscribers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "trip_subscribers", Help: "Current trip subscriptions"})
	WSConnections    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_tracking", Name: "ws_connections", Help: "Open channel websocket connections"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_tracking", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_tracking",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
