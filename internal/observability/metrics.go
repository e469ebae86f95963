package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Rides accepted by intake"})
	RideTransitions = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions by target status"}, []string{"status"})
	AcceptOutcomes  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "accept_outcomes_total", Help: "Driver accept attempts by outcome"}, []string{"outcome"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers online on this instance's connections"})

	DispatchJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_jobs_total", Help: "Dispatch jobs by final outcome"},
		[]string{"outcome"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_duration_seconds",
		Help:      "Time from job start to ride resolution",
		Buckets:   []float64{1, 5, 15, 30, 60, 90, 120, 180},
	})
	DispatchRetries = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_retries_total", Help: "Dispatch job attempts retried after an error"})
	RadiusSearches  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "radius_searches_total", Help: "Presence queries by radius"}, []string{"radius_m"})
	OffersSent      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "ride_offered events published"})
	LockConflicts   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "lock_conflicts_total", Help: "NX acquisitions that lost"}, []string{"scope"})
	RidesSwept      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_swept_total", Help: "Stale requested rides cancelled by the sweeper"})

	FanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "fanout_messages_total", Help: "Bridge messages by audience and result"},
		[]string{"audience", "result"},
	)
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "connections_open", Help: "Live websocket connections on this instance"})
	InboundEvents   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "inbound_events_total", Help: "Client events by type and result"}, []string{"type", "result"})

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
