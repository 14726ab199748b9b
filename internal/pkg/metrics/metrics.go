package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captions_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captions_api_request_duration_seconds",
			Help:    "API request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Cache layer
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captions_cache_lookups_total",
			Help: "AI cache lookups by kind and outcome (hit, miss, error)",
		},
		[]string{"kind", "outcome"},
	)

	// Pipeline
	CaptionsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captions_ingested_total",
			Help: "Captions appended to the event log",
		},
		[]string{"source"},
	)

	IndexWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captions_index_write_failures_total",
			Help: "Document index writes that failed after the log append succeeded",
		},
	)

	ProjectorRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captions_projector_repairs_total",
			Help: "Caption documents re-created from the event log",
		},
	)

	// Correlation
	CorrelationWaits = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "captions_correlation_wait_seconds",
			Help:    "Time spent waiting for a worker result",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"}, // claimed, pending, failed, canceled
	)

	WorkerJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "captions_worker_jobs_total",
			Help: "Jobs processed by the answer worker",
		},
		[]string{"outcome"},
	)

	// Gateway
	GatewayConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captions_gateway_connections",
			Help: "Open overlay connections by transport",
		},
		[]string{"transport"},
	)

	GatewayDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "captions_gateway_dropped_clients_total",
			Help: "Clients disconnected because their send buffer was full",
		},
	)

	// Search
	SearchBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "captions_search_breaker_state",
			Help: "Document index circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordAPIRequest records one served HTTP request.
func RecordAPIRequest(method, endpoint string, status int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordCorrelationWait records how a wait for a worker result ended.
func RecordCorrelationWait(outcome string, d time.Duration) {
	CorrelationWaits.WithLabelValues(outcome).Observe(d.Seconds())
}
