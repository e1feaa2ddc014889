package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "outbox"

var (
	// Processor metrics

	// MessagesProcessed tracks per-message outcomes
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "messages_processed_total",
			Help:      "Total outbox messages handled by the processor",
		},
		[]string{"type", "result"}, // result: processed, failed, skipped, conflict
	)

	// PublishDuration tracks time spent inside publishers
	PublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "publish_duration_seconds",
			Help:      "Time to publish an outbox message",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// BatchSize tracks how many eligible ids each pass received
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "batch_size",
			Help:      "Number of eligible messages listed per pass",
			Buckets:   []float64{0, 1, 5, 10, 50, 100, 250, 500, 1000},
		},
	)

	// PassDuration tracks the duration of a full processing pass
	PassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "processor",
			Name:      "pass_duration_seconds",
			Help:      "Time to run one outbox processing pass",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Publisher metrics

	// PublisherPublished tracks payloads delivered per publisher
	PublisherPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "published_total",
			Help:      "Total payloads delivered by a publisher",
		},
		[]string{"publisher"},
	)

	// PublisherErrors tracks delivery errors per publisher
	PublisherErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "errors_total",
			Help:      "Total delivery errors by a publisher",
		},
		[]string{"publisher"},
	)

	// CircuitBreakerState tracks webhook circuit breaker state
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"target"},
	)

	// CircuitBreakerTrips tracks circuit breaker trip events
	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "publisher",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trips",
		},
		[]string{"target"},
	)

	// WebhookRequests tracks webhook deliveries by status code
	WebhookRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "requests_total",
			Help:      "Total webhook requests",
		},
		[]string{"status"},
	)

	// WebhookDuration tracks webhook request duration
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "duration_seconds",
			Help:      "Webhook request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	// Trigger metrics

	// TriggerPasses tracks scheduled passes
	TriggerPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "passes_total",
			Help:      "Total processing passes started by the trigger",
		},
		[]string{"result"}, // result: ok, error, skipped, standby
	)

	// LeaderStatus is 1 while this instance holds the lease
	LeaderStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "trigger",
			Name:      "leader",
			Help:      "Whether this instance holds the processing lease",
		},
	)

	// HTTP API metrics

	// HTTPRequestsTotal tracks HTTP API requests
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP API request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// CircuitBreakerState constants
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)

// Message results
const (
	ResultProcessed = "processed"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultConflict  = "conflict"
)
