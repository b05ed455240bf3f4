// Package metrics holds the Prometheus instrumentation for the dispatch
// core, adapted from the teacher's internal/common/metrics/metrics.go:
// same promauto + Namespace/Subsystem convention, new subsystems for this
// repo's domain (batch, retry, transport, leader, ingest) in place of the
// teacher's pool/mediator/outbox/scheduler/stream/queue subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Batch metrics

	BatchGroupsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "batch",
			Name:      "groups_delivered_total",
			Help:      "Total groups delivered to a batcher's processor",
		},
		[]string{"batcher"},
	)

	BatchItemsDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "batch",
			Name:      "items_delivered_total",
			Help:      "Total items delivered across all groups",
		},
		[]string{"batcher"},
	)

	BatchGroupSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replikit",
			Subsystem: "batch",
			Name:      "group_size",
			Help:      "Size of delivered groups",
			Buckets:   prometheus.LinearBuckets(1, 5, 10),
		},
		[]string{"batcher"},
	)

	BatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replikit",
			Subsystem: "batch",
			Name:      "queue_depth",
			Help:      "Items currently buffered in a batcher's inbox",
		},
		[]string{"batcher"},
	)

	// Retry metrics

	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total attempts submitted by retrying requests",
		},
		[]string{"result"}, // success, transient, permanent, exhausted, canceled
	)

	RetryBackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "replikit",
			Subsystem: "retry",
			Name:      "backoff_seconds",
			Help:      "Backoff duration armed before a retry attempt",
			Buckets:   []float64{1, 2, 4, 8, 16, 32, 64},
		},
	)

	RetryInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "replikit",
			Subsystem: "retry",
			Name:      "in_flight",
			Help:      "Number of RetryingRequests awaiting a terminal outcome",
		},
	)

	// Transport metrics

	TransportRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "transport",
			Name:      "requests_total",
			Help:      "Total outbound requests executed by the transport",
		},
		[]string{"status_code", "method"},
	)

	TransportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "replikit",
			Subsystem: "transport",
			Name:      "duration_seconds",
			Help:      "Outbound request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	TransportCircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "transport",
			Name:      "circuit_breaker_trips_total",
			Help:      "Total circuit breaker trip events",
		},
		[]string{"target"},
	)

	TransportCircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replikit",
			Subsystem: "transport",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0=closed 1=open 2=half-open",
		},
		[]string{"target"},
	)

	// Leader election metrics

	LeaderElectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "replikit",
			Subsystem: "leader",
			Name:      "election_state",
			Help:      "1 if this instance currently holds leadership, else 0",
		},
	)

	// Ingestion metrics

	IngestMessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "ingest",
			Name:      "messages_received_total",
			Help:      "Total messages received from an ingestion source",
		},
		[]string{"source"}, // sqs, nats
	)

	IngestMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replikit",
			Subsystem: "ingest",
			Name:      "messages_failed_total",
			Help:      "Total messages that failed decode or enqueue",
		},
		[]string{"source"},
	)
)

// CircuitBreakerState constants, the values reported by
// TransportCircuitBreakerState. They do not follow gobreaker.State's
// numbering, which puts half-open at 1 and open at 2.
const (
	CircuitBreakerClosed   = 0
	CircuitBreakerOpen     = 1
	CircuitBreakerHalfOpen = 2
)
