// Package metrics defines the Prometheus collectors used by the sync
// pipeline and the retention sweeper and exposes an HTTP handler for
// scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for indexsync.
type Metrics struct {
	MessagesConsumed    *prometheus.CounterVec
	DeadLetters         *prometheus.CounterVec
	BatchesFlushed      *prometheus.CounterVec
	BatchSize           prometheus.Histogram
	BatchesInFlight     prometheus.Gauge
	DocumentsWritten    *prometheus.CounterVec
	BulkRequests        *prometheus.CounterVec
	BulkLatency         prometheus.Histogram
	LeaseWaits          prometheus.Counter
	OffsetsCommitted    *prometheus.GaugeVec
	CommitFailures      prometheus.Counter
	SweepRuns           *prometheus.CounterVec
	IndicesDeleted      prometheus.Counter
	IndicesDeferred     prometheus.Counter
	DeletionFailures    prometheus.Counter
	CircuitBreakerState *prometheus.GaugeVec
	AdminRequests       *prometheus.CounterVec
	AdminLatency        *prometheus.HistogramVec
}

// New creates all collectors and registers them with reg. Passing nil
// registers with the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		MessagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_messages_consumed_total",
				Help: "Messages pulled from the broker by topic.",
			},
			[]string{"topic"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_dead_letters_total",
				Help: "Messages or documents routed to the dead-letter path by stage (mapping, write).",
			},
			[]string{"stage"},
		),
		BatchesFlushed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_batches_flushed_total",
				Help: "Batches emitted by the accumulator by trigger (size, age, forced).",
			},
			[]string{"trigger"},
		),
		BatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexsync_batch_size",
				Help:    "Documents per emitted batch.",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 5000},
			},
		),
		BatchesInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "indexsync_batches_in_flight",
				Help: "Batches currently handed to the writer.",
			},
		),
		DocumentsWritten: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_documents_written_total",
				Help: "Final per-document write outcomes (accepted, permanent).",
			},
			[]string{"outcome"},
		),
		BulkRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_bulk_requests_total",
				Help: "Bulk requests issued by status (ok, partial, error).",
			},
			[]string{"status"},
		),
		BulkLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "indexsync_bulk_latency_seconds",
				Help:    "Bulk request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		LeaseWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexsync_lease_waits_total",
				Help: "Batches that waited longer than the warning threshold on an index deletion.",
			},
		),
		OffsetsCommitted: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexsync_committed_offset",
				Help: "Last committed offset per topic partition.",
			},
			[]string{"topic", "partition"},
		),
		CommitFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexsync_commit_failures_total",
				Help: "Offset commits that failed after retries.",
			},
		),
		SweepRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_sweep_runs_total",
				Help: "Retention sweep passes by status (ok, partial, error, skipped).",
			},
			[]string{"status"},
		),
		IndicesDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexsync_indices_deleted_total",
				Help: "Indices deleted by the retention sweeper.",
			},
		),
		IndicesDeferred: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexsync_indices_deferred_total",
				Help: "Expired indices deferred because a write held their lease.",
			},
		),
		DeletionFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "indexsync_deletion_failures_total",
				Help: "Expired indices whose snapshot or deletion failed.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "indexsync_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
		AdminRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "indexsync_admin_requests_total",
				Help: "Requests to the health endpoints by path and status.",
			},
			[]string{"path", "status"},
		),
		AdminLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "indexsync_admin_request_duration_seconds",
				Help:    "Health endpoint latency in seconds, dominated by dependency checks.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"path"},
		),
	}

	reg.MustRegister(
		m.MessagesConsumed,
		m.DeadLetters,
		m.BatchesFlushed,
		m.BatchSize,
		m.BatchesInFlight,
		m.DocumentsWritten,
		m.BulkRequests,
		m.BulkLatency,
		m.LeaseWaits,
		m.OffsetsCommitted,
		m.CommitFailures,
		m.SweepRuns,
		m.IndicesDeleted,
		m.IndicesDeferred,
		m.DeletionFailures,
		m.CircuitBreakerState,
		m.AdminRequests,
		m.AdminLatency,
	)

	return m
}

// NewNop returns collectors registered with a private registry, for tests
// and one-shot commands that do not serve metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
