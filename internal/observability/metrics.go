// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Market client metrics
	FetchAttempts   *prometheus.CounterVec
	FetchOutcomes   *prometheus.CounterVec
	FetchLatency    *prometheus.HistogramVec
	RateLimitWaits  prometheus.Counter
	SnapshotsStored prometheus.Counter

	// Scheduler metrics
	PassDuration       prometheus.Histogram
	TokensDue          prometheus.Gauge
	TokensUpdated      prometheus.Counter
	TokensFailed       prometheus.Counter
	TokensDeactivated  prometheus.Counter
	TokensReclassified prometheus.Counter

	// Transformer metrics
	SnapshotsProcessed prometheus.Counter
	MetricsWritten     prometheus.Counter
	UnknownContracts   prometheus.Counter
	BufferDepth        prometheus.Gauge
	DrainDuration      prometheus.Histogram

	// Recovery metrics
	TokensRecovered    prometheus.Counter
	SessionsTerminated prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastSuccessfulPass  prometheus.Gauge
	LastSuccessfulDrain prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "token_price_tracker"
	}

	return &Metrics{
		// Market client metrics
		FetchAttempts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_attempts_total",
			Help:      "Total number of upstream fetch attempts by chain",
		}, []string{"chain"}),
		FetchOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_outcomes_total",
			Help:      "Total number of fetch outcomes by chain and result",
		}, []string{"chain", "outcome"}),
		FetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "fetch_latency_seconds",
			Help:      "Upstream fetch latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		RateLimitWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "rate_limit_waits_total",
			Help:      "Total number of rate limiter admissions",
		}),
		SnapshotsStored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "snapshots_stored_total",
			Help:      "Total number of raw snapshots written to the buffer",
		}),

		// Scheduler metrics
		PassDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pass_duration_seconds",
			Help:      "Update pass duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		TokensDue: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tokens_due",
			Help:      "Number of tokens selected in the last pass",
		}),
		TokensUpdated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tokens_updated_total",
			Help:      "Total number of successful token updates",
		}),
		TokensFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tokens_failed_total",
			Help:      "Total number of failed token updates",
		}),
		TokensDeactivated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tokens_deactivated_total",
			Help:      "Total number of tokens deactivated at the failure threshold",
		}),
		TokensReclassified: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tokens_reclassified_total",
			Help:      "Total number of tokens moved to a different priority tier",
		}),

		// Transformer metrics
		SnapshotsProcessed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "snapshots_processed_total",
			Help:      "Total number of snapshots drained from the buffer",
		}),
		MetricsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "metrics_written_total",
			Help:      "Total number of price metric rows written",
		}),
		UnknownContracts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "unknown_contracts_total",
			Help:      "Total number of pairs skipped for unknown contract addresses",
		}),
		BufferDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "buffer_depth",
			Help:      "Current number of unprocessed snapshots in the buffer",
		}),
		DrainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "transform",
			Name:      "drain_duration_seconds",
			Help:      "Buffer drain duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),

		// Recovery metrics
		TokensRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "tokens_recovered_total",
			Help:      "Total number of tokens recovered",
		}),
		SessionsTerminated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "sessions_terminated_total",
			Help:      "Total number of blocked database sessions terminated",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastSuccessfulPass: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_pass_timestamp",
			Help:      "Unix timestamp of last successful update pass",
		}),
		LastSuccessfulDrain: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_drain_timestamp",
			Help:      "Unix timestamp of last successful buffer drain",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordFetchAttempt increments the fetch attempts counter.
func RecordFetchAttempt(chain string) {
	DefaultMetrics.FetchAttempts.WithLabelValues(chain).Inc()
}

// RecordFetchOutcome records a terminal fetch outcome.
func RecordFetchOutcome(chain, outcome string, seconds float64) {
	DefaultMetrics.FetchOutcomes.WithLabelValues(chain, outcome).Inc()
	DefaultMetrics.FetchLatency.WithLabelValues(chain).Observe(seconds)
}

// RecordSnapshotStored increments the stored snapshots counter.
func RecordSnapshotStored() {
	DefaultMetrics.SnapshotsStored.Inc()
}

// RecordRateLimitWait increments the rate limiter admissions counter.
func RecordRateLimitWait() {
	DefaultMetrics.RateLimitWaits.Inc()
}

// RecordPass records the result of a completed update pass.
func RecordPass(due, updated, failed, deactivated int, seconds float64) {
	DefaultMetrics.PassDuration.Observe(seconds)
	DefaultMetrics.TokensDue.Set(float64(due))
	DefaultMetrics.TokensUpdated.Add(float64(updated))
	DefaultMetrics.TokensFailed.Add(float64(failed))
	DefaultMetrics.TokensDeactivated.Add(float64(deactivated))
	DefaultMetrics.LastSuccessfulPass.SetToCurrentTime()
}

// RecordDrain records the result of a completed buffer drain.
func RecordDrain(processed, written, unknown int, seconds float64) {
	DefaultMetrics.DrainDuration.Observe(seconds)
	DefaultMetrics.SnapshotsProcessed.Add(float64(processed))
	DefaultMetrics.MetricsWritten.Add(float64(written))
	DefaultMetrics.UnknownContracts.Add(float64(unknown))
	DefaultMetrics.LastSuccessfulDrain.SetToCurrentTime()
}

// UpdateBufferDepth updates the unprocessed snapshot gauge.
func UpdateBufferDepth(depth int) {
	DefaultMetrics.BufferDepth.Set(float64(depth))
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordRecovered increments the recovered tokens counter.
func RecordRecovered(count int) {
	DefaultMetrics.TokensRecovered.Add(float64(count))
}

// RecordSessionTerminated increments the terminated sessions counter.
func RecordSessionTerminated() {
	DefaultMetrics.SessionsTerminated.Inc()
}
