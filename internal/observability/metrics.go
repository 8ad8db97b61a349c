// Package observability provides structured logging and Prometheus metrics.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the ingestion pipeline.
type Metrics struct {
	// Run metrics
	RunsTotal     *prometheus.CounterVec // run_type, status
	RunDuration   *prometheus.HistogramVec
	StageDuration *prometheus.HistogramVec

	// Transport metrics
	PollRetriesTotal *prometheus.CounterVec // error_code

	// Raw persistence metrics
	RawRowsInserted     prometheus.Counter
	RawRowsDeduplicated prometheus.Counter
	ArtifactsDeduped    prometheus.Counter

	// Canonical metrics
	CanonicalUpserts *prometheus.CounterVec // kind

	// Snapshot metrics
	SnapshotRowsWritten  prometheus.Counter
	ProvisionalSnapshots prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "ibkr_flex_ledger"
	}

	return &Metrics{
		RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by type and terminal status",
		}, []string{"run_type", "status"}),
		RunDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "run_duration_seconds",
			Help:      "Run duration by run type",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"run_type"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "stage_duration_seconds",
			Help:      "Stage duration by stage name",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"stage"}),
		PollRetriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flex",
			Name:      "poll_retries_total",
			Help:      "Total number of poll retries by upstream error code",
		}, []string{"error_code"}),
		RawRowsInserted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raw",
			Name:      "rows_inserted_total",
			Help:      "Total number of raw rows inserted",
		}),
		RawRowsDeduplicated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raw",
			Name:      "rows_deduplicated_total",
			Help:      "Total number of raw rows skipped as duplicates",
		}),
		ArtifactsDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "raw",
			Name:      "artifacts_deduped_total",
			Help:      "Total number of content-addressed artifact dedupe hits",
		}),
		CanonicalUpserts: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "canonical",
			Name:      "upserts_total",
			Help:      "Total number of canonical event upserts by kind",
		}, []string{"kind"}),
		SnapshotRowsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "rows_written_total",
			Help:      "Total number of daily snapshot rows written",
		}),
		ProvisionalSnapshots: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "snapshot",
			Name:      "provisional_rows_total",
			Help:      "Total number of snapshot rows marked provisional",
		}),
	}
}

// Handler returns the Prometheus scrape handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
