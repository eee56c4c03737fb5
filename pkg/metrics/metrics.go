// Package metrics provides Prometheus metrics for the Aspen pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PipelineRunsTotal tracks pipeline runs by collection and outcome
	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Total number of pipeline runs by collection and status",
		},
		[]string{"collection", "status"},
	)

	// PipelineStageDuration tracks per-stage wall time in seconds
	PipelineStageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aspen",
			Subsystem: "pipeline",
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)

	// BlockingPairsGenerated tracks candidate pairs emitted by strategy
	BlockingPairsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Subsystem: "blocking",
			Name:      "pairs_generated_total",
			Help:      "Total number of candidate pairs generated by blocking strategy",
		},
		[]string{"strategy"},
	)

	// ScoringComparisons tracks scored pairs by decision
	ScoringComparisons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Subsystem: "scoring",
			Name:      "comparisons_total",
			Help:      "Total number of scored pair comparisons by decision",
		},
		[]string{"decision"},
	)

	// EdgesMaterialized tracks edge upserts by result
	EdgesMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Subsystem: "edges",
			Name:      "materialized_total",
			Help:      "Total number of edges materialized by result",
		},
		[]string{"result"},
	)

	// ClustersFound tracks clusters produced by validity
	ClustersFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Subsystem: "clusters",
			Name:      "found_total",
			Help:      "Total number of clusters found by validity",
		},
		[]string{"valid"},
	)

	// BatchFailures tracks contained batch failures by stage
	BatchFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aspen",
			Name:      "batch_failures_total",
			Help:      "Total number of batches that failed after retries",
		},
		[]string{"stage"},
	)

	// StoreQueryDuration tracks store operation duration in seconds
	StoreQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aspen",
			Subsystem: "store",
			Name:      "query_duration_seconds",
			Help:      "Duration of store operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		},
		[]string{"operation"},
	)
)

// RecordPipelineRun records one finished pipeline run
func RecordPipelineRun(collection, status string) {
	PipelineRunsTotal.WithLabelValues(collection, status).Inc()
}

// RecordStageDuration records per-stage wall time
func RecordStageDuration(stage string, durationSeconds float64) {
	PipelineStageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordBlockingPairs records pairs generated by a blocking strategy
func RecordBlockingPairs(strategy string, count int) {
	BlockingPairsGenerated.WithLabelValues(strategy).Add(float64(count))
}

// RecordScoringComparisons records scored comparisons for one decision
func RecordScoringComparisons(decision string, count int) {
	ScoringComparisons.WithLabelValues(decision).Add(float64(count))
}

// RecordEdgesMaterialized records an edge materialization outcome
func RecordEdgesMaterialized(result string, count int) {
	EdgesMaterialized.WithLabelValues(result).Add(float64(count))
}

// RecordClustersFound records discovered clusters by validity
func RecordClustersFound(valid bool, count int) {
	label := "false"
	if valid {
		label = "true"
	}
	ClustersFound.WithLabelValues(label).Add(float64(count))
}

// RecordBatchFailure records a batch that failed after exhausting retries
func RecordBatchFailure(stage string) {
	BatchFailures.WithLabelValues(stage).Inc()
}

// RecordStoreQuery records one store operation's duration
func RecordStoreQuery(operation string, durationSeconds float64) {
	StoreQueryDuration.WithLabelValues(operation).Observe(durationSeconds)
}
