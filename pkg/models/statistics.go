package models

// Statistics are immutable per-run results. Nothing in the pipeline keeps
// accumulating counters on long-lived objects; callers aggregate across runs
// if they need to.

// BlockingStatistics describes one blocking run.
type BlockingStatistics struct {
	Strategy            string  `json:"strategy"`
	RecordCount         int64   `json:"record_count"`
	BlocksExamined      int     `json:"blocks_examined"`
	PairsGenerated      int     `json:"pairs_generated"`
	ComparisonsPossible int64   `json:"comparisons_possible"` // n*(n-1)/2
	ReductionRatio      float64 `json:"reduction_ratio"`
	OversizedTruncated  int     `json:"oversized_truncated"`
	OversizedSkipped    int     `json:"oversized_skipped"`
	TargetsSkipped      int     `json:"targets_skipped"` // fuzzy targets with no usable field value
}

// ScoringStatistics describes one scoring run.
type ScoringStatistics struct {
	PairsScored      int `json:"pairs_scored"`
	Matches          int `json:"matches"`
	PossibleMatches  int `json:"possible_matches"`
	NonMatches       int `json:"non_matches"`
	MissingDocuments int `json:"missing_documents"` // pairs skipped because a document was absent
	FieldsMissing    int `json:"fields_missing"`
	FailedBatches    int `json:"failed_batches"`
}

// MaterializationStatistics describes one edge materialization run.
type MaterializationStatistics struct {
	EdgesCreated      int `json:"edges_created"`
	EdgesUpdated      int `json:"edges_updated"`
	EdgesFailed       int `json:"edges_failed"`
	PairsSkipped      int `json:"pairs_skipped"` // below threshold or non-match
	PairsDeduplicated int `json:"pairs_deduplicated"`
	Batches           int `json:"batches"`
	FailedBatches     int `json:"failed_batches"`
}

// ClusteringStatistics describes one clustering run.
type ClusteringStatistics struct {
	VerticesSeen      int `json:"vertices_seen"`
	ComponentsFound   int `json:"components_found"`
	SingletonsDropped int `json:"singletons_dropped"`
	ValidClusters     int `json:"valid_clusters"`
	InvalidClusters   int `json:"invalid_clusters"`
	FailedComponents  int `json:"failed_components"`
}

// StageTiming records wall time per pipeline stage.
type StageTiming struct {
	Stage      RunStage `json:"stage"`
	DurationMs int64    `json:"duration_ms"`
}

// PipelineStatistics aggregates the per-stage statistics of a full run.
type PipelineStatistics struct {
	Blocking        *BlockingStatistics        `json:"blocking,omitempty"`
	Scoring         *ScoringStatistics         `json:"scoring,omitempty"`
	Materialization *MaterializationStatistics `json:"materialization,omitempty"`
	Clustering      *ClusteringStatistics      `json:"clustering,omitempty"`
	StageTimings    []StageTiming              `json:"stage_timings,omitempty"`
	TotalDurationMs int64                      `json:"total_duration_ms"`
}
