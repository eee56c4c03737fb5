package models

import "time"

// Cluster is a validated connected component of the similarity graph. Clusters
// are recomputed from scratch on each run; persistence replaces all prior
// clusters for the same edge collection.
type Cluster struct {
	ID                string    `json:"id" db:"id"`
	EdgeCollection    string    `json:"edge_collection" db:"edge_collection"`
	MemberIDs         []string  `json:"member_ids" db:"member_ids"`
	Size              int       `json:"size" db:"size"`
	AverageSimilarity float64   `json:"average_similarity" db:"average_similarity"`
	Density           float64   `json:"density" db:"density"` // edges present / C(size, 2)
	QualityScore      float64   `json:"quality_score" db:"quality_score"`
	IsValid           bool      `json:"is_valid" db:"is_valid"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// QualityThresholds are the minimums a cluster must meet to be marked valid.
// Failing them is a data quality signal, never an error.
type QualityThresholds struct {
	MinClusterSize       int     `json:"min_cluster_size" yaml:"minClusterSize"`
	MinAverageSimilarity float64 `json:"min_average_similarity" yaml:"minAverageSimilarity"`
	MinDensity           float64 `json:"min_density" yaml:"minDensity"`
}

// DefaultQualityThresholds drops singletons and accepts everything else.
func DefaultQualityThresholds() QualityThresholds {
	return QualityThresholds{
		MinClusterSize:       2,
		MinAverageSimilarity: 0,
		MinDensity:           0,
	}
}
