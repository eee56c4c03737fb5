package models

import "time"

// SimilarityEdge is a persisted edge between two record vertices. At most one
// edge exists per unordered pair per edge collection; re-materialization
// updates the stored properties instead of duplicating.
type SimilarityEdge struct {
	From           string    `json:"from"` // vertex reference, "collection/key"
	To             string    `json:"to"`
	PairKey        string    `json:"pair_key"`
	Weight         float64   `json:"weight"`
	RawScore       float64   `json:"raw_score"`
	SourceStrategy string    `json:"source_strategy"`
	CreatedAt      time.Time `json:"created_at"`
}
