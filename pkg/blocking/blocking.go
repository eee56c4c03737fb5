// Package blocking narrows the O(n²) comparison space to candidate pairs.
// Strategies validate their configuration at construction and return a
// materialized pair set with immutable per-run statistics.
package blocking

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/Ramsey-B/aspen/pkg/models"
)

// Strategy names, recorded on every pair they produce.
const (
	StrategyCompositeKey = "composite_key"
	StrategyFuzzyText    = "fuzzy_text"
)

// Strategy generates candidate pairs for one collection.
type Strategy interface {
	Name() string
	GenerateCandidates(ctx context.Context) (*Result, error)
}

// Result carries the pairs and statistics of one blocking run. Statistics are
// computed per call; nothing accumulates across runs.
type Result struct {
	Pairs      []models.CandidatePair
	Statistics models.BlockingStatistics
}

// BlockKey hashes a grouping value tuple for logs and statistics. Raw field
// values never appear in log lines; the truncated hash is enough to correlate
// repeated warnings about the same block.
func BlockKey(values []string) string {
	h := sha256.New()
	for _, v := range values {
		h.Write([]byte(v))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// comparisonsPossible is the all-pairs denominator n*(n-1)/2.
func comparisonsPossible(n int64) int64 {
	if n < 2 {
		return 0
	}
	return n * (n - 1) / 2
}

// reductionRatio is the fraction of all-pairs comparisons blocking eliminated.
func reductionRatio(pairsGenerated int, possible int64) float64 {
	if possible <= 0 {
		return 0
	}
	return 1 - float64(pairsGenerated)/float64(possible)
}
