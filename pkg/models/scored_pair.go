package models

// Decision classifies a scored pair against the global thresholds.
type Decision string

const (
	DecisionMatch         Decision = "match"          // total score >= upper threshold
	DecisionPossibleMatch Decision = "possible_match" // strictly between the thresholds
	DecisionNonMatch      Decision = "non_match"      // total score <= lower threshold
)

// FieldScore records the per-field evidence behind a decision.
type FieldScore struct {
	Similarity   float64 `json:"similarity"`
	Agreement    bool    `json:"agreement"`
	Contribution float64 `json:"contribution"`
	Missing      bool    `json:"missing"` // value absent on either side; contributes no evidence
}

// ScoredPair is the output of similarity scoring for one candidate pair.
type ScoredPair struct {
	Pair        CandidatePair         `json:"pair"`
	TotalScore  float64               `json:"total_score"`
	FieldScores map[string]FieldScore `json:"field_scores"`
	Decision    Decision              `json:"decision"`
}

// MeanFieldSimilarity averages the bounded similarities of the fields that
// had values on both sides. This is what edge weights and cluster quality
// averages are built from; the unbounded TotalScore is kept as provenance.
func (p ScoredPair) MeanFieldSimilarity() float64 {
	sum := 0.0
	count := 0
	for _, score := range p.FieldScores {
		if score.Missing {
			continue
		}
		sum += score.Similarity
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Classify applies the decision boundaries: at or above upper is a match, at
// or below lower is a non-match, strictly between is a possible match.
func Classify(totalScore float64, upperThreshold float64, lowerThreshold float64) Decision {
	switch {
	case totalScore >= upperThreshold:
		return DecisionMatch
	case totalScore <= lowerThreshold:
		return DecisionNonMatch
	default:
		return DecisionPossibleMatch
	}
}
