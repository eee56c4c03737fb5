package models

// CandidatePair is an unordered pair of records proposed for comparison by a
// blocking strategy. Pairs are order-normalized at construction so (A,B) and
// (B,A) collapse to the same value; self-pairs are rejected.
type CandidatePair struct {
	A              RecordID `json:"a"`
	B              RecordID `json:"b"`
	SourceStrategy string   `json:"source_strategy"`
	BlockingScore  float64  `json:"blocking_score"` // raw relevance score, 0 for composite-key pairs
}

// NewCandidatePair builds an order-normalized pair. Returns ok=false when both
// sides reference the same record.
func NewCandidatePair(a RecordID, b RecordID, strategy string, score float64) (CandidatePair, bool) {
	as, bs := a.String(), b.String()
	if as == bs {
		return CandidatePair{}, false
	}
	if as > bs {
		a, b = b, a
	}
	return CandidatePair{
		A:              a,
		B:              b,
		SourceStrategy: strategy,
		BlockingScore:  score,
	}, true
}

// PairKey is the deduplication key for the unordered pair.
func (p CandidatePair) PairKey() string {
	return p.A.String() + "|" + p.B.String()
}
