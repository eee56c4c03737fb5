package scoring

import (
	"context"
	"math"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/similarity"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeDocumentFetcher struct {
	docs    map[string]models.Document // record key -> document
	calls   int
	lastIDs []models.RecordID
}

func (f *fakeDocumentFetcher) FetchDocumentsByIDs(_ context.Context, ids []models.RecordID) (map[string]models.Document, error) {
	f.calls++
	f.lastIDs = ids
	documents := make(map[string]models.Document)
	for _, id := range ids {
		if doc, ok := f.docs[id.Key]; ok {
			documents[id.String()] = doc
		}
	}
	return documents, nil
}

func mustPair(t *testing.T, keyA, keyB string) models.CandidatePair {
	t.Helper()
	pair, ok := models.NewCandidatePair(
		models.NewRecordID("customers", keyA),
		models.NewRecordID("customers", keyB),
		"composite_key", 0,
	)
	require.True(t, ok)
	return pair
}

func twoFieldWeights() Weights {
	return Weights{
		Fields: []FieldWeight{
			{Field: "phone", MProbability: 0.9, UProbability: 0.1, Importance: 2, Algorithm: similarity.AlgorithmExact},
			{Field: "email", MProbability: 0.8, UProbability: 0.2, Importance: 2, Algorithm: similarity.AlgorithmExact},
		},
		UpperThreshold: 1.0,
		LowerThreshold: -1.0,
	}
}

func TestNewScorerNormalizesImportances(t *testing.T) {
	scorer, err := NewScorer(&fakeDocumentFetcher{}, testLogger(), twoFieldWeights())
	require.NoError(t, err)

	require.Len(t, scorer.fields, 2)
	assert.Equal(t, 0.5, scorer.fields[0].weight.Importance)
	assert.Equal(t, 0.5, scorer.fields[1].weight.Importance)
	assert.Equal(t, DefaultAgreementThreshold, scorer.fields[0].weight.AgreementThreshold)
	assert.InDelta(t, math.Log(9), scorer.fields[0].logAgree, 1e-12)
	assert.InDelta(t, math.Log(1.0/9.0), scorer.fields[0].logDisagree, 1e-12)
}

func TestNewScorerValidation(t *testing.T) {
	valid := FieldWeight{Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: 1}

	tests := []struct {
		name         string
		weights      Weights
		wantValidate bool
	}{
		{
			name:    "no fields",
			weights: Weights{UpperThreshold: 1, LowerThreshold: -1},
		},
		{
			name: "all zero importances",
			weights: Weights{
				Fields: []FieldWeight{
					{Field: "name", MProbability: 0.9, UProbability: 0.1},
					{Field: "email", MProbability: 0.9, UProbability: 0.1},
				},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "m probability at one",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 1.0, UProbability: 0.1, Importance: 1}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "u probability at zero",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.9, UProbability: 0, Importance: 1}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "m not above u",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.2, UProbability: 0.2, Importance: 1}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "negative importance",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: -1}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "agreement threshold above one",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: 1, AgreementThreshold: 1.5}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "upper not above lower",
			weights: Weights{
				Fields:         []FieldWeight{valid},
				UpperThreshold: 1, LowerThreshold: 1,
			},
		},
		{
			name: "duplicate field",
			weights: Weights{
				Fields:         []FieldWeight{valid, valid},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "unknown algorithm",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: 1, Algorithm: "cosine"}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "unknown normalizer",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: 1, Normalizers: []string{"shout"}}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
		},
		{
			name: "injection in field path",
			weights: Weights{
				Fields:         []FieldWeight{{Field: "name; DROP", MProbability: 0.9, UProbability: 0.1, Importance: 1}},
				UpperThreshold: 1, LowerThreshold: -1,
			},
			wantValidate: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewScorer(&fakeDocumentFetcher{}, testLogger(), tt.weights)
			require.Error(t, err)
			if tt.wantValidate {
				assert.True(t, errs.IsValidation(err))
			} else {
				assert.True(t, errs.IsConfiguration(err), "want configuration error, got %v", err)
			}
		})
	}
}

func TestScoreBatchDecisions(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"phone": "555", "email": "a@x.com"},
		"r2": {"phone": "555", "email": "a@x.com"},
		"r3": {"phone": "555", "email": "b@y.com"},
		"r4": {"phone": "777", "email": "c@z.com"},
	}}

	scorer, err := NewScorer(fetcher, testLogger(), twoFieldWeights())
	require.NoError(t, err)

	pairs := []models.CandidatePair{
		mustPair(t, "r1", "r2"), // both fields agree
		mustPair(t, "r1", "r3"), // phone agrees, email disagrees
		mustPair(t, "r1", "r4"), // both disagree
	}

	result, err := scorer.ScoreBatch(context.Background(), pairs)
	require.NoError(t, err)
	require.Len(t, result.ScoredPairs, 3)

	bothAgree := 0.5*math.Log(9) + 0.5*math.Log(4)
	mixed := 0.5*math.Log(9) + 0.5*math.Log(0.25)

	assert.InDelta(t, bothAgree, result.ScoredPairs[0].TotalScore, 1e-12)
	assert.Equal(t, models.DecisionMatch, result.ScoredPairs[0].Decision)

	assert.InDelta(t, mixed, result.ScoredPairs[1].TotalScore, 1e-12)
	assert.Equal(t, models.DecisionPossibleMatch, result.ScoredPairs[1].Decision)

	assert.InDelta(t, -bothAgree, result.ScoredPairs[2].TotalScore, 1e-12)
	assert.Equal(t, models.DecisionNonMatch, result.ScoredPairs[2].Decision)

	assert.Equal(t, 3, result.Statistics.PairsScored)
	assert.Equal(t, 1, result.Statistics.Matches)
	assert.Equal(t, 1, result.Statistics.PossibleMatches)
	assert.Equal(t, 1, result.Statistics.NonMatches)

	email := result.ScoredPairs[1].FieldScores["email"]
	assert.False(t, email.Agreement)
	assert.InDelta(t, 0.5*math.Log(0.25), email.Contribution, 1e-12)
}

func TestScoreBatchFetchesDocumentsOnce(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"phone": "555"},
		"r2": {"phone": "555"},
		"r3": {"phone": "555"},
	}}

	weights := twoFieldWeights()
	scorer, err := NewScorer(fetcher, testLogger(), weights)
	require.NoError(t, err)

	pairs := []models.CandidatePair{
		mustPair(t, "r1", "r2"),
		mustPair(t, "r1", "r3"),
		mustPair(t, "r2", "r3"),
	}

	_, err = scorer.ScoreBatch(context.Background(), pairs)
	require.NoError(t, err)

	assert.Equal(t, 1, fetcher.calls)
	assert.Len(t, fetcher.lastIDs, 3, "each record fetched once despite appearing in two pairs")
}

func TestScoreBatchSkipsMissingDocuments(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"phone": "555", "email": "a@x.com"},
		"r2": {"phone": "555", "email": "a@x.com"},
	}}

	scorer, err := NewScorer(fetcher, testLogger(), twoFieldWeights())
	require.NoError(t, err)

	result, err := scorer.ScoreBatch(context.Background(), []models.CandidatePair{
		mustPair(t, "r1", "r2"),
		mustPair(t, "r1", "ghost"),
	})
	require.NoError(t, err)

	assert.Len(t, result.ScoredPairs, 1)
	assert.Equal(t, 1, result.Statistics.PairsScored)
	assert.Equal(t, 1, result.Statistics.MissingDocuments)
}

func TestScoreBatchMissingFieldContributesNoEvidence(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"phone": "555", "email": "a@x.com"},
		"r2": {"phone": "555"}, // no email
	}}

	scorer, err := NewScorer(fetcher, testLogger(), twoFieldWeights())
	require.NoError(t, err)

	result, err := scorer.ScoreBatch(context.Background(), []models.CandidatePair{mustPair(t, "r1", "r2")})
	require.NoError(t, err)
	require.Len(t, result.ScoredPairs, 1)

	scored := result.ScoredPairs[0]
	assert.True(t, scored.FieldScores["email"].Missing)
	assert.Zero(t, scored.FieldScores["email"].Contribution)
	assert.Equal(t, 1, result.Statistics.FieldsMissing)

	// Only the phone field votes
	assert.InDelta(t, 0.5*math.Log(9), scored.TotalScore, 1e-12)
}

func TestScoreBatchSymmetric(t *testing.T) {
	docJon := models.Document{"name": "jon smith"}
	docJohn := models.Document{"name": "john smith"}

	weights := Weights{
		Fields: []FieldWeight{{
			Field: "name", MProbability: 0.9, UProbability: 0.1, Importance: 1,
			Algorithm: similarity.AlgorithmJaroWinkler, AgreementThreshold: 0.9,
		}},
		UpperThreshold: 1.0,
		LowerThreshold: -1.0,
	}

	forward := &fakeDocumentFetcher{docs: map[string]models.Document{"a": docJon, "b": docJohn}}
	reversed := &fakeDocumentFetcher{docs: map[string]models.Document{"a": docJohn, "b": docJon}}

	pair := mustPair(t, "a", "b")

	scorerF, err := NewScorer(forward, testLogger(), weights)
	require.NoError(t, err)
	scorerR, err := NewScorer(reversed, testLogger(), weights)
	require.NoError(t, err)

	resultF, err := scorerF.ScoreBatch(context.Background(), []models.CandidatePair{pair})
	require.NoError(t, err)
	resultR, err := scorerR.ScoreBatch(context.Background(), []models.CandidatePair{pair})
	require.NoError(t, err)

	assert.Equal(t, resultF.ScoredPairs[0].TotalScore, resultR.ScoredPairs[0].TotalScore)
	assert.Equal(t, resultF.ScoredPairs[0].Decision, resultR.ScoredPairs[0].Decision)
}

func TestScoreBatchBoundaryClassification(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"phone": "555", "email": "a@x.com"},
		"r2": {"phone": "555", "email": "a@x.com"},
	}}

	bothAgree := 0.5*math.Log(0.9/0.1) + 0.5*math.Log(0.8/0.2)

	// Landing exactly on the upper threshold is a match
	weights := twoFieldWeights()
	weights.UpperThreshold = bothAgree
	scorer, err := NewScorer(fetcher, testLogger(), weights)
	require.NoError(t, err)

	result, err := scorer.ScoreBatch(context.Background(), []models.CandidatePair{mustPair(t, "r1", "r2")})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionMatch, result.ScoredPairs[0].Decision)

	// Landing exactly on the lower threshold is a non-match
	weights = twoFieldWeights()
	weights.LowerThreshold = bothAgree
	weights.UpperThreshold = bothAgree + 1
	scorer, err = NewScorer(fetcher, testLogger(), weights)
	require.NoError(t, err)

	result, err = scorer.ScoreBatch(context.Background(), []models.CandidatePair{mustPair(t, "r1", "r2")})
	require.NoError(t, err)
	assert.Equal(t, models.DecisionNonMatch, result.ScoredPairs[0].Decision)
}

func TestScoreBatchNameAndEmailScenario(t *testing.T) {
	fetcher := &fakeDocumentFetcher{docs: map[string]models.Document{
		"r1": {"name": "Jon Smith", "email": "JSMITH@EXAMPLE.COM"},
		"r2": {"name": "John Smith", "email": "jsmith@example.com"},
		"r3": {"name": "Bob Jones", "email": "bjones@other.com"},
	}}

	weights := Weights{
		Fields: []FieldWeight{
			{
				Field: "name", MProbability: 0.9, UProbability: 0.05, Importance: 1,
				Algorithm: similarity.AlgorithmJaroWinkler, AgreementThreshold: 0.9,
				Normalizers: []string{"lowercase", "remove_whitespace"},
			},
			{
				Field: "email", MProbability: 0.95, UProbability: 0.01, Importance: 1,
				Algorithm: similarity.AlgorithmExact,
				Normalizers: []string{"nemail"},
			},
		},
		UpperThreshold: 2.0,
		LowerThreshold: -1.0,
	}

	scorer, err := NewScorer(fetcher, testLogger(), weights)
	require.NoError(t, err)

	result, err := scorer.ScoreBatch(context.Background(), []models.CandidatePair{
		mustPair(t, "r1", "r2"),
		mustPair(t, "r1", "r3"),
	})
	require.NoError(t, err)
	require.Len(t, result.ScoredPairs, 2)

	// A typo'd first name with the same email is still the same person
	same := result.ScoredPairs[0]
	assert.Equal(t, models.DecisionMatch, same.Decision)
	assert.True(t, same.FieldScores["name"].Agreement)
	assert.True(t, same.FieldScores["email"].Agreement)

	different := result.ScoredPairs[1]
	assert.Equal(t, models.DecisionNonMatch, different.Decision)
}

func TestScoreBatchEmpty(t *testing.T) {
	fetcher := &fakeDocumentFetcher{}
	scorer, err := NewScorer(fetcher, testLogger(), twoFieldWeights())
	require.NoError(t, err)

	result, err := scorer.ScoreBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.ScoredPairs)
	assert.Zero(t, fetcher.calls, "empty batches skip the store round trip")
}
