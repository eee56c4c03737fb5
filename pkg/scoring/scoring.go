// Package scoring turns candidate pairs into match decisions with a
// Fellegi-Sunter log-likelihood model.
package scoring

import (
	"context"
	"math"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/extractor"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/normalizers"
	"github.com/Ramsey-B/aspen/pkg/similarity"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// DefaultAgreementThreshold is the similarity at or above which a field
// counts as agreeing when a field weight does not set its own.
const DefaultAgreementThreshold = 0.85

// FieldWeight configures how one document field contributes evidence.
// MProbability is the chance the field agrees on a true match, UProbability
// the chance it agrees on a non-match; their log ratio sets the strength of
// the field's vote in both directions.
type FieldWeight struct {
	Field              string   `json:"field" yaml:"field"`
	MProbability       float64  `json:"mProbability" yaml:"mProbability"`
	UProbability       float64  `json:"uProbability" yaml:"uProbability"`
	Importance         float64  `json:"importance" yaml:"importance"`
	AgreementThreshold float64  `json:"agreementThreshold" yaml:"agreementThreshold"`
	Algorithm          string   `json:"algorithm" yaml:"algorithm"`
	Normalizers        []string `json:"normalizers" yaml:"normalizers"`
}

// Weights is the full scoring configuration for one collection.
type Weights struct {
	Fields         []FieldWeight `json:"fields" yaml:"fields"`
	UpperThreshold float64       `json:"upperThreshold" yaml:"upperThreshold"`
	LowerThreshold float64       `json:"lowerThreshold" yaml:"lowerThreshold"`
}

// DocumentFetcher is the store surface scoring reads from.
type DocumentFetcher interface {
	FetchDocumentsByIDs(ctx context.Context, ids []models.RecordID) (map[string]models.Document, error)
}

// resolvedField carries a field weight with its normalizer chain, algorithm
// and log ratios resolved up front so the batch loop never consults the
// registries or recomputes logs.
type resolvedField struct {
	weight      FieldWeight
	chain       normalizers.Chain
	algorithm   similarity.Algorithm
	logAgree    float64
	logDisagree float64
}

// Scorer scores candidate pairs against a fixed weight configuration.
type Scorer struct {
	fetcher DocumentFetcher
	logger  ectologger.Logger
	weights Weights
	fields  []resolvedField
}

// Result is the output of one scoring batch.
type Result struct {
	ScoredPairs []models.ScoredPair
	Statistics  models.ScoringStatistics
}

// NewScorer validates the weights and resolves every normalizer chain and
// similarity algorithm once. Invalid probabilities, thresholds, importances
// or unknown names fail here, never during scoring.
func NewScorer(fetcher DocumentFetcher, logger ectologger.Logger, weights Weights) (*Scorer, error) {
	if len(weights.Fields) == 0 {
		return nil, errs.NewConfigurationError("scoring weights", "at least one field weight is required")
	}
	if weights.UpperThreshold <= weights.LowerThreshold {
		return nil, errs.NewConfigurationError("scoring weights", "upperThreshold %v must be greater than lowerThreshold %v", weights.UpperThreshold, weights.LowerThreshold)
	}

	importanceSum := 0.0
	seen := make(map[string]struct{}, len(weights.Fields))
	for _, fw := range weights.Fields {
		if err := models.ValidateFieldPath(fw.Field); err != nil {
			return nil, err
		}
		if _, dup := seen[fw.Field]; dup {
			return nil, errs.NewConfigurationError("scoring weights", "field %q is configured twice", fw.Field)
		}
		seen[fw.Field] = struct{}{}

		if fw.MProbability <= 0 || fw.MProbability >= 1 {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: mProbability must be in (0,1), got %v", fw.Field, fw.MProbability)
		}
		if fw.UProbability <= 0 || fw.UProbability >= 1 {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: uProbability must be in (0,1), got %v", fw.Field, fw.UProbability)
		}
		if fw.MProbability <= fw.UProbability {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: mProbability %v must exceed uProbability %v", fw.Field, fw.MProbability, fw.UProbability)
		}
		if fw.Importance < 0 {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: importance must not be negative, got %v", fw.Field, fw.Importance)
		}
		if fw.AgreementThreshold < 0 || fw.AgreementThreshold > 1 {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: agreementThreshold must be in [0,1], got %v", fw.Field, fw.AgreementThreshold)
		}
		importanceSum += fw.Importance
	}
	if importanceSum == 0 {
		return nil, errs.NewConfigurationError("scoring weights", "importances sum to zero; scoring would classify everything as non-match")
	}

	fields := make([]resolvedField, 0, len(weights.Fields))
	for _, fw := range weights.Fields {
		fw.Importance /= importanceSum
		if fw.AgreementThreshold == 0 {
			fw.AgreementThreshold = DefaultAgreementThreshold
		}
		if fw.Algorithm == "" {
			fw.Algorithm = similarity.AlgorithmExact
		}

		chain, err := normalizers.ResolveChain(fw.Normalizers)
		if err != nil {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: %v", fw.Field, err)
		}
		algorithm, err := similarity.Resolve(fw.Algorithm)
		if err != nil {
			return nil, errs.NewConfigurationError("scoring weights", "field %q: %v", fw.Field, err)
		}

		fields = append(fields, resolvedField{
			weight:      fw,
			chain:       chain,
			algorithm:   algorithm,
			logAgree:    math.Log(fw.MProbability / fw.UProbability),
			logDisagree: math.Log((1 - fw.MProbability) / (1 - fw.UProbability)),
		})
	}

	return &Scorer{
		fetcher: fetcher,
		logger:  logger,
		weights: weights,
		fields:  fields,
	}, nil
}

// Weights returns the configuration the scorer was built with.
func (s *Scorer) Weights() Weights {
	return s.weights
}

// ScoreBatch fetches every document referenced by the batch in one chunked
// lookup, then scores each pair field by field. Pairs missing a document are
// skipped and counted; fields empty on either side after normalization
// contribute no evidence and are counted.
func (s *Scorer) ScoreBatch(ctx context.Context, pairs []models.CandidatePair) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "scoring.Scorer.ScoreBatch")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"pairs": len(pairs),
	})

	result := &Result{ScoredPairs: make([]models.ScoredPair, 0, len(pairs))}
	if len(pairs) == 0 {
		return result, nil
	}

	documents, err := s.fetcher.FetchDocumentsByIDs(ctx, uniqueIDs(pairs))
	if err != nil {
		return nil, err
	}

	for _, pair := range pairs {
		docA, okA := documents[pair.A.String()]
		docB, okB := documents[pair.B.String()]
		if !okA || !okB {
			result.Statistics.MissingDocuments++
			continue
		}

		scored := s.scorePair(pair, docA, docB, &result.Statistics)
		result.ScoredPairs = append(result.ScoredPairs, scored)
		result.Statistics.PairsScored++

		switch scored.Decision {
		case models.DecisionMatch:
			result.Statistics.Matches++
		case models.DecisionPossibleMatch:
			result.Statistics.PossibleMatches++
		case models.DecisionNonMatch:
			result.Statistics.NonMatches++
		}
	}

	log.WithFields(map[string]any{
		"scored":            result.Statistics.PairsScored,
		"matches":           result.Statistics.Matches,
		"possible_matches":  result.Statistics.PossibleMatches,
		"non_matches":       result.Statistics.NonMatches,
		"missing_documents": result.Statistics.MissingDocuments,
	}).Info("Scored candidate batch")

	return result, nil
}

func (s *Scorer) scorePair(pair models.CandidatePair, docA, docB models.Document, stats *models.ScoringStatistics) models.ScoredPair {
	fieldScores := make(map[string]models.FieldScore, len(s.fields))
	total := 0.0

	for _, field := range s.fields {
		rawA, _ := extractor.ExtractString(docA, field.weight.Field)
		rawB, _ := extractor.ExtractString(docB, field.weight.Field)
		valueA := field.chain.Apply(rawA)
		valueB := field.chain.Apply(rawB)

		if valueA == "" || valueB == "" {
			fieldScores[field.weight.Field] = models.FieldScore{Missing: true}
			stats.FieldsMissing++
			continue
		}

		sim := field.algorithm.Compare(valueA, valueB)
		agree := sim >= field.weight.AgreementThreshold

		contribution := field.weight.Importance * field.logDisagree
		if agree {
			contribution = field.weight.Importance * field.logAgree
		}
		total += contribution

		fieldScores[field.weight.Field] = models.FieldScore{
			Similarity:   sim,
			Agreement:    agree,
			Contribution: contribution,
		}
	}

	return models.ScoredPair{
		Pair:        pair,
		TotalScore:  total,
		FieldScores: fieldScores,
		Decision:    models.Classify(total, s.weights.UpperThreshold, s.weights.LowerThreshold),
	}
}

// uniqueIDs collects each record id once regardless of how many pairs
// reference it, so the batch lookup stays O(unique documents).
func uniqueIDs(pairs []models.CandidatePair) []models.RecordID {
	seen := make(map[string]struct{}, len(pairs)*2)
	ids := make([]models.RecordID, 0, len(pairs)*2)
	for _, pair := range pairs {
		for _, id := range []models.RecordID{pair.A, pair.B} {
			key := id.String()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}
