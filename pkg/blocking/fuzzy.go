package blocking

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/internal/repositories/record"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/extractor"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// DefaultFuzzyLimit is the top-K result count per target record.
const DefaultFuzzyLimit = 10

// targetPageSize bounds how many target keys are paged in per round trip when
// no explicit target list is configured.
const targetPageSize = 1000

// FuzzyTextConfig configures full-text blocking over one field.
type FuzzyTextConfig struct {
	Collection string   `json:"collection" yaml:"collection"`
	Field      string   `json:"field" yaml:"field"`
	Limit      int      `json:"limit" yaml:"limit"`
	MinScore   float64  `json:"minScore" yaml:"minScore"`
	TargetKeys []string `json:"targetKeys" yaml:"targetKeys"`
}

// SearchFetcher is the store surface fuzzy-text blocking reads from.
type SearchFetcher interface {
	FullTextSearch(ctx context.Context, q record.SearchQuery) ([]record.SearchHit, error)
	FetchDocumentsByIDs(ctx context.Context, ids []models.RecordID) (map[string]models.Document, error)
	CountRecords(ctx context.Context, collection string) (int64, error)
	ListKeys(ctx context.Context, collection string, afterKey string, limit int) ([]string, error)
}

// FuzzyTextStrategy retrieves lexically similar candidates per target record
// through the store's relevance index. It tolerates typos and transpositions
// exact-key blocking misses, at a higher per-record cost.
type FuzzyTextStrategy struct {
	fetcher SearchFetcher
	logger  ectologger.Logger
	config  FuzzyTextConfig
}

// NewFuzzyTextStrategy validates the configuration and returns the strategy.
func NewFuzzyTextStrategy(fetcher SearchFetcher, logger ectologger.Logger, config FuzzyTextConfig) (*FuzzyTextStrategy, error) {
	if err := models.ValidateCollection(config.Collection); err != nil {
		return nil, err
	}
	if err := models.ValidateFieldPath(config.Field); err != nil {
		return nil, err
	}
	if config.Limit == 0 {
		config.Limit = DefaultFuzzyLimit
	}
	if config.Limit < 1 {
		return nil, errs.NewConfigurationError("fuzzy_text blocking", "limit must be at least 1, got %d", config.Limit)
	}
	if config.MinScore < 0 {
		return nil, errs.NewConfigurationError("fuzzy_text blocking", "minScore must not be negative, got %v", config.MinScore)
	}

	return &FuzzyTextStrategy{
		fetcher: fetcher,
		logger:  logger,
		config:  config,
	}, nil
}

func (s *FuzzyTextStrategy) Name() string {
	return StrategyFuzzyText
}

// GenerateCandidates runs one relevance query per target record. Targets with
// an empty or missing field value are counted, never errors. Hits below
// MinScore and self-hits are dropped; duplicate pairs across targets collapse
// on the unordered pair key.
func (s *FuzzyTextStrategy) GenerateCandidates(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.FuzzyTextStrategy.GenerateCandidates")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"strategy":   StrategyFuzzyText,
		"collection": s.config.Collection,
		"field":      s.config.Field,
	})

	recordCount, err := s.fetcher.CountRecords(ctx, s.config.Collection)
	if err != nil {
		return nil, err
	}

	stats := models.BlockingStatistics{
		Strategy:    StrategyFuzzyText,
		RecordCount: recordCount,
	}

	var pairs []models.CandidatePair
	seen := make(map[string]struct{})

	processPage := func(ctx context.Context, keys []string) error {
		ids := make([]models.RecordID, len(keys))
		for i, key := range keys {
			ids[i] = models.NewRecordID(s.config.Collection, key)
		}

		documents, err := s.fetcher.FetchDocumentsByIDs(ctx, ids)
		if err != nil {
			return err
		}

		for _, id := range ids {
			value, ok := extractor.ExtractString(documents[id.String()], s.config.Field)
			if !ok {
				stats.TargetsSkipped++
				continue
			}

			stats.BlocksExamined++

			// One extra hit absorbs the target's own near-certain self match.
			hits, err := s.fetcher.FullTextSearch(ctx, record.SearchQuery{
				Collection: s.config.Collection,
				Path:       s.config.Field,
				Query:      value,
				Limit:      s.config.Limit + 1,
			})
			if err != nil {
				return err
			}

			emitted := 0
			for _, hit := range hits {
				if emitted >= s.config.Limit {
					break
				}
				if hit.RecordKey == id.Key {
					continue
				}
				if hit.Score < s.config.MinScore {
					continue
				}

				pair, ok := models.NewCandidatePair(id, models.NewRecordID(s.config.Collection, hit.RecordKey), StrategyFuzzyText, hit.Score)
				if !ok {
					continue
				}
				if _, dup := seen[pair.PairKey()]; dup {
					continue
				}
				seen[pair.PairKey()] = struct{}{}
				pairs = append(pairs, pair)
				emitted++
			}
		}
		return nil
	}

	if len(s.config.TargetKeys) > 0 {
		if err := processPage(ctx, s.config.TargetKeys); err != nil {
			return nil, err
		}
	} else {
		afterKey := ""
		for {
			keys, err := s.fetcher.ListKeys(ctx, s.config.Collection, afterKey, targetPageSize)
			if err != nil {
				return nil, err
			}
			if len(keys) == 0 {
				break
			}
			if err := processPage(ctx, keys); err != nil {
				return nil, err
			}
			afterKey = keys[len(keys)-1]
		}
	}

	stats.PairsGenerated = len(pairs)
	stats.ComparisonsPossible = comparisonsPossible(recordCount)
	stats.ReductionRatio = reductionRatio(stats.PairsGenerated, stats.ComparisonsPossible)

	log.WithFields(map[string]any{
		"targets_searched": stats.BlocksExamined,
		"targets_skipped":  stats.TargetsSkipped,
		"pairs":            stats.PairsGenerated,
		"reduction_ratio":  stats.ReductionRatio,
	}).Info("Generated fuzzy text candidates")

	return &Result{Pairs: pairs, Statistics: stats}, nil
}
