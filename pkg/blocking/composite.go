package blocking

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/internal/repositories/record"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// DefaultMaxBlockSize caps members per block unless configured otherwise.
const DefaultMaxBlockSize = 100

// OversizePolicy decides what happens to a block larger than MaxBlockSize.
type OversizePolicy string

const (
	// OversizeTruncate caps the block to its first MaxBlockSize members in
	// ascending record-key order.
	OversizeTruncate OversizePolicy = "truncate"
	// OversizeSkip drops the whole block.
	OversizeSkip OversizePolicy = "skip"
)

// BlockingField is one field of the composite key with its value filters.
type BlockingField struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	NotNull    bool     `json:"notNull" yaml:"notNull"`
	MinLength  int      `json:"minLength" yaml:"minLength"`
	NotEqualTo []string `json:"notEqualTo" yaml:"notEqualTo"`
}

// CompositeKeyConfig configures composite-key blocking for one collection.
type CompositeKeyConfig struct {
	Collection     string          `json:"collection" yaml:"collection"`
	Fields         []BlockingField `json:"fields" yaml:"fields"`
	MaxBlockSize   int             `json:"maxBlockSize" yaml:"maxBlockSize"`
	OversizePolicy OversizePolicy  `json:"oversizePolicy" yaml:"oversizePolicy"`
}

// GroupFetcher is the store surface composite-key blocking reads from.
type GroupFetcher interface {
	FetchGroupedBy(ctx context.Context, q record.GroupQuery) ([]record.Group, error)
	CountRecords(ctx context.Context, collection string) (int64, error)
}

// CompositeKeyStrategy groups records by exact match on a tuple of normalized
// field values and emits all pairs within each group, bounded by MaxBlockSize.
type CompositeKeyStrategy struct {
	fetcher GroupFetcher
	logger  ectologger.Logger
	config  CompositeKeyConfig
}

// NewCompositeKeyStrategy validates the configuration and returns the
// strategy. Collection and field names are checked against the identifier
// allow-list here, before any query exists.
func NewCompositeKeyStrategy(fetcher GroupFetcher, logger ectologger.Logger, config CompositeKeyConfig) (*CompositeKeyStrategy, error) {
	if err := models.ValidateCollection(config.Collection); err != nil {
		return nil, err
	}
	if len(config.Fields) == 0 {
		return nil, errs.NewConfigurationError("composite_key blocking", "at least one blocking field is required")
	}
	for _, field := range config.Fields {
		if err := models.ValidateFieldPath(field.Name); err != nil {
			return nil, err
		}
	}

	if config.MaxBlockSize == 0 {
		config.MaxBlockSize = DefaultMaxBlockSize
	}
	if config.MaxBlockSize < 2 {
		return nil, errs.NewConfigurationError("composite_key blocking", "maxBlockSize must be at least 2, got %d", config.MaxBlockSize)
	}

	switch config.OversizePolicy {
	case "":
		config.OversizePolicy = OversizeTruncate
	case OversizeTruncate, OversizeSkip:
	default:
		return nil, errs.NewConfigurationError("composite_key blocking", "oversizePolicy must be %q or %q, got %q", OversizeTruncate, OversizeSkip, config.OversizePolicy)
	}

	return &CompositeKeyStrategy{
		fetcher: fetcher,
		logger:  logger,
		config:  config,
	}, nil
}

func (s *CompositeKeyStrategy) Name() string {
	return StrategyCompositeKey
}

// GenerateCandidates fetches the store-side groups and expands each into its
// unordered pairs. Groups are disjoint by construction, so pairs cannot
// repeat across blocks.
func (s *CompositeKeyStrategy) GenerateCandidates(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.CompositeKeyStrategy.GenerateCandidates")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"strategy":   StrategyCompositeKey,
		"collection": s.config.Collection,
	})

	recordCount, err := s.fetcher.CountRecords(ctx, s.config.Collection)
	if err != nil {
		return nil, err
	}

	query := record.GroupQuery{Collection: s.config.Collection}
	for _, field := range s.config.Fields {
		query.Fields = append(query.Fields, record.GroupField{
			Path:       field.Name,
			NotNull:    field.NotNull,
			MinLength:  field.MinLength,
			NotEqualTo: field.NotEqualTo,
		})
	}

	groups, err := s.fetcher.FetchGroupedBy(ctx, query)
	if err != nil {
		return nil, err
	}

	stats := models.BlockingStatistics{
		Strategy:    StrategyCompositeKey,
		RecordCount: recordCount,
	}

	var pairs []models.CandidatePair
	for _, group := range groups {
		stats.BlocksExamined++

		keys := group.RecordKeys
		if len(keys) > s.config.MaxBlockSize {
			blockLog := log.WithFields(map[string]any{
				"block":          BlockKey(group.Values),
				"members":        len(keys),
				"max_block_size": s.config.MaxBlockSize,
			})

			if s.config.OversizePolicy == OversizeSkip {
				stats.OversizedSkipped++
				blockLog.Warn("Skipping oversized block")
				continue
			}

			stats.OversizedTruncated++
			blockLog.Warn("Truncating oversized block")
			keys = keys[:s.config.MaxBlockSize]
		}

		for i := 0; i < len(keys); i++ {
			for j := i + 1; j < len(keys); j++ {
				pair, ok := models.NewCandidatePair(
					models.NewRecordID(s.config.Collection, keys[i]),
					models.NewRecordID(s.config.Collection, keys[j]),
					StrategyCompositeKey,
					0,
				)
				if !ok {
					continue
				}
				pairs = append(pairs, pair)
			}
		}
	}

	stats.PairsGenerated = len(pairs)
	stats.ComparisonsPossible = comparisonsPossible(recordCount)
	stats.ReductionRatio = reductionRatio(stats.PairsGenerated, stats.ComparisonsPossible)

	log.WithFields(map[string]any{
		"blocks":          stats.BlocksExamined,
		"pairs":           stats.PairsGenerated,
		"reduction_ratio": stats.ReductionRatio,
	}).Info("Generated composite key candidates")

	return &Result{Pairs: pairs, Statistics: stats}, nil
}
