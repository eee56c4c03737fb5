// Package edges turns accepted scored pairs into persisted similarity edges.
package edges

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/fanout"
	"github.com/Ramsey-B/aspen/pkg/graph"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/retry"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// DefaultBatchSize bounds how many edges go into one graph transaction.
const DefaultBatchSize = 200

// EdgeStore is the graph surface materialization writes through.
type EdgeStore interface {
	EnsureVertices(ctx context.Context, ids []string) error
	UpsertEdges(ctx context.Context, edgeCollection string, edges []models.SimilarityEdge) (*graph.UpsertResult, error)
}

// Config tunes batching and retry behavior.
type Config struct {
	BatchSize   int
	Concurrency int
	Retry       retry.Config
}

// Materializer persists scored pairs as weighted, deduplicated edges.
type Materializer struct {
	store  EdgeStore
	logger ectologger.Logger
	config Config
}

// Result is the outcome of one materialization run.
type Result struct {
	Statistics models.MaterializationStatistics
}

// NewMaterializer creates a new materializer
func NewMaterializer(store EdgeStore, logger ectologger.Logger, config Config) *Materializer {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = fanout.DefaultConcurrency
	}
	return &Materializer{
		store:  store,
		logger: logger,
		config: config,
	}
}

type batchOutcome struct {
	created int
	updated int
	failed  int
}

// Materialize accepts pairs whose score clears the threshold and whose
// decision is not non_match, dedupes them by pair key, and upserts them in
// bounded-concurrency batches. A failed batch is logged and counted; the
// remaining batches still run. Re-materializing the same pairs updates the
// stored edges instead of duplicating them.
func (m *Materializer) Materialize(ctx context.Context, scored []models.ScoredPair, threshold float64, edgeCollection string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "edges.Materializer.Materialize")
	defer span.End()

	if err := models.ValidateCollection(edgeCollection); err != nil {
		return nil, err
	}

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_collection": edgeCollection,
		"threshold":       threshold,
		"scored_pairs":    len(scored),
	})

	result := &Result{}
	now := time.Now().UTC()

	seen := make(map[string]struct{}, len(scored))
	accepted := make([]models.SimilarityEdge, 0, len(scored))
	for _, pair := range scored {
		if pair.Decision == models.DecisionNonMatch || pair.TotalScore < threshold {
			result.Statistics.PairsSkipped++
			continue
		}
		key := pair.Pair.PairKey()
		if _, dup := seen[key]; dup {
			result.Statistics.PairsDeduplicated++
			continue
		}
		seen[key] = struct{}{}

		accepted = append(accepted, models.SimilarityEdge{
			From:           pair.Pair.A.String(),
			To:             pair.Pair.B.String(),
			PairKey:        key,
			Weight:         pair.MeanFieldSimilarity(),
			RawScore:       pair.TotalScore,
			SourceStrategy: pair.Pair.SourceStrategy,
			CreatedAt:      now,
		})
	}

	if len(accepted) == 0 {
		log.Info("No pairs cleared the materialization threshold")
		return result, nil
	}

	batches := chunkEdges(accepted, m.config.BatchSize)
	result.Statistics.Batches = len(batches)

	outcomes, err := fanout.Run(ctx, m.config.Concurrency, batches, func(ctx context.Context, index int, batch []models.SimilarityEdge) (batchOutcome, error) {
		if err := ctx.Err(); err != nil {
			return batchOutcome{}, err
		}
		return m.materializeBatch(ctx, edgeCollection, index, batch), nil
	})
	if err != nil {
		return nil, err
	}

	for _, outcome := range outcomes {
		result.Statistics.EdgesCreated += outcome.created
		result.Statistics.EdgesUpdated += outcome.updated
		result.Statistics.EdgesFailed += outcome.failed
		if outcome.failed > 0 {
			result.Statistics.FailedBatches++
		}
	}

	log.WithFields(map[string]any{
		"created":        result.Statistics.EdgesCreated,
		"updated":        result.Statistics.EdgesUpdated,
		"skipped":        result.Statistics.PairsSkipped,
		"deduplicated":   result.Statistics.PairsDeduplicated,
		"failed_batches": result.Statistics.FailedBatches,
	}).Info("Materialized edges")

	return result, nil
}

// materializeBatch ensures both endpoints of every edge exist, then upserts
// the batch. Failures after retries are contained to the batch.
func (m *Materializer) materializeBatch(ctx context.Context, edgeCollection string, index int, batch []models.SimilarityEdge) batchOutcome {
	outcome := batchOutcome{}

	err := retry.Do(ctx, m.config.Retry, m.logger, "edges.materializeBatch", func(ctx context.Context) error {
		if err := m.store.EnsureVertices(ctx, vertexIDs(batch)); err != nil {
			return err
		}
		res, err := m.store.UpsertEdges(ctx, edgeCollection, batch)
		if err != nil {
			return err
		}
		outcome.created = res.Created
		outcome.updated = res.Updated
		return nil
	})
	if err != nil {
		batchErr := errs.NewBatchError("materialization", index, err)
		m.logger.WithContext(ctx).WithError(batchErr).WithFields(map[string]any{
			"edge_collection": edgeCollection,
			"batch":           index,
			"batch_size":      len(batch),
		}).Error("Edge batch failed, continuing with remaining batches")
		return batchOutcome{failed: len(batch)}
	}

	return outcome
}

func vertexIDs(batch []models.SimilarityEdge) []string {
	seen := make(map[string]struct{}, len(batch)*2)
	ids := make([]string, 0, len(batch)*2)
	for _, edge := range batch {
		for _, id := range []string{edge.From, edge.To} {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids
}

func chunkEdges(edges []models.SimilarityEdge, size int) [][]models.SimilarityEdge {
	batches := make([][]models.SimilarityEdge, 0, (len(edges)+size-1)/size)
	for start := 0; start < len(edges); start += size {
		end := start + size
		if end > len(edges) {
			end = len(edges)
		}
		batches = append(batches, edges[start:end])
	}
	return batches
}
