// Package candidatepair is the postgres repository for candidate pair audit
// rows. Pairs are ephemeral by default; a pipeline definition opts into
// auditing them, and the rows exist to answer "why were these two compared".
package candidatepair

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aspen/pkg/database"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

const insertChunk = 1000

// Repository handles candidate pair audit persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new candidate pair repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type pairRow struct {
	RunID          string    `db:"run_id"`
	RecordA        string    `db:"record_a"`
	RecordB        string    `db:"record_b"`
	SourceStrategy string    `db:"source_strategy"`
	BlockingScore  float64   `db:"blocking_score"`
	CreatedAt      time.Time `db:"created_at"`
}

// CreateBatch stores the pairs a blocking run produced for one pipeline run.
// Pairs arrive order-normalized, so the (run_id, record_a, record_b) key makes
// re-inserts from a retried batch no-ops.
func (r *Repository) CreateBatch(ctx context.Context, runID string, pairs []models.CandidatePair) error {
	ctx, span := tracing.StartSpan(ctx, "candidatepair.Repository.CreateBatch")
	defer span.End()

	if len(pairs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	for start := 0; start < len(pairs); start += insertChunk {
		end := start + insertChunk
		if end > len(pairs) {
			end = len(pairs)
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("candidate_pairs")
		ib.Cols("run_id", "record_a", "record_b", "source_strategy", "blocking_score", "created_at")
		for _, pair := range pairs[start:end] {
			ib.Values(runID, pair.A.String(), pair.B.String(), pair.SourceStrategy, pair.BlockingScore, now)
		}

		query, args := ib.Build()
		query += " ON CONFLICT (run_id, record_a, record_b) DO NOTHING"

		if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID}).Error("Failed to create candidate pairs batch")
			return errs.ClassifyStore("candidatepair.CreateBatch", fmt.Errorf("failed to insert candidate pairs: %w", err))
		}
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"run_id": runID, "count": len(pairs)}).Debug("Created candidate pairs batch")
	return nil
}

// DeleteForRun removes all audited pairs for a run.
func (r *Repository) DeleteForRun(ctx context.Context, runID string) error {
	ctx, span := tracing.StartSpan(ctx, "candidatepair.Repository.DeleteForRun")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("candidate_pairs")
	sb.Where(sb.Equal("run_id", runID))

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": runID}).Error("Failed to delete candidate pairs")
		return errs.ClassifyStore("candidatepair.DeleteForRun", fmt.Errorf("failed to delete candidate pairs: %w", err))
	}

	return nil
}

// ListByRun retrieves the audited pairs for a run in record order.
func (r *Repository) ListByRun(ctx context.Context, runID string, limit int) ([]models.CandidatePair, error) {
	ctx, span := tracing.StartSpan(ctx, "candidatepair.Repository.ListByRun")
	defer span.End()

	if limit < 1 || limit > 5000 {
		limit = 1000
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("run_id", "record_a", "record_b", "source_strategy", "blocking_score", "created_at")
	sb.From("candidate_pairs")
	sb.Where(sb.Equal("run_id", runID))
	sb.OrderBy("record_a", "record_b")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []pairRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list candidate pairs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list candidate pairs")
	}

	pairs := make([]models.CandidatePair, 0, len(rows))
	for _, row := range rows {
		a, err := models.ParseRecordID(row.RecordA)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to decode candidate pair")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode candidate pairs")
		}
		b, err := models.ParseRecordID(row.RecordB)
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to decode candidate pair")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode candidate pairs")
		}
		pairs = append(pairs, models.CandidatePair{
			A:              a,
			B:              b,
			SourceStrategy: row.SourceStrategy,
			BlockingScore:  row.BlockingScore,
		})
	}
	return pairs, nil
}
