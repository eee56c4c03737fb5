// Package pipelinerun is the postgres repository for pipeline run state. The
// runner writes lifecycle transitions through it; the HTTP surface reads run
// status and history from it.
package pipelinerun

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/aspen/pkg/database"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// Repository handles pipeline run persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new pipeline run repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type runRow struct {
	ID             string          `db:"id"`
	Collection     string          `db:"collection"`
	EdgeCollection string          `db:"edge_collection"`
	Status         string          `db:"status"`
	Stage          string          `db:"stage"`
	Definition     json.RawMessage `db:"definition"`
	Statistics     []byte          `db:"statistics"`
	Error          *string         `db:"error"`
	StartedAt      time.Time       `db:"started_at"`
	CompletedAt    *time.Time      `db:"completed_at"`
}

func (row runRow) toModel() (models.PipelineRun, error) {
	run := models.PipelineRun{
		ID:             row.ID,
		Collection:     row.Collection,
		EdgeCollection: row.EdgeCollection,
		Status:         models.RunStatus(row.Status),
		Stage:          models.RunStage(row.Stage),
		Definition:     row.Definition,
		Error:          row.Error,
		StartedAt:      row.StartedAt,
		CompletedAt:    row.CompletedAt,
	}
	if len(row.Statistics) > 0 {
		var stats models.PipelineStatistics
		if err := json.Unmarshal(row.Statistics, &stats); err != nil {
			return models.PipelineRun{}, fmt.Errorf("malformed statistics on run %s: %w", row.ID, err)
		}
		run.Statistics = &stats
	}
	return run, nil
}

// Create inserts the durable record of a new run. The id is generated when
// absent; status starts as pending until the runner advances it.
func (r *Repository) Create(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error) {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.Create")
	defer span.End()

	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}
	if run.Stage == "" {
		run.Stage = models.StageBlocking
	}
	if len(run.Definition) == 0 {
		run.Definition = json.RawMessage("{}")
	}
	run.StartedAt = time.Now().UTC()

	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto("pipeline_runs")
	ib.Cols("id", "collection", "edge_collection", "status", "stage", "definition", "started_at")
	ib.Values(run.ID, run.Collection, run.EdgeCollection, string(run.Status), string(run.Stage), []byte(run.Definition), run.StartedAt)

	query, args := ib.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": run.ID}).Error("Failed to create pipeline run")
		return nil, errs.ClassifyStore("pipelinerun.Create", fmt.Errorf("failed to create pipeline run: %w", err))
	}

	return run, nil
}

// UpdateStage advances a running pipeline to its next stage.
func (r *Repository) UpdateStage(ctx context.Context, id string, stage models.RunStage) error {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.UpdateStage")
	defer span.End()

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("pipeline_runs")
	ub.Set(
		ub.Assign("stage", string(stage)),
		ub.Assign("status", string(models.RunStatusRunning)),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": id, "stage": stage}).Error("Failed to update pipeline run stage")
		return errs.ClassifyStore("pipelinerun.UpdateStage", fmt.Errorf("failed to update run stage: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline run %s not found", id)
	}

	return nil
}

// Complete marks a run finished and stores its final statistics.
func (r *Repository) Complete(ctx context.Context, id string, stats *models.PipelineStatistics) error {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.Complete")
	defer span.End()

	return r.finish(ctx, id, models.RunStatusCompleted, nil, stats)
}

// Fail marks a run failed, recording the failure message and whatever
// statistics the completed stages produced.
func (r *Repository) Fail(ctx context.Context, id string, message string, stats *models.PipelineStatistics) error {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.Fail")
	defer span.End()

	return r.finish(ctx, id, models.RunStatusFailed, &message, stats)
}

func (r *Repository) finish(ctx context.Context, id string, status models.RunStatus, message *string, stats *models.PipelineStatistics) error {
	var statsJSON []byte
	if stats != nil {
		b, err := json.Marshal(stats)
		if err != nil {
			return fmt.Errorf("failed to marshal run statistics: %w", err)
		}
		statsJSON = b
	}

	ub := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	ub.Update("pipeline_runs")
	ub.Set(
		ub.Assign("status", string(status)),
		ub.Assign("statistics", statsJSON),
		ub.Assign("error", message),
		ub.Assign("completed_at", time.Now().UTC()),
	)
	ub.Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"run_id": id, "status": status}).Error("Failed to finish pipeline run")
		return errs.ClassifyStore("pipelinerun.finish", fmt.Errorf("failed to finish run: %w", err))
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("pipeline run %s not found", id)
	}

	return nil
}

// Get retrieves a pipeline run by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.PipelineRun, error) {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "collection", "edge_collection", "status", "stage", "definition", "statistics", "error", "started_at", "completed_at")
	sb.From("pipeline_runs")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row runRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("pipeline run %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get pipeline run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get pipeline run")
	}

	run, err := row.toModel()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to decode pipeline run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode pipeline run")
	}
	return &run, nil
}

// ListByCollection retrieves runs newest first, optionally filtered by source
// collection.
func (r *Repository) ListByCollection(ctx context.Context, collection string, limit int) ([]models.PipelineRun, error) {
	ctx, span := tracing.StartSpan(ctx, "pipelinerun.Repository.ListByCollection")
	defer span.End()

	if limit < 1 || limit > 500 {
		limit = 100
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "collection", "edge_collection", "status", "stage", "definition", "statistics", "error", "started_at", "completed_at")
	sb.From("pipeline_runs")
	if collection != "" {
		if err := models.ValidateCollection(collection); err != nil {
			return nil, err
		}
		sb.Where(sb.Equal("collection", collection))
	}
	sb.OrderBy("started_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []runRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list pipeline runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pipeline runs")
	}

	runs := make([]models.PipelineRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toModel()
		if err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to decode pipeline run")
			return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to decode pipeline runs")
		}
		runs = append(runs, run)
	}
	return runs, nil
}
