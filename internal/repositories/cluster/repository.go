// Package cluster is the postgres repository for clustering output. A run's
// clusters replace everything previously stored for the same edge collection
// in one transaction, so readers never observe a half-written run.
package cluster

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/aspen/pkg/database"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/metrics"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

const insertChunk = 500

// Repository handles cluster persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new cluster repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

type clusterRow struct {
	ID                string         `db:"id"`
	EdgeCollection    string         `db:"edge_collection"`
	MemberIDs         pq.StringArray `db:"member_ids"`
	Size              int            `db:"size"`
	AverageSimilarity float64        `db:"average_similarity"`
	Density           float64        `db:"density"`
	QualityScore      float64        `db:"quality_score"`
	IsValid           bool           `db:"is_valid"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (row clusterRow) toModel() models.Cluster {
	return models.Cluster{
		ID:                row.ID,
		EdgeCollection:    row.EdgeCollection,
		MemberIDs:         []string(row.MemberIDs),
		Size:              row.Size,
		AverageSimilarity: row.AverageSimilarity,
		Density:           row.Density,
		QualityScore:      row.QualityScore,
		IsValid:           row.IsValid,
		CreatedAt:         row.CreatedAt,
	}
}

// ReplaceForCollection atomically swaps the stored clusters for one edge
// collection. An empty slice clears the collection; that is how a run with no
// surviving components retires stale clusters.
func (r *Repository) ReplaceForCollection(ctx context.Context, edgeCollection string, clusters []models.Cluster) error {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ReplaceForCollection")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("cluster.ReplaceForCollection", time.Since(start).Seconds()) }(time.Now())

	if err := models.ValidateCollection(edgeCollection); err != nil {
		return err
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_collection": edgeCollection,
		"clusters":        len(clusters),
	})

	parent := ctx
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return errs.ClassifyStore("cluster.ReplaceForCollection", err)
	}
	// rollback with the pre-tx context so it fires when commit is never reached
	defer tx.Rollback(parent)

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("entity_clusters")
	sb.Where(sb.Equal("edge_collection", edgeCollection))

	query, args := sb.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		log.WithError(err).Error("Failed to clear prior clusters")
		return errs.ClassifyStore("cluster.ReplaceForCollection", fmt.Errorf("failed to clear prior clusters: %w", err))
	}

	now := time.Now().UTC()
	for start := 0; start < len(clusters); start += insertChunk {
		end := start + insertChunk
		if end > len(clusters) {
			end = len(clusters)
		}

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("entity_clusters")
		ib.Cols("id", "edge_collection", "member_ids", "size", "average_similarity", "density", "quality_score", "is_valid", "created_at")
		for _, c := range clusters[start:end] {
			if c.ID == "" {
				c.ID = uuid.New().String()
			}
			if c.CreatedAt.IsZero() {
				c.CreatedAt = now
			}
			ib.Values(c.ID, edgeCollection, pq.Array(c.MemberIDs), c.Size, c.AverageSimilarity, c.Density, c.QualityScore, c.IsValid, c.CreatedAt)
		}

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			log.WithError(err).Error("Failed to insert clusters")
			return errs.ClassifyStore("cluster.ReplaceForCollection", fmt.Errorf("failed to insert clusters: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errs.ClassifyStore("cluster.ReplaceForCollection", err)
	}

	log.Info("Replaced clusters for collection")
	return nil
}

// ListByCollection retrieves the stored clusters for an edge collection,
// largest first. validOnly drops clusters that failed quality validation.
func (r *Repository) ListByCollection(ctx context.Context, edgeCollection string, validOnly bool) ([]models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.ListByCollection")
	defer span.End()

	if err := models.ValidateCollection(edgeCollection); err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "edge_collection", "member_ids", "size", "average_similarity", "density", "quality_score", "is_valid", "created_at")
	sb.From("entity_clusters")
	sb.Where(sb.Equal("edge_collection", edgeCollection))
	if validOnly {
		sb.Where(sb.Equal("is_valid", true))
	}
	sb.OrderBy("size DESC", "quality_score DESC", "id")

	query, args := sb.Build()
	var rows []clusterRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"edge_collection": edgeCollection,
		}).Error("Failed to list clusters")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list clusters")
	}

	clusters := make([]models.Cluster, 0, len(rows))
	for _, row := range rows {
		clusters = append(clusters, row.toModel())
	}
	return clusters, nil
}

// Get retrieves a single cluster by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Cluster, error) {
	ctx, span := tracing.StartSpan(ctx, "cluster.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "edge_collection", "member_ids", "size", "average_similarity", "density", "quality_score", "is_valid", "created_at")
	sb.From("entity_clusters")
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var row clusterRow
	if err := r.db.GetContext(ctx, &row, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, httperror.NewHTTPError(http.StatusNotFound, fmt.Sprintf("cluster %s not found", id))
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get cluster")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get cluster")
	}

	cluster := row.toModel()
	return &cluster, nil
}
