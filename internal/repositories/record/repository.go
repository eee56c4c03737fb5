// Package record is the postgres repository for the records table. It owns
// the grouped, full-text and batched document reads the pipeline stages are
// built on. Collection and field path arguments must already have passed the
// models allow-list; paths are bound as jsonb path parameters, never spliced
// into SQL text.
package record

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/Ramsey-B/aspen/pkg/database"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/metrics"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

const defaultFetchChunk = 500

// Repository handles record reads and writes
type Repository struct {
	db     database.DB
	logger ectologger.Logger

	// FetchChunk caps the tuple count per IN query in FetchDocumentsByIDs.
	FetchChunk int
}

// NewRepository creates a new record repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:         db,
		logger:     logger,
		FetchChunk: defaultFetchChunk,
	}
}

// GroupField is one field of a composite grouping key, with its optional
// value filters.
type GroupField struct {
	Path       string
	NotNull    bool
	MinLength  int
	NotEqualTo []string
}

// GroupQuery configures a grouped fetch for composite-key blocking.
type GroupQuery struct {
	Collection string
	Fields     []GroupField
}

// Group is one block: the normalized grouping values and the member record
// keys in ascending order. Ascending key order is what makes oversized-block
// truncation deterministic.
type Group struct {
	Values     []string
	RecordKeys []string
}

// FetchGroupedBy groups records by the case-folded, trimmed values of the
// query fields and returns every group with two or more members. Grouping
// runs entirely in the store; single-member groups never cross the wire.
func (r *Repository) FetchGroupedBy(ctx context.Context, q GroupQuery) ([]Group, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FetchGroupedBy")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("record.FetchGroupedBy", time.Since(start).Seconds()) }(time.Now())

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "FetchGroupedBy",
		"collection": q.Collection,
	})

	if len(q.Fields) == 0 {
		return nil, errs.NewValidationError("fields", "", "at least one grouping field is required")
	}

	var args []any
	argNum := 1

	bind := func(value any) string {
		args = append(args, value)
		placeholder := fmt.Sprintf("$%d", argNum)
		argNum++
		return placeholder
	}

	conditions := []string{"collection = " + bind(q.Collection)}

	valueExprs := make([]string, 0, len(q.Fields))
	for _, field := range q.Fields {
		pathArg := bind(pq.Array(models.FieldPathSegments(field.Path)))
		raw := fmt.Sprintf("document #>> %s::text[]", pathArg)
		expr := fmt.Sprintf("lower(btrim(%s))", raw)
		valueExprs = append(valueExprs, expr)

		if field.NotNull {
			conditions = append(conditions, raw+" IS NOT NULL")
		}
		if field.MinLength > 0 {
			conditions = append(conditions, fmt.Sprintf("length(btrim(%s)) >= %s", raw, bind(field.MinLength)))
		}
		if len(field.NotEqualTo) > 0 {
			lowered := make([]string, len(field.NotEqualTo))
			for i, v := range field.NotEqualTo {
				lowered[i] = strings.ToLower(strings.TrimSpace(v))
			}
			conditions = append(conditions, fmt.Sprintf("(%s IS NULL OR %s <> ALL(%s))", raw, expr, bind(pq.Array(lowered))))
		}
	}

	stmt := fmt.Sprintf(`
		SELECT array_agg(record_key ORDER BY record_key) AS record_keys, %s
		FROM records
		WHERE %s
		GROUP BY %s
		HAVING count(*) >= 2`,
		strings.Join(valueExprs, ", "),
		strings.Join(conditions, " AND "),
		strings.Join(valueExprs, ", "),
	)

	rows, err := r.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		log.WithError(err).Error("Failed to fetch grouped records")
		return nil, errs.ClassifyStore("record.FetchGroupedBy", fmt.Errorf("failed to fetch grouped records: %w", err))
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		var keys pq.StringArray
		values := make([]sql.NullString, len(q.Fields))

		dest := make([]any, 0, len(q.Fields)+1)
		dest = append(dest, &keys)
		for i := range values {
			dest = append(dest, &values[i])
		}

		if err := rows.Scan(dest...); err != nil {
			log.WithError(err).Error("Failed to scan group row")
			return nil, fmt.Errorf("failed to scan group row: %w", err)
		}

		group := Group{
			Values:     make([]string, len(values)),
			RecordKeys: keys,
		}
		for i, v := range values {
			group.Values[i] = v.String
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		log.WithError(err).Error("Failed reading group rows")
		return nil, errs.ClassifyStore("record.FetchGroupedBy", fmt.Errorf("failed reading group rows: %w", err))
	}

	log.WithFields(map[string]any{"groups": len(groups)}).Debug("Fetched grouped records")
	return groups, nil
}

// SearchQuery configures one full-text lookup for fuzzy blocking.
type SearchQuery struct {
	Collection string
	Path       string
	Query      string
	Limit      int
}

// SearchHit is one relevance-ranked record for a search query.
type SearchHit struct {
	RecordKey string  `db:"record_key"`
	Score     float64 `db:"score"`
}

// FullTextSearch runs a relevance query over the field value at Path and
// returns the top hits ordered by rank. Relevance scoring is the store's;
// the pipeline only thresholds it.
func (r *Repository) FullTextSearch(ctx context.Context, q SearchQuery) ([]SearchHit, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FullTextSearch")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("record.FullTextSearch", time.Since(start).Seconds()) }(time.Now())

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":     "FullTextSearch",
		"collection": q.Collection,
	})

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	stmt := `
		SELECT record_key,
		       ts_rank(to_tsvector('simple', coalesce(document #>> $2::text[], '')), plainto_tsquery('simple', $3)) AS score
		FROM records
		WHERE collection = $1
		  AND to_tsvector('simple', coalesce(document #>> $2::text[], '')) @@ plainto_tsquery('simple', $3)
		ORDER BY score DESC, record_key ASC
		LIMIT $4`

	var hits []SearchHit
	err := r.db.SelectContext(ctx, &hits, stmt, q.Collection, pq.Array(models.FieldPathSegments(q.Path)), q.Query, limit)
	if err != nil {
		log.WithError(err).Error("Failed to run full text search")
		return nil, errs.ClassifyStore("record.FullTextSearch", fmt.Errorf("failed to run full text search: %w", err))
	}

	return hits, nil
}

// FetchDocumentsByIDs fetches documents for a set of record ids in chunked
// tuple-IN queries, one round trip per chunk rather than per pair. The result
// is keyed by the global id string; ids with no stored record are absent.
func (r *Repository) FetchDocumentsByIDs(ctx context.Context, ids []models.RecordID) (map[string]models.Document, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.FetchDocumentsByIDs")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("record.FetchDocumentsByIDs", time.Since(start).Seconds()) }(time.Now())

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method": "FetchDocumentsByIDs",
		"ids":    len(ids),
	})

	documents := make(map[string]models.Document, len(ids))
	if len(ids) == 0 {
		return documents, nil
	}

	chunkSize := r.FetchChunk
	if chunkSize <= 0 {
		chunkSize = defaultFetchChunk
	}

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		if err := r.fetchDocumentChunk(ctx, ids[start:end], documents); err != nil {
			return nil, err
		}
	}

	log.WithFields(map[string]any{"found": len(documents)}).Debug("Fetched documents")
	return documents, nil
}

func (r *Repository) fetchDocumentChunk(ctx context.Context, ids []models.RecordID, out map[string]models.Document) error {
	var placeholders []string
	var args []any
	argNum := 1

	for _, id := range ids {
		placeholders = append(placeholders, fmt.Sprintf("($%d, $%d)", argNum, argNum+1))
		args = append(args, id.Collection, id.Key)
		argNum += 2
	}

	stmt := fmt.Sprintf(`
		SELECT collection, record_key, document
		FROM records
		WHERE (collection, record_key) IN (%s)`,
		strings.Join(placeholders, ", "),
	)

	rows, err := r.db.QueryxContext(ctx, stmt, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to fetch documents")
		return errs.ClassifyStore("record.FetchDocumentsByIDs", fmt.Errorf("failed to fetch documents: %w", err))
	}
	defer rows.Close()

	for rows.Next() {
		var collection, key string
		var raw []byte
		if err := rows.Scan(&collection, &key, &raw); err != nil {
			return fmt.Errorf("failed to scan document row: %w", err)
		}

		var doc models.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("failed to decode document %s/%s: %w", collection, key, err)
		}
		out[models.NewRecordID(collection, key).String()] = doc
	}
	return errs.ClassifyStore("record.FetchDocumentsByIDs", rows.Err())
}

// CountRecords returns the number of records in a collection, used for the
// reduction ratio denominator.
func (r *Repository) CountRecords(ctx context.Context, collection string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CountRecords")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("count(*)")
	sb.From("records")
	sb.Where(sb.Equal("collection", collection))

	query, args := sb.Build()
	var count int64
	if err := r.db.GetContext(ctx, &count, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count records")
		return 0, errs.ClassifyStore("record.CountRecords", fmt.Errorf("failed to count records: %w", err))
	}

	return count, nil
}

// ListKeys pages record keys in ascending order using keyset pagination.
// Pass an empty afterKey for the first page.
func (r *Repository) ListKeys(ctx context.Context, collection string, afterKey string, limit int) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.ListKeys")
	defer span.End()

	if limit <= 0 {
		limit = 1000
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("record_key")
	sb.From("records")
	where := []string{sb.Equal("collection", collection)}
	if afterKey != "" {
		where = append(where, sb.GreaterThan("record_key", afterKey))
	}
	sb.Where(where...)
	sb.OrderBy("record_key").Asc()
	sb.Limit(limit)

	query, args := sb.Build()
	var keys []string
	if err := r.db.SelectContext(ctx, &keys, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list record keys")
		return nil, errs.ClassifyStore("record.ListKeys", fmt.Errorf("failed to list record keys: %w", err))
	}

	return keys, nil
}

// Upsert writes one record, replacing the stored document when the identity
// already exists.
func (r *Repository) Upsert(ctx context.Context, record models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.Upsert")
	defer span.End()

	return r.CreateBatch(ctx, []models.Record{record})
}

// CreateBatch upserts a batch of records in one statement.
func (r *Repository) CreateBatch(ctx context.Context, records []models.Record) error {
	ctx, span := tracing.StartSpan(ctx, "record.Repository.CreateBatch")
	defer span.End()

	if len(records) == 0 {
		return nil
	}

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"method":  "CreateBatch",
		"records": len(records),
	})

	now := time.Now().UTC()

	sb := database.NewInsertBuilder().
		InsertInto("records").
		Cols("collection", "record_key", "document", "created_at", "updated_at")

	for _, record := range records {
		doc, err := json.Marshal(record.Document)
		if err != nil {
			return fmt.Errorf("failed to encode document %s: %w", record.ID.String(), err)
		}
		sb.Values(record.ID.Collection, record.ID.Key, doc, now, now)
	}

	ub := sb.OnConflict("collection", "record_key")
	ub.Set(
		ub.Assign("document", database.Excluded("document")),
		ub.Assign("updated_at", database.Excluded("updated_at")),
	)

	query, args := sb.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		log.WithError(err).Error("Failed to upsert records")
		return errs.ClassifyStore("record.CreateBatch", fmt.Errorf("failed to upsert records: %w", err))
	}

	log.Debug("Upserted records")
	return nil
}
