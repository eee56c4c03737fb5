package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/metrics"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// vertexLabel is the single label for record vertices. Edge collections are
// relationship types, not vertex labels, so records stay shared across them.
const vertexLabel = "Record"

// EdgeService persists and reads similarity edges.
type EdgeService struct {
	client *Client
	logger ectologger.Logger
}

// NewEdgeService creates a new edge service
func NewEdgeService(client *Client, logger ectologger.Logger) *EdgeService {
	return &EdgeService{
		client: client,
		logger: logger,
	}
}

// UpsertResult splits a merge outcome using the bolt summary counters.
type UpsertResult struct {
	Created int
	Updated int
}

// EnsureVertices merges one :Record vertex per id so edge upserts always find
// both endpoints.
func (s *EdgeService) EnsureVertices(ctx context.Context, ids []string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeService.EnsureVertices")
	defer span.End()

	if len(ids) == 0 {
		return nil
	}

	cypher := fmt.Sprintf(`
		UNWIND $ids AS id
		MERGE (:%s {id: id})
	`, vertexLabel)

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to ensure record vertices")
		return errs.ClassifyStore("graph.EnsureVertices", fmt.Errorf("failed to ensure vertices: %w", err))
	}

	return nil
}

// UpsertEdges merges one relationship per edge, keyed by the unordered pair
// key, so re-materializing the same pairs updates properties instead of
// duplicating. The created/updated split comes from the transaction summary.
func (s *EdgeService) UpsertEdges(ctx context.Context, edgeCollection string, edges []models.SimilarityEdge) (*UpsertResult, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeService.UpsertEdges")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("graph.UpsertEdges", time.Since(start).Seconds()) }(time.Now())

	if len(edges) == 0 {
		return &UpsertResult{}, nil
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_collection": edgeCollection,
		"batch_size":      len(edges),
	})

	batch := make([]map[string]any, len(edges))
	for i, edge := range edges {
		batch[i] = map[string]any{
			"from":            edge.From,
			"to":              edge.To,
			"pair_key":        edge.PairKey,
			"weight":          edge.Weight,
			"raw_score":       edge.RawScore,
			"source_strategy": edge.SourceStrategy,
			"created_at":      edge.CreatedAt.UTC().Format(time.RFC3339),
		}
	}

	cypher := fmt.Sprintf(`
		UNWIND $batch AS edge
		MATCH (from:%s {id: edge.from})
		MATCH (to:%s {id: edge.to})
		MERGE (from)-[r:%s {pair_key: edge.pair_key}]->(to)
		ON CREATE SET r.weight = edge.weight, r.raw_score = edge.raw_score,
			r.source_strategy = edge.source_strategy, r.created_at = edge.created_at
		ON MATCH SET r.weight = edge.weight, r.raw_score = edge.raw_score,
			r.source_strategy = edge.source_strategy
	`, vertexLabel, vertexLabel, sanitizeLabel(edgeCollection))

	res, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"batch": batch})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})
	if err != nil {
		log.WithError(err).Error("Failed to upsert edges")
		return nil, errs.ClassifyStore("graph.UpsertEdges", fmt.Errorf("failed to upsert edges: %w", err))
	}

	summary := res.(neo4j.ResultSummary)
	created := summary.Counters().RelationshipsCreated()

	log.WithFields(map[string]any{
		"created": created,
		"updated": len(edges) - created,
	}).Debug("Upserted edges")

	return &UpsertResult{Created: created, Updated: len(edges) - created}, nil
}

// EdgesAmong returns every stored edge whose endpoints are both in memberIDs.
// Cluster validation reads stored weights here instead of rescoring pairs.
func (s *EdgeService) EdgesAmong(ctx context.Context, edgeCollection string, memberIDs []string) ([]models.SimilarityEdge, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeService.EdgesAmong")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("graph.EdgesAmong", time.Since(start).Seconds()) }(time.Now())

	if len(memberIDs) == 0 {
		return nil, nil
	}

	cypher := fmt.Sprintf(`
		MATCH (from:%s)-[r:%s]->(to:%s)
		WHERE from.id IN $ids AND to.id IN $ids
		RETURN from.id AS from_id, to.id AS to_id, r
	`, vertexLabel, sanitizeLabel(edgeCollection), vertexLabel)

	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"ids": memberIDs})
		if err != nil {
			return nil, err
		}

		var edges []models.SimilarityEdge
		for result.Next(ctx) {
			record := result.Record()
			fromVal, _ := record.Get("from_id")
			toVal, _ := record.Get("to_id")
			relVal, _ := record.Get("r")

			rel, ok := relVal.(neo4j.Relationship)
			if !ok {
				continue
			}
			edges = append(edges, edgeFromRelationship(fromVal, toVal, rel.Props))
		}
		return edges, result.Err()
	})
	if err != nil {
		return nil, errs.ClassifyStore("graph.EdgesAmong", fmt.Errorf("failed to read edges: %w", err))
	}

	return res.([]models.SimilarityEdge), nil
}

// VertexIDsWithEdges lists every vertex that has at least one edge of the
// given type, in either direction.
func (s *EdgeService) VertexIDsWithEdges(ctx context.Context, edgeCollection string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EdgeService.VertexIDsWithEdges")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (v:%s)-[:%s]-()
		RETURN DISTINCT v.id AS id
	`, vertexLabel, sanitizeLabel(edgeCollection))

	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, nil)
		if err != nil {
			return nil, err
		}

		var ids []string
		for result.Next(ctx) {
			record := result.Record()
			val, _ := record.Get("id")
			if id, ok := val.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		return ids, result.Err()
	})
	if err != nil {
		return nil, errs.ClassifyStore("graph.VertexIDsWithEdges", fmt.Errorf("failed to list vertices: %w", err))
	}

	return res.([]string), nil
}

func edgeFromRelationship(fromVal, toVal any, props map[string]any) models.SimilarityEdge {
	edge := models.SimilarityEdge{
		From:           fmt.Sprintf("%v", fromVal),
		To:             fmt.Sprintf("%v", toVal),
		PairKey:        propString(props, "pair_key"),
		Weight:         propFloat(props, "weight"),
		RawScore:       propFloat(props, "raw_score"),
		SourceStrategy: propString(props, "source_strategy"),
	}
	if createdAt, err := time.Parse(time.RFC3339, propString(props, "created_at")); err == nil {
		edge.CreatedAt = createdAt
	}
	return edge
}

func propString(props map[string]any, key string) string {
	if v, ok := props[key].(string); ok {
		return v
	}
	return ""
}

func propFloat(props map[string]any, key string) float64 {
	switch v := props[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}
