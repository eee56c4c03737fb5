package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/metrics"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// maxTraversalDepth is a sentinel, not a tunable. Components are bounded by
// the edge collection's actual size long before this depth matters.
const maxTraversalDepth = 1000000

// TraversalService walks the edge graph.
type TraversalService struct {
	client *Client
	logger ectologger.Logger
}

// NewTraversalService creates a new traversal service
func NewTraversalService(client *Client, logger ectologger.Logger) *TraversalService {
	return &TraversalService{
		client: client,
		logger: logger,
	}
}

// TraverseFromVertex returns the weakly connected component containing
// startID, startID included. The pattern is undirected so the stored edge
// direction never splits a component.
func (s *TraversalService) TraverseFromVertex(ctx context.Context, edgeCollection string, startID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.TraversalService.TraverseFromVertex")
	defer span.End()
	defer func(start time.Time) { metrics.RecordStoreQuery("graph.TraverseFromVertex", time.Since(start).Seconds()) }(time.Now())

	cypher := fmt.Sprintf(`
		MATCH (start:%s {id: $id})
		MATCH (start)-[:%s*1..%d]-(member:%s)
		RETURN DISTINCT member.id AS id
	`, vertexLabel, sanitizeLabel(edgeCollection), maxTraversalDepth, vertexLabel)

	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{"id": startID})
		if err != nil {
			return nil, err
		}

		members := []string{startID}
		seen := map[string]struct{}{startID: {}}
		for result.Next(ctx) {
			record := result.Record()
			val, _ := record.Get("id")
			id, ok := val.(string)
			if !ok || id == "" {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			members = append(members, id)
		}
		return members, result.Err()
	})
	if err != nil {
		return nil, errs.ClassifyStore("graph.TraverseFromVertex", fmt.Errorf("failed to traverse from %q: %w", startID, err))
	}

	return res.([]string), nil
}
