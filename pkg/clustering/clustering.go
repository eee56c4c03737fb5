// Package clustering consolidates pairwise match edges into entity clusters
// by finding weakly connected components and validating their quality.
package clustering

import (
	"context"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// state is run-local; the engine holds no state between runs.
type state string

const (
	stateIdle       state = "idle"
	stateTraversing state = "traversing"
	stateValidating state = "validating"
	stateDone       state = "done"
)

// GraphReader is the graph surface clustering reads from.
type GraphReader interface {
	VertexIDsWithEdges(ctx context.Context, edgeCollection string) ([]string, error)
	TraverseFromVertex(ctx context.Context, edgeCollection string, startID string) ([]string, error)
	EdgesAmong(ctx context.Context, edgeCollection string, memberIDs []string) ([]models.SimilarityEdge, error)
}

// ClusterWriter replaces the persisted clustering output for one edge
// collection.
type ClusterWriter interface {
	ReplaceForCollection(ctx context.Context, edgeCollection string, clusters []models.Cluster) error
}

// Config tunes cluster validation and persistence.
type Config struct {
	Thresholds models.QualityThresholds
	Persist    bool
}

// Engine computes and validates entity clusters.
type Engine struct {
	graph  GraphReader
	writer ClusterWriter
	logger ectologger.Logger
	config Config
}

// Result is the outcome of one clustering run.
type Result struct {
	Clusters   []models.Cluster
	Statistics models.ClusteringStatistics
}

// NewEngine creates a new clustering engine. The writer may be nil when
// persistence is disabled.
func NewEngine(graph GraphReader, writer ClusterWriter, logger ectologger.Logger, config Config) *Engine {
	if config.Thresholds.MinClusterSize <= 0 {
		config.Thresholds.MinClusterSize = models.DefaultQualityThresholds().MinClusterSize
	}
	return &Engine{
		graph:  graph,
		writer: writer,
		logger: logger,
		config: config,
	}
}

// FindClusters recomputes the full clustering of one edge collection from
// scratch. A failed component is logged and counted, never fatal; components
// below the minimum size are dropped as singletons. When persistence is
// enabled the output replaces all prior clusters for the collection.
func (e *Engine) FindClusters(ctx context.Context, edgeCollection string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "clustering.Engine.FindClusters")
	defer span.End()

	if err := models.ValidateCollection(edgeCollection); err != nil {
		return nil, err
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"edge_collection": edgeCollection,
	})

	current := stateIdle
	advance := func(next state) {
		log.WithFields(map[string]any{"from": string(current), "to": string(next)}).Debug("Clustering state transition")
		current = next
	}

	result := &Result{}

	advance(stateTraversing)
	vertexIDs, err := e.graph.VertexIDsWithEdges(ctx, edgeCollection)
	if err != nil {
		return nil, err
	}
	result.Statistics.VerticesSeen = len(vertexIDs)

	visited := make(map[string]struct{}, len(vertexIDs))
	var components [][]string
	for _, seed := range vertexIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := visited[seed]; ok {
			continue
		}

		members, err := e.graph.TraverseFromVertex(ctx, edgeCollection, seed)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{"seed": seed}).Error("Component traversal failed, skipping component")
			result.Statistics.FailedComponents++
			visited[seed] = struct{}{}
			continue
		}
		for _, member := range members {
			visited[member] = struct{}{}
		}
		components = append(components, members)
	}
	result.Statistics.ComponentsFound = len(components)

	advance(stateValidating)
	now := time.Now().UTC()
	for _, members := range components {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(members) < e.config.Thresholds.MinClusterSize {
			result.Statistics.SingletonsDropped++
			continue
		}

		cluster, err := e.validateComponent(ctx, edgeCollection, members, now)
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"members": len(members),
			}).Error("Component validation failed, skipping component")
			result.Statistics.FailedComponents++
			continue
		}

		if cluster.IsValid {
			result.Statistics.ValidClusters++
		} else {
			result.Statistics.InvalidClusters++
		}
		result.Clusters = append(result.Clusters, cluster)
	}

	if e.config.Persist && e.writer != nil {
		if err := e.writer.ReplaceForCollection(ctx, edgeCollection, result.Clusters); err != nil {
			return nil, err
		}
	}

	advance(stateDone)
	log.WithFields(map[string]any{
		"vertices":   result.Statistics.VerticesSeen,
		"components": result.Statistics.ComponentsFound,
		"clusters":   len(result.Clusters),
		"valid":      result.Statistics.ValidClusters,
		"singletons": result.Statistics.SingletonsDropped,
		"failed":     result.Statistics.FailedComponents,
	}).Info("Clustering run complete")

	return result, nil
}

// validateComponent reads the component's stored edges once and derives the
// quality measures from them. Similarity is never recomputed here.
func (e *Engine) validateComponent(ctx context.Context, edgeCollection string, members []string, now time.Time) (models.Cluster, error) {
	edges, err := e.graph.EdgesAmong(ctx, edgeCollection, members)
	if err != nil {
		return models.Cluster{}, err
	}

	sort.Strings(members)

	size := len(members)
	possible := size * (size - 1) / 2

	average := 0.0
	if len(edges) > 0 {
		sum := 0.0
		for _, edge := range edges {
			sum += edge.Weight
		}
		average = sum / float64(len(edges))
	}

	density := float64(len(edges)) / float64(possible)
	thresholds := e.config.Thresholds

	return models.Cluster{
		ID:                uuid.New().String(),
		EdgeCollection:    edgeCollection,
		MemberIDs:         members,
		Size:              size,
		AverageSimilarity: average,
		Density:           density,
		QualityScore:      (average + density) / 2,
		IsValid: size >= thresholds.MinClusterSize &&
			average >= thresholds.MinAverageSimilarity &&
			density >= thresholds.MinDensity,
		CreatedAt: now,
	}, nil
}
