package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/aspen/internal/repositories/record"
	"github.com/Ramsey-B/aspen/pkg/appcontext"
	"github.com/Ramsey-B/aspen/pkg/blocking"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/fanout"
	"github.com/Ramsey-B/aspen/pkg/graph"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/redis"
	"github.com/Ramsey-B/aspen/pkg/scoring"
	"github.com/Ramsey-B/aspen/pkg/similarity"
)

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

type fakeRecordStore struct {
	count     int64
	groups    []record.Group
	docs      map[string]models.Document // record key -> document
	groupsErr error
	docsErr   error
}

func (s *fakeRecordStore) FetchGroupedBy(_ context.Context, _ record.GroupQuery) ([]record.Group, error) {
	if s.groupsErr != nil {
		return nil, s.groupsErr
	}
	return s.groups, nil
}

func (s *fakeRecordStore) CountRecords(_ context.Context, _ string) (int64, error) {
	return s.count, nil
}

func (s *fakeRecordStore) FullTextSearch(_ context.Context, _ record.SearchQuery) ([]record.SearchHit, error) {
	return nil, nil
}

func (s *fakeRecordStore) ListKeys(_ context.Context, _ string, _ string, _ int) ([]string, error) {
	return nil, nil
}

func (s *fakeRecordStore) FetchDocumentsByIDs(_ context.Context, ids []models.RecordID) (map[string]models.Document, error) {
	if s.docsErr != nil {
		return nil, s.docsErr
	}
	documents := make(map[string]models.Document)
	for _, id := range ids {
		if doc, ok := s.docs[id.Key]; ok {
			documents[id.String()] = doc
		}
	}
	return documents, nil
}

// fakeGraph is both the edge store and the graph reader, so materialized
// edges are what clustering traverses.
type fakeGraph struct {
	mu       sync.Mutex
	vertices map[string]struct{}
	edges    map[string]models.SimilarityEdge // pair key -> edge
}

func (g *fakeGraph) EnsureVertices(_ context.Context, ids []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.vertices == nil {
		g.vertices = make(map[string]struct{})
	}
	for _, id := range ids {
		g.vertices[id] = struct{}{}
	}
	return nil
}

func (g *fakeGraph) UpsertEdges(_ context.Context, _ string, batch []models.SimilarityEdge) (*graph.UpsertResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges == nil {
		g.edges = make(map[string]models.SimilarityEdge)
	}
	result := &graph.UpsertResult{}
	for _, edge := range batch {
		if _, ok := g.edges[edge.PairKey]; ok {
			result.Updated++
		} else {
			result.Created++
		}
		g.edges[edge.PairKey] = edge
	}
	return result, nil
}

func (g *fakeGraph) VertexIDsWithEdges(_ context.Context, _ string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	seen := make(map[string]struct{})
	ids := []string{}
	for _, edge := range g.edges {
		for _, id := range []string{edge.From, edge.To} {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (g *fakeGraph) TraverseFromVertex(_ context.Context, _ string, startID string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	adjacency := make(map[string][]string)
	for _, edge := range g.edges {
		adjacency[edge.From] = append(adjacency[edge.From], edge.To)
		adjacency[edge.To] = append(adjacency[edge.To], edge.From)
	}
	visited := map[string]struct{}{startID: {}}
	queue := []string{startID}
	members := []string{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		members = append(members, current)
		for _, next := range adjacency[current] {
			if _, ok := visited[next]; ok {
				continue
			}
			visited[next] = struct{}{}
			queue = append(queue, next)
		}
	}
	return members, nil
}

func (g *fakeGraph) EdgesAmong(_ context.Context, _ string, memberIDs []string) ([]models.SimilarityEdge, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	members := make(map[string]struct{}, len(memberIDs))
	for _, id := range memberIDs {
		members[id] = struct{}{}
	}
	edges := []models.SimilarityEdge{}
	for _, edge := range g.edges {
		if _, ok := members[edge.From]; !ok {
			continue
		}
		if _, ok := members[edge.To]; !ok {
			continue
		}
		edges = append(edges, edge)
	}
	return edges, nil
}

type fakeRunStore struct {
	created   *models.PipelineRun
	createErr error
	stages    []models.RunStage
	stageErr  error
	completed bool
	failedMsg string
	stats     *models.PipelineStatistics
}

func (s *fakeRunStore) Create(_ context.Context, run *models.PipelineRun) (*models.PipelineRun, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	run.ID = "run-1"
	run.Status = models.RunStatusPending
	run.Stage = models.StageBlocking
	run.StartedAt = time.Now().UTC()
	s.created = run
	return run, nil
}

func (s *fakeRunStore) UpdateStage(_ context.Context, _ string, stage models.RunStage) error {
	if s.stageErr != nil {
		return s.stageErr
	}
	s.stages = append(s.stages, stage)
	return nil
}

func (s *fakeRunStore) Complete(_ context.Context, _ string, stats *models.PipelineStatistics) error {
	s.completed = true
	s.stats = stats
	return nil
}

func (s *fakeRunStore) Fail(_ context.Context, _ string, message string, stats *models.PipelineStatistics) error {
	s.failedMsg = message
	s.stats = stats
	return nil
}

type fakeAuditor struct {
	calls int
	runID string
	pairs []models.CandidatePair
	err   error
}

func (a *fakeAuditor) CreateBatch(_ context.Context, runID string, pairs []models.CandidatePair) error {
	a.calls++
	a.runID = runID
	a.pairs = pairs
	return a.err
}

type fakeClusterWriter struct {
	calls      int
	collection string
	clusters   []models.Cluster
}

func (w *fakeClusterWriter) ReplaceForCollection(_ context.Context, edgeCollection string, clusters []models.Cluster) error {
	w.calls++
	w.collection = edgeCollection
	w.clusters = clusters
	return nil
}

type fakeEmitter struct {
	events []string
}

func (e *fakeEmitter) EmitRunStarted(_ context.Context, _ *models.PipelineRun) error {
	e.events = append(e.events, "started")
	return nil
}

func (e *fakeEmitter) EmitStageCompleted(_ context.Context, _ *models.PipelineRun, stage models.RunStage, _ time.Duration) error {
	e.events = append(e.events, "stage:"+string(stage))
	return nil
}

func (e *fakeEmitter) EmitRunCompleted(_ context.Context, _ *models.PipelineRun, _ *models.PipelineStatistics) error {
	e.events = append(e.events, "completed")
	return nil
}

func (e *fakeEmitter) EmitRunFailed(_ context.Context, _ *models.PipelineRun, stage models.RunStage, _ error, _ *models.PipelineStatistics) error {
	e.events = append(e.events, "failed:"+string(stage))
	return nil
}

type fakeLock struct {
	released bool
}

func (l *fakeLock) Release(_ context.Context) error {
	l.released = true
	return nil
}

type fakeLockProvider struct {
	acquireErr error
	acquired   []string
	lock       *fakeLock
}

func (p *fakeLockProvider) Acquire(_ context.Context, collection string, _ time.Duration) (Lock, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	p.acquired = append(p.acquired, collection)
	p.lock = &fakeLock{}
	return p.lock, nil
}

type runnerFixture struct {
	records *fakeRecordStore
	runs    *fakeRunStore
	audits  *fakeAuditor
	graph   *fakeGraph
	writer  *fakeClusterWriter
	emitter *fakeEmitter
	locks   *fakeLockProvider
	runner  *Runner
}

// newRunnerFixture seeds three customer records where two share an email, so
// composite-key blocking on email yields exactly one candidate pair.
func newRunnerFixture(config Config) *runnerFixture {
	f := &runnerFixture{
		records: &fakeRecordStore{
			count:  3,
			groups: []record.Group{{Values: []string{"a@example.com"}, RecordKeys: []string{"a", "b"}}},
			docs: map[string]models.Document{
				"a": {"email": "a@example.com"},
				"b": {"email": "a@example.com"},
				"c": {"email": "c@example.com"},
			},
		},
		runs:    &fakeRunStore{},
		audits:  &fakeAuditor{},
		graph:   &fakeGraph{},
		writer:  &fakeClusterWriter{},
		emitter: &fakeEmitter{},
		locks:   &fakeLockProvider{},
	}
	f.runner = NewRunner(testLogger(), f.records, f.runs, f.audits, f.graph, f.graph, f.writer, f.emitter, f.locks, config)
	return f
}

func customerDefinition() *Definition {
	return &Definition{
		Collection:     "customers",
		EdgeCollection: "customer_matches",
		Blocking: BlockingDefinition{
			Strategy:     blocking.StrategyCompositeKey,
			CompositeKey: &blocking.CompositeKeyConfig{Fields: []blocking.BlockingField{{Name: "email"}}},
		},
		Scoring: scoring.Weights{
			Fields: []scoring.FieldWeight{
				{Field: "email", MProbability: 0.9, UProbability: 0.01, Importance: 1, Algorithm: similarity.AlgorithmExact},
			},
			UpperThreshold: 4.0,
			LowerThreshold: 0.0,
		},
	}
}

func mustPair(t *testing.T, keyA, keyB string) models.CandidatePair {
	t.Helper()
	pair, ok := models.NewCandidatePair(
		models.NewRecordID("customers", keyA),
		models.NewRecordID("customers", keyB),
		blocking.StrategyCompositeKey, 0,
	)
	require.True(t, ok)
	return pair
}

func TestNewRunnerDefaults(t *testing.T) {
	f := newRunnerFixture(Config{})

	assert.Equal(t, DefaultScoringBatchSize, f.runner.config.ScoringBatchSize)
	assert.Equal(t, fanout.DefaultConcurrency, f.runner.config.Concurrency)
	assert.Equal(t, DefaultRunLockTTL, f.runner.config.RunLockTTL)
}

func TestRunFullPipelineHappyPath(t *testing.T) {
	f := newRunnerFixture(Config{PersistClusters: true})

	result, err := f.runner.RunFullPipeline(context.Background(), customerDefinition())
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, 1, result.Blocking.Statistics.PairsGenerated)
	assert.Equal(t, 1, result.Scoring.Statistics.Matches)
	assert.Equal(t, 1, result.Materialization.Statistics.EdgesCreated)
	assert.Equal(t, 1, result.Clustering.Statistics.ValidClusters)

	require.Len(t, result.Clustering.Clusters, 1)
	cluster := result.Clustering.Clusters[0]
	assert.Equal(t, []string{"customers/a", "customers/b"}, cluster.MemberIDs)
	assert.True(t, cluster.IsValid)
	assert.InDelta(t, 1.0, cluster.AverageSimilarity, 1e-9)

	assert.Equal(t, []models.RunStage{
		models.StageBlocking,
		models.StageScoring,
		models.StageMaterialization,
		models.StageClustering,
	}, f.runs.stages)
	assert.True(t, f.runs.completed)
	require.NotNil(t, f.runs.stats)
	assert.Len(t, f.runs.stats.StageTimings, 4)
	require.NotNil(t, f.runs.stats.Blocking)
	require.NotNil(t, f.runs.stats.Scoring)
	require.NotNil(t, f.runs.stats.Materialization)
	require.NotNil(t, f.runs.stats.Clustering)

	assert.Equal(t, []string{
		"started",
		"stage:blocking",
		"stage:scoring",
		"stage:materialization",
		"stage:clustering",
		"completed",
	}, f.emitter.events)

	assert.Equal(t, []string{"customers"}, f.locks.acquired)
	require.NotNil(t, f.locks.lock)
	assert.True(t, f.locks.lock.released)

	assert.Equal(t, 1, f.writer.calls)
	assert.Equal(t, "customer_matches", f.writer.collection)
	assert.Len(t, f.writer.clusters, 1)

	assert.Equal(t, 0, f.audits.calls, "auditing defaults off")
}

func TestPrepareRunThenExecute(t *testing.T) {
	f := newRunnerFixture(Config{})

	prepared, err := f.runner.PrepareRun(context.Background(), customerDefinition())
	require.NoError(t, err)
	require.NotNil(t, prepared.Run())
	assert.Equal(t, "run-1", prepared.Run().ID)
	assert.False(t, f.locks.lock.released, "the lock is held until Execute finishes")

	result, err := prepared.Execute(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", result.RunID)
	assert.True(t, f.locks.lock.released)
}

func TestPrepareRunReleasesLockWhenCreateFails(t *testing.T) {
	f := newRunnerFixture(Config{})
	f.runs.createErr = errors.New("insert failed")

	_, err := f.runner.PrepareRun(context.Background(), customerDefinition())
	require.Error(t, err)
	require.NotNil(t, f.locks.lock)
	assert.True(t, f.locks.lock.released, "the lock is returned when the run row cannot be created")
}

func TestRunFullPipelineLockConflict(t *testing.T) {
	f := newRunnerFixture(Config{})
	f.locks.acquireErr = redis.ErrLockNotAcquired

	result, err := f.runner.RunFullPipeline(context.Background(), customerDefinition())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunConflict))
	assert.Nil(t, result)
	assert.Nil(t, f.runs.created, "no run row is created when the lock is held")
}

func TestRunFullPipelineStageFailureMarksRunFailed(t *testing.T) {
	f := newRunnerFixture(Config{})
	f.records.groupsErr = errors.New("store exploded")

	result, err := f.runner.RunFullPipeline(context.Background(), customerDefinition())
	require.Error(t, err)
	assert.Nil(t, result)

	assert.Equal(t, "store exploded", f.runs.failedMsg)
	assert.False(t, f.runs.completed)
	assert.Contains(t, f.emitter.events, "failed:"+string(models.StageBlocking))
	require.NotNil(t, f.locks.lock)
	assert.True(t, f.locks.lock.released, "the lock is released on failure")
}

func TestRunFullPipelineRejectsBadDefinition(t *testing.T) {
	f := newRunnerFixture(Config{})
	def := customerDefinition()
	def.Collection = "customers; drop table records"

	_, err := f.runner.RunFullPipeline(context.Background(), def)
	require.Error(t, err)
	assert.True(t, errs.IsValidation(err))
	assert.Empty(t, f.locks.acquired, "validation failures never reach the lock")
}

func TestRunFullPipelineAuditsWithinRun(t *testing.T) {
	f := newRunnerFixture(Config{AuditPairs: true})

	_, err := f.runner.RunFullPipeline(context.Background(), customerDefinition())
	require.NoError(t, err)

	assert.Equal(t, 1, f.audits.calls)
	assert.Equal(t, "run-1", f.audits.runID)
	assert.Len(t, f.audits.pairs, 1)
}

func TestRunBlockingAudit(t *testing.T) {
	t.Run("audits when the context carries a run id", func(t *testing.T) {
		f := newRunnerFixture(Config{AuditPairs: true})
		ctx := appcontext.SetRunID(context.Background(), "run-9")

		result, err := f.runner.RunBlocking(ctx, customerDefinition())
		require.NoError(t, err)
		require.Len(t, result.Pairs, 1)

		assert.Equal(t, 1, f.audits.calls)
		assert.Equal(t, "run-9", f.audits.runID)
	})

	t.Run("skips the audit without a run id", func(t *testing.T) {
		f := newRunnerFixture(Config{AuditPairs: true})

		_, err := f.runner.RunBlocking(context.Background(), customerDefinition())
		require.NoError(t, err)
		assert.Equal(t, 0, f.audits.calls)
	})

	t.Run("definition flag enables auditing", func(t *testing.T) {
		f := newRunnerFixture(Config{})
		def := customerDefinition()
		def.AuditPairs = true
		ctx := appcontext.SetRunID(context.Background(), "run-9")

		_, err := f.runner.RunBlocking(ctx, def)
		require.NoError(t, err)
		assert.Equal(t, 1, f.audits.calls)
	})

	t.Run("audit failure does not fail the stage", func(t *testing.T) {
		f := newRunnerFixture(Config{AuditPairs: true})
		f.audits.err = errors.New("audit table down")
		ctx := appcontext.SetRunID(context.Background(), "run-9")

		result, err := f.runner.RunBlocking(ctx, customerDefinition())
		require.NoError(t, err)
		assert.Len(t, result.Pairs, 1)
	})
}

func TestRunBlockingUnknownStrategy(t *testing.T) {
	f := newRunnerFixture(Config{})
	def := customerDefinition()
	def.Blocking.Strategy = "phonetic"

	_, err := f.runner.RunBlocking(context.Background(), def)
	require.Error(t, err)
	assert.True(t, errs.IsConfiguration(err))
}

func TestRunScoringMergesBatchResults(t *testing.T) {
	f := newRunnerFixture(Config{ScoringBatchSize: 1})
	pairs := []models.CandidatePair{
		mustPair(t, "a", "b"), // same email, agrees
		mustPair(t, "a", "c"), // different email, disagrees
	}

	result, err := f.runner.RunScoring(context.Background(), pairs, customerDefinition().Scoring)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Statistics.PairsScored)
	assert.Equal(t, 1, result.Statistics.Matches)
	assert.Equal(t, 1, result.Statistics.NonMatches)
	assert.Equal(t, 0, result.Statistics.FailedBatches)
	require.Len(t, result.ScoredPairs, 2)
	assert.Equal(t, models.DecisionMatch, result.ScoredPairs[0].Decision)
	assert.Equal(t, models.DecisionNonMatch, result.ScoredPairs[1].Decision)
}

func TestRunScoringContainsBatchFailures(t *testing.T) {
	f := newRunnerFixture(Config{ScoringBatchSize: 1})
	f.records.docsErr = errors.New("fetch failed")
	pairs := []models.CandidatePair{mustPair(t, "a", "b"), mustPair(t, "a", "c")}

	result, err := f.runner.RunScoring(context.Background(), pairs, customerDefinition().Scoring)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Statistics.FailedBatches)
	assert.Empty(t, result.ScoredPairs)
}

func TestRunScoringRejectsBadWeights(t *testing.T) {
	f := newRunnerFixture(Config{})

	_, err := f.runner.RunScoring(context.Background(), nil, scoring.Weights{})
	require.Error(t, err)
	assert.True(t, errs.IsConfiguration(err))
}

func TestChunkPairs(t *testing.T) {
	pairs := []models.CandidatePair{
		mustPair(t, "a", "b"),
		mustPair(t, "a", "c"),
		mustPair(t, "b", "c"),
	}

	batches := chunkPairs(pairs, 2)
	require.Len(t, batches, 2)
	assert.Len(t, batches[0], 2)
	assert.Len(t, batches[1], 1)

	assert.Empty(t, chunkPairs(nil, 2))
}
