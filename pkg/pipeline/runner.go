package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/pkg/appcontext"
	"github.com/Ramsey-B/aspen/pkg/blocking"
	"github.com/Ramsey-B/aspen/pkg/clustering"
	"github.com/Ramsey-B/aspen/pkg/edges"
	"github.com/Ramsey-B/aspen/pkg/errs"
	"github.com/Ramsey-B/aspen/pkg/fanout"
	"github.com/Ramsey-B/aspen/pkg/metrics"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/redis"
	"github.com/Ramsey-B/aspen/pkg/retry"
	"github.com/Ramsey-B/aspen/pkg/scoring"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

const (
	// DefaultScoringBatchSize bounds how many pairs one scoring batch carries.
	DefaultScoringBatchSize = 500
	// DefaultRunLockTTL bounds how long a crashed run can block its collection.
	DefaultRunLockTTL = 30 * time.Minute
)

// ErrRunConflict reports that another run already holds the collection lock.
var ErrRunConflict = errors.New("a pipeline run is already in progress for this collection")

// RecordStore is the record surface the pipeline reads from. It is the union
// of what the blocking strategies and the scorer need; *record.Repository
// satisfies it.
type RecordStore interface {
	blocking.GroupFetcher
	blocking.SearchFetcher
	scoring.DocumentFetcher
}

// RunStore persists pipeline run lifecycle state.
type RunStore interface {
	Create(ctx context.Context, run *models.PipelineRun) (*models.PipelineRun, error)
	UpdateStage(ctx context.Context, id string, stage models.RunStage) error
	Complete(ctx context.Context, id string, stats *models.PipelineStatistics) error
	Fail(ctx context.Context, id string, message string, stats *models.PipelineStatistics) error
}

// PairAuditor records which pairs blocking produced for a run.
type PairAuditor interface {
	CreateBatch(ctx context.Context, runID string, pairs []models.CandidatePair) error
}

// EventEmitter publishes run lifecycle events.
type EventEmitter interface {
	EmitRunStarted(ctx context.Context, run *models.PipelineRun) error
	EmitStageCompleted(ctx context.Context, run *models.PipelineRun, stage models.RunStage, duration time.Duration) error
	EmitRunCompleted(ctx context.Context, run *models.PipelineRun, stats *models.PipelineStatistics) error
	EmitRunFailed(ctx context.Context, run *models.PipelineRun, stage models.RunStage, failure error, stats *models.PipelineStatistics) error
}

// Lock is one held per-collection run lock.
type Lock interface {
	Release(ctx context.Context) error
}

// LockProvider serializes runs per collection.
type LockProvider interface {
	Acquire(ctx context.Context, collection string, ttl time.Duration) (Lock, error)
}

// RedisLockProvider adapts the redis run locker to the runner's lock seam.
type RedisLockProvider struct {
	locker *redis.RunLocker
}

// NewRedisLockProvider creates a new redis-backed lock provider
func NewRedisLockProvider(locker *redis.RunLocker) *RedisLockProvider {
	return &RedisLockProvider{locker: locker}
}

func (p *RedisLockProvider) Acquire(ctx context.Context, collection string, ttl time.Duration) (Lock, error) {
	lock, err := p.locker.Acquire(ctx, collection, ttl)
	if err != nil {
		// Return a nil interface, never a typed nil pointer.
		return nil, err
	}
	return lock, nil
}

// Config tunes pipeline execution.
type Config struct {
	ScoringBatchSize     int
	MaterializeBatchSize int
	Concurrency          int
	RunLockTTL           time.Duration
	Retry                retry.Config
	PersistClusters      bool
	AuditPairs           bool
}

// Runner executes pipeline stages against one record store and one graph.
// The emitter and auditor may be nil; events and pair audits are advisory.
type Runner struct {
	logger       ectologger.Logger
	records      RecordStore
	runs         RunStore
	audits       PairAuditor
	materializer *edges.Materializer
	graph        clustering.GraphReader
	clusters     clustering.ClusterWriter
	emitter      EventEmitter
	locks        LockProvider
	config       Config
}

// Result is the outcome of one full pipeline run.
type Result struct {
	RunID           string
	Blocking        *blocking.Result
	Scoring         *scoring.Result
	Materialization *edges.Result
	Clustering      *clustering.Result
	Statistics      models.PipelineStatistics
}

// NewRunner creates a new pipeline runner.
func NewRunner(
	logger ectologger.Logger,
	records RecordStore,
	runs RunStore,
	audits PairAuditor,
	edgeStore edges.EdgeStore,
	graph clustering.GraphReader,
	clusters clustering.ClusterWriter,
	emitter EventEmitter,
	locks LockProvider,
	config Config,
) *Runner {
	if config.ScoringBatchSize <= 0 {
		config.ScoringBatchSize = DefaultScoringBatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = fanout.DefaultConcurrency
	}
	if config.RunLockTTL <= 0 {
		config.RunLockTTL = DefaultRunLockTTL
	}
	materializer := edges.NewMaterializer(edgeStore, logger, edges.Config{
		BatchSize:   config.MaterializeBatchSize,
		Concurrency: config.Concurrency,
		Retry:       config.Retry,
	})
	return &Runner{
		logger:       logger,
		records:      records,
		runs:         runs,
		audits:       audits,
		materializer: materializer,
		graph:        graph,
		clusters:     clusters,
		emitter:      emitter,
		locks:        locks,
		config:       config,
	}
}

// RunBlocking builds the definition's blocking strategy and generates
// candidate pairs. When pair auditing is on and the context carries a run ID,
// the pairs are also written to the audit table; a failed audit write never
// fails the stage.
func (r *Runner) RunBlocking(ctx context.Context, def *Definition) (*blocking.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.RunBlocking")
	defer span.End()

	strategy, err := r.buildStrategy(def)
	if err != nil {
		return nil, err
	}

	result, err := strategy.GenerateCandidates(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RecordBlockingPairs(strategy.Name(), len(result.Pairs))

	if r.shouldAudit(def) && len(result.Pairs) > 0 {
		runID := appcontext.GetRunID(ctx)
		if runID == "" {
			r.logger.WithContext(ctx).Debug("Skipping pair audit outside of a tracked run")
		} else if err := r.audits.CreateBatch(ctx, runID, result.Pairs); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"run_id": runID,
				"pairs":  len(result.Pairs),
			}).Warn("Failed to persist candidate pair audit")
		}
	}

	return result, nil
}

// RunScoring scores candidate pairs in bounded-concurrency batches. A failed
// batch is logged and counted; surviving batches still produce scored pairs.
func (r *Runner) RunScoring(ctx context.Context, pairs []models.CandidatePair, weights scoring.Weights) (*scoring.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.RunScoring")
	defer span.End()

	scorer, err := scoring.NewScorer(r.records, r.logger, weights)
	if err != nil {
		return nil, err
	}

	batches := chunkPairs(pairs, r.config.ScoringBatchSize)
	outcomes, err := fanout.Run(ctx, r.config.Concurrency, batches, func(ctx context.Context, index int, batch []models.CandidatePair) (*scoring.Result, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := scorer.ScoreBatch(ctx, batch)
		if err != nil {
			batchErr := errs.NewBatchError("scoring", index, err)
			r.logger.WithContext(ctx).WithError(batchErr).WithFields(map[string]any{
				"batch":      index,
				"batch_size": len(batch),
			}).Error("Scoring batch failed, continuing with remaining batches")
			metrics.RecordBatchFailure(string(models.StageScoring))
			return &scoring.Result{Statistics: models.ScoringStatistics{FailedBatches: 1}}, nil
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	merged := &scoring.Result{}
	for _, outcome := range outcomes {
		merged.ScoredPairs = append(merged.ScoredPairs, outcome.ScoredPairs...)
		merged.Statistics.PairsScored += outcome.Statistics.PairsScored
		merged.Statistics.Matches += outcome.Statistics.Matches
		merged.Statistics.PossibleMatches += outcome.Statistics.PossibleMatches
		merged.Statistics.NonMatches += outcome.Statistics.NonMatches
		merged.Statistics.MissingDocuments += outcome.Statistics.MissingDocuments
		merged.Statistics.FieldsMissing += outcome.Statistics.FieldsMissing
		merged.Statistics.FailedBatches += outcome.Statistics.FailedBatches
	}

	metrics.RecordScoringComparisons(string(models.DecisionMatch), merged.Statistics.Matches)
	metrics.RecordScoringComparisons(string(models.DecisionPossibleMatch), merged.Statistics.PossibleMatches)
	metrics.RecordScoringComparisons(string(models.DecisionNonMatch), merged.Statistics.NonMatches)

	return merged, nil
}

// RunMaterialization persists scored pairs at or above the threshold as
// similarity edges in the graph.
func (r *Runner) RunMaterialization(ctx context.Context, scored []models.ScoredPair, threshold float64, edgeCollection string) (*edges.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.RunMaterialization")
	defer span.End()

	result, err := r.materializer.Materialize(ctx, scored, threshold, edgeCollection)
	if err != nil {
		return nil, err
	}

	metrics.RecordEdgesMaterialized("created", result.Statistics.EdgesCreated)
	metrics.RecordEdgesMaterialized("updated", result.Statistics.EdgesUpdated)
	metrics.RecordEdgesMaterialized("failed", result.Statistics.EdgesFailed)
	for i := 0; i < result.Statistics.FailedBatches; i++ {
		metrics.RecordBatchFailure(string(models.StageMaterialization))
	}

	return result, nil
}

// RunClustering recomputes the clusters of one edge collection and validates
// them against the quality thresholds.
func (r *Runner) RunClustering(ctx context.Context, edgeCollection string, thresholds models.QualityThresholds) (*clustering.Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.RunClustering")
	defer span.End()

	engine := clustering.NewEngine(r.graph, r.clusters, r.logger, clustering.Config{
		Thresholds: thresholds,
		Persist:    r.config.PersistClusters,
	})
	result, err := engine.FindClusters(ctx, edgeCollection)
	if err != nil {
		return nil, err
	}

	metrics.RecordClustersFound(true, result.Statistics.ValidClusters)
	metrics.RecordClustersFound(false, result.Statistics.InvalidClusters)

	return result, nil
}

// PreparedRun is a validated, locked, persisted run that has not executed
// yet. It lets the HTTP layer reserve the collection and report the run id
// before the stages run in the background.
type PreparedRun struct {
	runner *Runner
	def    *Definition
	lock   Lock
	run    *models.PipelineRun
}

// Run returns the created run row.
func (p *PreparedRun) Run() *models.PipelineRun {
	return p.run
}

// PrepareRun validates the definition, acquires the collection lock and
// creates the run row. Execute must be called exactly once afterward; it
// releases the lock when it finishes. A second concurrent run on the same
// collection fails here with ErrRunConflict.
func (r *Runner) PrepareRun(ctx context.Context, def *Definition) (*PreparedRun, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.Runner.PrepareRun")
	defer span.End()

	if err := def.Validate(); err != nil {
		return nil, err
	}

	lock, err := r.locks.Acquire(ctx, def.Collection, r.config.RunLockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			return nil, fmt.Errorf("%w: %s", ErrRunConflict, def.Collection)
		}
		return nil, err
	}

	definitionJSON, err := json.Marshal(def)
	if err != nil {
		r.release(ctx, lock)
		return nil, fmt.Errorf("failed to encode run definition: %w", err)
	}

	run, err := r.runs.Create(ctx, &models.PipelineRun{
		Collection:     def.Collection,
		EdgeCollection: def.EdgeCollection,
		Definition:     definitionJSON,
	})
	if err != nil {
		r.release(ctx, lock)
		return nil, err
	}

	return &PreparedRun{runner: r, def: def, lock: lock, run: run}, nil
}

// RunFullPipeline executes all four stages in order for one definition. The
// collection is locked for the duration. Stage advancement, statistics and
// timings are persisted on the run row whether the run completes or fails.
func (r *Runner) RunFullPipeline(ctx context.Context, def *Definition) (*Result, error) {
	prepared, err := r.PrepareRun(ctx, def)
	if err != nil {
		return nil, err
	}
	return prepared.Execute(ctx)
}

// Execute runs the prepared pipeline and releases the collection lock when it
// finishes.
func (p *PreparedRun) Execute(ctx context.Context) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline.PreparedRun.Execute")
	defer span.End()

	r := p.runner
	def := p.def
	run := p.run
	defer r.release(ctx, p.lock)

	ctx = appcontext.SetRunID(ctx, run.ID)
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":          run.ID,
		"collection":      def.Collection,
		"edge_collection": def.EdgeCollection,
	})
	log.Info("Pipeline run started")

	run.Status = models.RunStatusRunning
	if r.emitter != nil {
		// Lifecycle events are advisory; the emitter logs its own failures.
		_ = r.emitter.EmitRunStarted(ctx, run)
	}

	stats := &models.PipelineStatistics{}
	started := time.Now()

	fail := func(stage models.RunStage, stageErr error) (*Result, error) {
		stats.TotalDurationMs = time.Since(started).Milliseconds()
		log.WithError(stageErr).WithFields(map[string]any{
			"stage": stage,
		}).Error("Pipeline run failed")
		if err := r.runs.Fail(ctx, run.ID, stageErr.Error(), stats); err != nil {
			log.WithError(err).Error("Failed to mark run as failed")
		}
		metrics.RecordPipelineRun(def.Collection, string(models.RunStatusFailed))
		if r.emitter != nil {
			_ = r.emitter.EmitRunFailed(ctx, run, stage, stageErr, stats)
		}
		return nil, stageErr
	}

	beginStage := func(stage models.RunStage) (time.Time, error) {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		if err := r.runs.UpdateStage(ctx, run.ID, stage); err != nil {
			return time.Time{}, err
		}
		run.Stage = stage
		return time.Now(), nil
	}

	endStage := func(stage models.RunStage, stageStart time.Time) {
		elapsed := time.Since(stageStart)
		stats.StageTimings = append(stats.StageTimings, models.StageTiming{
			Stage:      stage,
			DurationMs: elapsed.Milliseconds(),
		})
		metrics.RecordStageDuration(string(stage), elapsed.Seconds())
		if r.emitter != nil {
			_ = r.emitter.EmitStageCompleted(ctx, run, stage, elapsed)
		}
	}

	stageStart, err := beginStage(models.StageBlocking)
	if err != nil {
		return fail(models.StageBlocking, err)
	}
	blockingResult, err := r.RunBlocking(ctx, def)
	if err != nil {
		return fail(models.StageBlocking, err)
	}
	stats.Blocking = &blockingResult.Statistics
	endStage(models.StageBlocking, stageStart)
	log.WithFields(map[string]any{
		"pairs_generated": blockingResult.Statistics.PairsGenerated,
		"reduction_ratio": blockingResult.Statistics.ReductionRatio,
	}).Info("Blocking stage complete")

	stageStart, err = beginStage(models.StageScoring)
	if err != nil {
		return fail(models.StageScoring, err)
	}
	scoringResult, err := r.RunScoring(ctx, blockingResult.Pairs, def.Scoring)
	if err != nil {
		return fail(models.StageScoring, err)
	}
	stats.Scoring = &scoringResult.Statistics
	endStage(models.StageScoring, stageStart)
	log.WithFields(map[string]any{
		"pairs_scored":     scoringResult.Statistics.PairsScored,
		"matches":          scoringResult.Statistics.Matches,
		"possible_matches": scoringResult.Statistics.PossibleMatches,
	}).Info("Scoring stage complete")

	stageStart, err = beginStage(models.StageMaterialization)
	if err != nil {
		return fail(models.StageMaterialization, err)
	}
	materializationResult, err := r.RunMaterialization(ctx, scoringResult.ScoredPairs, def.EffectiveEdgeThreshold(), def.EdgeCollection)
	if err != nil {
		return fail(models.StageMaterialization, err)
	}
	stats.Materialization = &materializationResult.Statistics
	endStage(models.StageMaterialization, stageStart)
	log.WithFields(map[string]any{
		"edges_created": materializationResult.Statistics.EdgesCreated,
		"edges_updated": materializationResult.Statistics.EdgesUpdated,
	}).Info("Materialization stage complete")

	stageStart, err = beginStage(models.StageClustering)
	if err != nil {
		return fail(models.StageClustering, err)
	}
	clusteringResult, err := r.RunClustering(ctx, def.EdgeCollection, def.Quality)
	if err != nil {
		return fail(models.StageClustering, err)
	}
	stats.Clustering = &clusteringResult.Statistics
	endStage(models.StageClustering, stageStart)

	stats.TotalDurationMs = time.Since(started).Milliseconds()
	if err := r.runs.Complete(ctx, run.ID, stats); err != nil {
		log.WithError(err).Error("Failed to mark run as completed")
		return nil, err
	}
	run.Status = models.RunStatusCompleted
	run.Statistics = stats
	metrics.RecordPipelineRun(def.Collection, string(models.RunStatusCompleted))
	if r.emitter != nil {
		_ = r.emitter.EmitRunCompleted(ctx, run, stats)
	}

	log.WithFields(map[string]any{
		"duration_ms":    stats.TotalDurationMs,
		"valid_clusters": clusteringResult.Statistics.ValidClusters,
	}).Info("Pipeline run complete")

	return &Result{
		RunID:           run.ID,
		Blocking:        blockingResult,
		Scoring:         scoringResult,
		Materialization: materializationResult,
		Clustering:      clusteringResult,
		Statistics:      *stats,
	}, nil
}

// release returns the collection lock; the TTL reclaims it if this fails.
func (r *Runner) release(ctx context.Context, lock Lock) {
	if err := lock.Release(ctx); err != nil {
		r.logger.WithContext(ctx).WithError(err).Warn("Failed to release run lock")
	}
}

func (r *Runner) buildStrategy(def *Definition) (blocking.Strategy, error) {
	switch def.Blocking.Strategy {
	case blocking.StrategyCompositeKey:
		if def.Blocking.CompositeKey == nil {
			return nil, errs.NewConfigurationError("pipeline", "composite_key strategy requires a compositeKey block")
		}
		// The definition's collection wins over any collection set on the
		// strategy block.
		cfg := *def.Blocking.CompositeKey
		cfg.Collection = def.Collection
		strategy, err := blocking.NewCompositeKeyStrategy(r.records, r.logger, cfg)
		if err != nil {
			return nil, err
		}
		return strategy, nil
	case blocking.StrategyFuzzyText:
		if def.Blocking.FuzzyText == nil {
			return nil, errs.NewConfigurationError("pipeline", "fuzzy_text strategy requires a fuzzyText block")
		}
		cfg := *def.Blocking.FuzzyText
		cfg.Collection = def.Collection
		strategy, err := blocking.NewFuzzyTextStrategy(r.records, r.logger, cfg)
		if err != nil {
			return nil, err
		}
		return strategy, nil
	default:
		return nil, errs.NewConfigurationError("pipeline", "unknown blocking strategy %q", def.Blocking.Strategy)
	}
}

func (r *Runner) shouldAudit(def *Definition) bool {
	if r.audits == nil {
		return false
	}
	return r.config.AuditPairs || def.AuditPairs
}

func chunkPairs(pairs []models.CandidatePair, size int) [][]models.CandidatePair {
	batches := make([][]models.CandidatePair, 0, (len(pairs)+size-1)/size)
	for start := 0; start < len(pairs); start += size {
		end := start + size
		if end > len(pairs) {
			end = len(pairs)
		}
		batches = append(batches, pairs[start:end])
	}
	return batches
}
