// Package events handles event emission for pipeline run lifecycle changes
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/aspen/pkg/kafka"
	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// Emitter handles run lifecycle event emission
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitRunStarted emits a run started event
func (e *Emitter) EmitRunStarted(ctx context.Context, run *models.PipelineRun) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRunStarted")
	defer span.End()

	event := &kafka.RunEvent{
		EventType:      string(EventTypeRunStarted),
		SchemaVersion:  SchemaVersion,
		RunID:          run.ID,
		Collection:     run.Collection,
		EdgeCollection: run.EdgeCollection,
		Status:         string(models.RunStatusRunning),
	}

	if err := e.producer.PublishRunEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit pipeline.run.started event")
		return err
	}

	return nil
}

// EmitStageCompleted emits a stage completed event with the stage's wall time
func (e *Emitter) EmitStageCompleted(ctx context.Context, run *models.PipelineRun, stage models.RunStage, duration time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitStageCompleted")
	defer span.End()

	event := &kafka.RunEvent{
		EventType:      string(EventTypeStageCompleted),
		SchemaVersion:  SchemaVersion,
		RunID:          run.ID,
		Collection:     run.Collection,
		EdgeCollection: run.EdgeCollection,
		Stage:          string(stage),
		Status:         string(models.RunStatusRunning),
		Statistics: &models.PipelineStatistics{
			StageTimings: []models.StageTiming{{Stage: stage, DurationMs: duration.Milliseconds()}},
		},
	}

	if err := e.producer.PublishRunEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit pipeline.stage.completed event")
		return err
	}

	return nil
}

// EmitRunCompleted emits a run completed event carrying the final statistics
func (e *Emitter) EmitRunCompleted(ctx context.Context, run *models.PipelineRun, stats *models.PipelineStatistics) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRunCompleted")
	defer span.End()

	event := &kafka.RunEvent{
		EventType:      string(EventTypeRunCompleted),
		SchemaVersion:  SchemaVersion,
		RunID:          run.ID,
		Collection:     run.Collection,
		EdgeCollection: run.EdgeCollection,
		Status:         string(models.RunStatusCompleted),
		Statistics:     stats,
	}

	if err := e.producer.PublishRunEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit pipeline.run.completed event")
		return err
	}

	return nil
}

// EmitRunFailed emits a run failed event recording the failing stage
func (e *Emitter) EmitRunFailed(ctx context.Context, run *models.PipelineRun, stage models.RunStage, failure error, stats *models.PipelineStatistics) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitRunFailed")
	defer span.End()

	event := &kafka.RunEvent{
		EventType:      string(EventTypeRunFailed),
		SchemaVersion:  SchemaVersion,
		RunID:          run.ID,
		Collection:     run.Collection,
		EdgeCollection: run.EdgeCollection,
		Stage:          string(stage),
		Status:         string(models.RunStatusFailed),
		Error:          failure.Error(),
		Statistics:     stats,
	}

	if err := e.producer.PublishRunEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit pipeline.run.failed event")
		return err
	}

	return nil
}
