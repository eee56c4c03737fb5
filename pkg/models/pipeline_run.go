package models

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunStage is the pipeline stage a run is currently executing. Stages advance
// strictly in order.
type RunStage string

const (
	StageBlocking        RunStage = "blocking"
	StageScoring         RunStage = "scoring"
	StageMaterialization RunStage = "materialization"
	StageClustering      RunStage = "clustering"
)

// Stages lists the pipeline stages in execution order.
func Stages() []RunStage {
	return []RunStage{StageBlocking, StageScoring, StageMaterialization, StageClustering}
}

// PipelineRun is the durable record of one pipeline execution.
type PipelineRun struct {
	ID             string              `json:"id" db:"id"`
	Collection     string              `json:"collection" db:"collection"`
	EdgeCollection string              `json:"edge_collection" db:"edge_collection"`
	Status         RunStatus           `json:"status" db:"status"`
	Stage          RunStage            `json:"stage" db:"stage"`
	Definition     json.RawMessage     `json:"definition" db:"definition"`
	Statistics     *PipelineStatistics `json:"statistics,omitempty"`
	Error          *string             `json:"error,omitempty" db:"error"`
	StartedAt      time.Time           `json:"started_at" db:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty" db:"completed_at"`
}
