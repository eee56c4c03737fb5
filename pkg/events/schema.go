package events

// EventType defines the type of event
type EventType string

const (
	// Run lifecycle events
	EventTypeRunStarted     EventType = "pipeline.run.started"
	EventTypeStageCompleted EventType = "pipeline.stage.completed"
	EventTypeRunCompleted   EventType = "pipeline.run.completed"
	EventTypeRunFailed      EventType = "pipeline.run.failed"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"
