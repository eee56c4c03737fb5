package kafka

import (
	"encoding/json"
	"fmt"
	"time"
)

// IncomingMessage wraps a raw Kafka message with parsed headers
type IncomingMessage struct {
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
	Timestamp time.Time
	Topic     string

	// Trace context (extracted from Kafka headers)
	TraceParent string
	TraceState  string
}

// RunRequest asks the service to execute a full pipeline run. The definition
// payload is the same shape `aspen run -f` loads from YAML, as JSON.
type RunRequest struct {
	Type       string          `json:"type"` // "pipeline.run.requested"
	RequestID  string          `json:"request_id,omitempty"`
	Definition json.RawMessage `json:"definition"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
}

// RunRequestType is the type discriminator for run request messages.
const RunRequestType = "pipeline.run.requested"

// IsRunRequest checks whether the message is a pipeline run request.
func (m *IncomingMessage) IsRunRequest() bool {
	if msgType := m.Headers["type"]; msgType == RunRequestType {
		return true
	}

	var req RunRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return false
	}
	return req.Type == RunRequestType
}

// ParseRunRequest parses the message value as a run request.
func (m *IncomingMessage) ParseRunRequest() (*RunRequest, error) {
	var req RunRequest
	if err := json.Unmarshal(m.Value, &req); err != nil {
		return nil, err
	}
	if len(req.Definition) == 0 {
		return nil, fmt.Errorf("run request carries no definition")
	}
	return &req, nil
}
