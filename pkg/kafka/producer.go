package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/aspen/pkg/models"
	"github.com/Ramsey-B/aspen/pkg/tracing"
)

// Producer handles Kafka event emission
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

// ProducerConfig holds Kafka producer configuration
type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	Compression  string
}

// NewProducer creates a new Kafka producer
func NewProducer(cfg ProducerConfig, logger ectologger.Logger) *Producer {
	compression := kafka.Snappy
	switch cfg.Compression {
	case "gzip":
		compression = kafka.Gzip
	case "lz4":
		compression = kafka.Lz4
	case "zstd":
		compression = kafka.Zstd
	case "none":
		compression = 0
	}

	requiredAcks := kafka.RequiredAcks(cfg.RequiredAcks)

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           requiredAcks,
		Compression:            compression,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer: writer,
		logger: logger,
		topic:  cfg.Topic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	return p.writer.Close()
}

// RunEvent is one pipeline run lifecycle event
type RunEvent struct {
	EventType      string                     `json:"event_type"` // pipeline.run.started, pipeline.stage.completed, pipeline.run.completed, pipeline.run.failed
	SchemaVersion  string                     `json:"schema_version"`
	RunID          string                     `json:"run_id"`
	Collection     string                     `json:"collection"`
	EdgeCollection string                     `json:"edge_collection"`
	Stage          string                     `json:"stage,omitempty"`
	Status         string                     `json:"status,omitempty"`
	Error          string                     `json:"error,omitempty"`
	Statistics     *models.PipelineStatistics `json:"statistics,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
}

// PublishRunEvent publishes a run lifecycle event to Kafka. Events for the
// same run share a key so consumers see them in order.
func (p *Producer) PublishRunEvent(ctx context.Context, event *RunEvent) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishRunEvent")
	defer span.End()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	headers := []kafka.Header{
		{Key: "event_type", Value: []byte(event.EventType)},
		{Key: "collection", Value: []byte(event.Collection)},
		{Key: "schema_version", Value: []byte(event.SchemaVersion)},
	}
	if traceParent := tracing.GetTraceParent(ctx); traceParent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceParent)})
	}

	msg := kafka.Message{
		Topic:   p.topic,
		Key:     []byte(event.RunID),
		Value:   data,
		Headers: headers,
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.WithContext(ctx).WithError(err).Error("Failed to publish run event")
		return err
	}

	p.logger.WithContext(ctx).WithFields(map[string]any{
		"event_type": event.EventType,
		"run_id":     event.RunID,
		"collection": event.Collection,
	}).Debug("Published run event")

	return nil
}
