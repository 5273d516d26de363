// Package notify publishes extraction outcome events to Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/hlsclip/internal/config"
	"github.com/agleyzer/hlsclip/internal/segment"
	"github.com/segmentio/kafka-go"
)

// Event types.
const (
	EventCompleted = "extraction.completed"
	EventFailed    = "extraction.failed"
)

const source = "hlsclip"

// Event describes the outcome of one extraction.
type Event struct {
	Type      string            `json:"type"`
	StreamID  string            `json:"stream_id"`
	Rendition string            `json:"rendition"`
	Output    string            `json:"output,omitempty"`
	Location  string            `json:"location,omitempty"`
	StartUTC  time.Time         `json:"start_utc,omitzero"`
	EndUTC    time.Time         `json:"end_utc,omitzero"`
	StartSeq  uint64            `json:"start_sequence"`
	EndSeq    uint64            `json:"end_sequence"`
	Anchor    string            `json:"anchor,omitempty"`
	Segments  int               `json:"segment_count"`
	Bytes     int64             `json:"file_size_bytes"`
	Missing   []segment.Missing `json:"missing,omitempty"`
	Error     string            `json:"error_message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// MessageWriter is the subset of *kafka.Writer used for publishing.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by stream id so events of one stream stay ordered.
type Publisher struct {
	writer MessageWriter
	logger *slog.Logger
}

// New creates a publisher for the configured brokers and topic.
func New(cfg config.KafkaConfig, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: true,
	}
	return NewWithWriter(writer, logger)
}

// NewWithWriter builds a publisher on an existing writer.
func NewWithWriter(w MessageWriter, logger *slog.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

// Publish sends one event.
func (p *Publisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.StreamID == "" {
		return fmt.Errorf("stream_id is required")
	}

	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(e.StreamID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
			{Key: "source", Value: []byte(source)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write to kafka: %w", err)
	}

	p.logger.Info("published event", "type", e.Type, "stream", e.StreamID)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	if p.writer != nil {
		return p.writer.Close()
	}
	return nil
}
