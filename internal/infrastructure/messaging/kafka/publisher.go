// Package kafka relays outbox messages to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"pharmstock/internal/infrastructure/storage/postgres"
)

// Header names set on every relayed message.
const (
	HeaderEventType     = "event-type"
	HeaderMessageID     = "message-id"
	HeaderAggregateType = "aggregate-type"
	HeaderOccurredAt    = "occurred-at"
	HeaderContentType   = "content-type"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder counts delivery outcomes.
type Recorder interface {
	RecordOutbox(success bool)
}

// Config holds producer settings.
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	WriteTimeout time.Duration
}

// Publisher implements postgres.OutboxHandler. Messages are keyed by
// aggregate id so events of one pharmacy stay ordered within a partition.
type Publisher struct {
	writer   MessageWriter
	recorder Recorder
}

// NewWriter creates a synchronous writer that waits for all in-sync replicas.
func NewWriter(cfg Config) *kafka.Writer {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
}

// NewPublisher wraps writer. recorder may be nil.
func NewPublisher(writer MessageWriter, recorder Recorder) *Publisher {
	return &Publisher{writer: writer, recorder: recorder}
}

var _ postgres.OutboxHandler = (*Publisher)(nil)

// Handle writes one outbox message.
func (p *Publisher) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	err := p.writer.WriteMessages(ctx, toMessage(msg))
	if p.recorder != nil {
		p.recorder.RecordOutbox(err == nil)
	}
	if err != nil {
		return fmt.Errorf("publish %s %s: %w", msg.EventType, msg.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func toMessage(msg *postgres.OutboxMessage) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderEventType, Value: []byte(msg.EventType)},
			{Key: HeaderMessageID, Value: []byte(msg.ID.String())},
			{Key: HeaderAggregateType, Value: []byte(msg.AggregateType)},
			{Key: HeaderOccurredAt, Value: []byte(msg.CreatedAt.UTC().Format(time.RFC3339Nano))},
			{Key: HeaderContentType, Value: []byte("application/json")},
		},
	}
}
