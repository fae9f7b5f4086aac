package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dantweb/vbwd-sdk-sub001/internal/domain"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventMessage is the wire form of a published domain event.
type EventMessage struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Timestamp time.Time       `json:"timestamp"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func NewEventMessage(event *domain.Event) (EventMessage, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return EventMessage{}, fmt.Errorf("marshal payload: %w", err)
	}
	return EventMessage{
		ID:        event.ID,
		Name:      string(event.Name),
		Timestamp: event.Timestamp,
		Metadata:  event.Metadata,
		Payload:   payload,
	}, nil
}

// Producer publishes domain events to Kafka.
type Producer struct {
	writer MessageWriter
	logger *slog.Logger
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	Async        bool
}

func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "payments.events",
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        false, // a failed publish must fail the dispatch
	}
}

func NewProducer(config ProducerConfig, logger *slog.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    config.BatchSize,
		BatchTimeout: config.BatchTimeout,
		RequiredAcks: kafka.RequireAll,
		Async:        config.Async,
		Compression:  kafka.Snappy,
	}
	return NewProducerWithWriter(writer, logger)
}

func NewProducerWithWriter(w MessageWriter, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{writer: w, logger: logger}
}

// partitionKey keeps events about one provider transaction on one
// partition, so consumers see them in order.
func partitionKey(event *domain.Event) string {
	var provider, tx string
	switch p := event.Payload.(type) {
	case domain.PaymentCaptured:
		provider, tx = p.Provider, p.TransactionID
	case domain.PaymentFailed:
		provider, tx = p.Provider, p.TransactionID
	case domain.RefundRequested:
		provider, tx = p.Provider, p.TransactionID
	case domain.RefundCompleted:
		provider, tx = p.Provider, p.TransactionID
	case domain.DisputeCreated:
		provider, tx = p.Provider, p.TransactionID
	case domain.SubscriptionCancelled:
		provider, tx = p.Provider, p.References.SubscriptionID
	}
	if tx == "" {
		return event.ID
	}
	return provider + ":" + tx
}

func (p *Producer) message(event *domain.Event) (kafka.Message, error) {
	msg, err := NewEventMessage(event)
	if err != nil {
		return kafka.Message{}, err
	}
	value, err := json.Marshal(msg)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Key:   []byte(partitionKey(event)),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-name", Value: []byte(event.Name)},
		},
	}, nil
}

// Publish sends an event to Kafka.
func (p *Producer) Publish(ctx context.Context, event *domain.Event) error {
	msg, err := p.message(event)
	if err != nil {
		return err
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	p.logger.Debug("event published", "event", event.Name, "event_id", event.ID)
	return nil
}

// PublishBatch sends multiple events in one write.
func (p *Producer) PublishBatch(ctx context.Context, events []*domain.Event) error {
	messages := make([]kafka.Message, len(events))
	for i, event := range events {
		msg, err := p.message(event)
		if err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
		messages[i] = msg
	}
	if err := p.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	return nil
}

// Close closes the producer.
func (p *Producer) Close() error {
	return p.writer.Close()
}
