// Package events publishes domain events emitted when ROI inputs change or
// recomputes finish.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeTransactionsImported = "transactions.imported"
	TypeRoiRecomputed        = "roi.recomputed"
	TypeReferenceChanged     = "reference.changed"
)

// Event is the envelope written to the bus.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Key        string          `json:"key,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event with a fresh ID. key selects the partition.
func New(eventType, key string, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Key:        key,
		Payload:    raw,
	}, nil
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// KafkaPublisher writes events to a single Kafka topic keyed by Event.Key.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(e.Key),
		Value: value,
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Type, err)
	}
	p.logger.Debug("event published", zap.String("type", e.Type), zap.String("id", e.ID))
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LoggingPublisher logs events instead of sending them. Used when no
// brokers are configured.
type LoggingPublisher struct {
	logger *zap.Logger
}

func NewLoggingPublisher(logger *zap.Logger) *LoggingPublisher {
	return &LoggingPublisher{logger: logger}
}

func (p *LoggingPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.Info("event",
		zap.String("type", e.Type),
		zap.String("id", e.ID),
		zap.String("key", e.Key),
		zap.ByteString("payload", e.Payload),
	)
	return nil
}

func (p *LoggingPublisher) Close() error { return nil }

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(ctx context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far.
func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}
