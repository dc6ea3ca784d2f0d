// Package events publishes biometric lifecycle events for downstream
// consumers such as the audit trail.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Event types.
const (
	TypeRegistered  = "biometry.registered"
	TypeUpdated     = "biometry.updated"
	TypeDeactivated = "biometry.deactivated"
	TypeDeleted     = "biometry.deleted"
	// TypeContactDisclosed records that a full owner contact was served.
	TypeContactDisclosed = "biometry.contact_disclosed"
)

// Event is one lifecycle change of a subject's signature.
type Event struct {
	Type         string    `json:"type"`
	SubjectID    int64     `json:"subject_id"`
	RecordID     string    `json:"record_id,omitempty"`
	QualityScore int       `json:"quality_score,omitempty"`
	ActorID      string    `json:"actor_id,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events as JSON messages keyed by subject, so the
// events of one subject stay ordered within a partition.
type KafkaPublisher struct {
	writer MessageWriter
	logger *zap.Logger
}

// flushInterval bounds how long a synchronous write of a single event
// waits for its batch to fill.
const flushInterval = 5 * time.Millisecond

// NewKafkaWriter builds a synchronous writer for topic.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: flushInterval,
		WriteTimeout: 5 * time.Second,
	}
}

// NewKafkaPublisher wraps writer.
func NewKafkaPublisher(writer MessageWriter, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger.Named("events")}
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(e.SubjectID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Warn("failed to publish event", zap.String("type", e.Type), zap.Int64("subject_id", e.SubjectID), zap.Error(err))
		return err
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// Nop discards events. It is used when no brokers are configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }
