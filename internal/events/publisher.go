package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"fxwatch/internal/alerts"
)

// Event is the envelope published for each alert notification.
type Event struct {
	ID           string              `json:"id"`
	Type         string              `json:"type"`
	OccurredAt   time.Time           `json:"occurred_at"`
	Notification alerts.Notification `json:"notification"`
}

// NewEvent wraps a notification in an envelope.
func NewEvent(n alerts.Notification) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         "alert." + n.Kind,
		OccurredAt:   n.At,
		Notification: n,
	}
}

// Publisher fans notifications out to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, notifications []alerts.Notification) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per notification, keyed by alert ID so
// transitions of one alert stay ordered within a partition.
type KafkaPublisher struct {
	writer  messageWriter
	timeout time.Duration
	logger  zerolog.Logger
}

// NewKafkaPublisher constructs a publisher writing to topic.
func NewKafkaPublisher(brokers []string, topic string, logger zerolog.Logger) *KafkaPublisher {
	return newKafkaPublisher(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}, logger)
}

func newKafkaPublisher(writer messageWriter, logger zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{
		writer:  writer,
		timeout: 30 * time.Second,
		logger:  logger.With().Str("component", "event_publisher").Logger(),
	}
}

// Publish writes every notification as one batch.
func (k *KafkaPublisher) Publish(ctx context.Context, notifications []alerts.Notification) error {
	if len(notifications) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(notifications))
	for _, n := range notifications {
		event := NewEvent(n)
		value, err := json.Marshal(event)
		if err != nil {
			k.logger.Warn().Err(err).Str("alert_id", n.AlertID).Msg("skipping unencodable event")
			continue
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(n.AlertID),
			Value: value,
			Time:  event.OccurredAt,
		})
	}
	if len(messages) == 0 {
		return fmt.Errorf("no valid events to publish")
	}

	writeCtx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	if err := k.writer.WriteMessages(writeCtx, messages...); err != nil {
		return fmt.Errorf("write events: %w", err)
	}

	k.logger.Debug().Int("events", len(messages)).Msg("events published")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, []alerts.Notification) error { return nil }

// Close does nothing.
func (NopPublisher) Close() error { return nil }

var (
	_ Publisher = (*KafkaPublisher)(nil)
	_ Publisher = NopPublisher{}
)
