package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes events to a Kafka topic, keyed by owner id so one
// account's events stay ordered within a partition.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

// NewKafkaPublisher creates an asynchronous producer. Delivery errors are
// reported through the writer's completion callback and logged.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		Async:                  true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("kafka event delivery failed", "count", len(messages), "err", err)
			}
		},
	}

	slog.Info("kafka publisher created", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaPublisher{writer: w, topic: cfg.Topic}
}

// Publish enqueues e for delivery.
func (k *KafkaPublisher) Publish(ctx context.Context, e Event) {
	msg, err := encodeMessage(e)
	if err != nil {
		slog.Error("kafka event marshal failed", "type", e.Type, "err", err)
		return
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("kafka enqueue failed", "type", e.Type, "position_id", e.PositionID, "err", err)
		return
	}
	slog.Debug("kafka event queued", "type", e.Type, "position_id", e.PositionID)
}

// Close flushes pending messages and closes the writer.
func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

func encodeMessage(e Event) (kafka.Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(e.OwnerID),
		Value: data,
		Time:  e.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}, nil
}
