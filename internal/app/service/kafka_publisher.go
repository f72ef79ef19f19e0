package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/infra/metrics"
)

// KafkaMessageIDHeader carries the idempotency key on Kafka records.
const KafkaMessageIDHeader = "message-id"

// KafkaWriter is the subset of *kafka.Writer the publisher needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaClickPublisher publishes click events to a Kafka topic.
type KafkaClickPublisher struct {
	writer KafkaWriter
}

func NewKafkaClickPublisher(writer KafkaWriter) *KafkaClickPublisher {
	return &KafkaClickPublisher{writer: writer}
}

// Publish keys records by link id so one link's clicks share a partition.
func (p *KafkaClickPublisher) Publish(ctx context.Context, msg model.ClickMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode click: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.LinkID),
		Value: data,
		Headers: []kafka.Header{
			{Key: KafkaMessageIDHeader, Value: []byte(uuid.NewString())},
		},
	})
	if err != nil {
		metrics.ClickPublishTotal.WithLabelValues("kafka", "error").Inc()
		return fmt.Errorf("publish click: %w", err)
	}
	metrics.ClickPublishTotal.WithLabelValues("kafka", "ok").Inc()
	return nil
}
