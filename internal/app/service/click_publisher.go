package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/infra/metrics"
)

// ClickPublisher hands a click to the durable queue. Once Publish returns
// nil the queue owns at-least-once delivery to the consumer.
type ClickPublisher interface {
	Publish(ctx context.Context, msg model.ClickMessage) error
}

// NATSClickPublisher publishes click events to NATS JetStream.
type NATSClickPublisher struct {
	js nats.JetStreamContext
}

// NewNATSClickPublisher creates a JetStream-backed click publisher.
func NewNATSClickPublisher(js nats.JetStreamContext) *NATSClickPublisher {
	return &NATSClickPublisher{js: js}
}

// Publish sends msg with a fresh message id. The id doubles as the stream's
// dedupe key and as the consumer's idempotency key.
func (p *NATSClickPublisher) Publish(ctx context.Context, msg model.ClickMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode click: %w", err)
	}

	_, err = p.js.PublishMsg(&nats.Msg{
		Subject: model.ClickStreamSubject,
		Data:    data,
	}, nats.MsgId(uuid.NewString()), nats.Context(ctx))
	if err != nil {
		metrics.ClickPublishTotal.WithLabelValues("nats", "error").Inc()
		return fmt.Errorf("publish click: %w", err)
	}
	metrics.ClickPublishTotal.WithLabelValues("nats", "ok").Inc()
	return nil
}
