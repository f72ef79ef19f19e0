package service

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaReader is the subset of *kafka.Reader the dispatcher needs.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcherDeps groups dependencies required by the Kafka dispatcher.
type KafkaDispatcherDeps struct {
	Reader     KafkaReader
	Deliverer  *ClickDeliverer
	Logger     *zap.Logger
	RetryDelay time.Duration
}

// KafkaClickDispatcher pushes records from a consumer group to the consumer
// endpoint. An offset is committed only after the record was acknowledged
// or dropped, so a crash replays it.
type KafkaClickDispatcher struct {
	reader     KafkaReader
	deliverer  *ClickDeliverer
	logger     *zap.Logger
	retryDelay time.Duration
}

func NewKafkaClickDispatcher(deps KafkaDispatcherDeps) *KafkaClickDispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	retry := deps.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	return &KafkaClickDispatcher{
		reader:     deps.Reader,
		deliverer:  deps.Deliverer,
		logger:     logger,
		retryDelay: retry,
	}
}

// Run consumes until ctx is cancelled.
func (d *KafkaClickDispatcher) Run(ctx context.Context) error {
	d.logger.Info("kafka click dispatcher started")
	backoff := time.Second
	for {
		m, err := d.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				d.logger.Info("kafka click dispatcher stopped")
				return nil
			}
			d.logger.Error("kafka fetch failed", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = time.Second

		if !d.deliverUntilSettled(ctx, m) {
			return nil
		}
		if err := d.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			d.logger.Error("kafka commit failed",
				zap.Int("partition", m.Partition),
				zap.Int64("offset", m.Offset),
				zap.Error(err),
			)
		}
	}
}

// deliverUntilSettled retries a record until it is acknowledged or dropped.
// It returns false if ctx ended first.
func (d *KafkaClickDispatcher) deliverUntilSettled(ctx context.Context, m kafka.Message) bool {
	messageID := kafkaMessageID(m)
	for {
		outcome, err := d.deliverer.Deliver(ctx, messageID, m.Value)
		if outcome != DeliveryRetry {
			if err != nil {
				d.logger.Warn("dropping undeliverable click record",
					zap.String("message_id", messageID),
					zap.Error(err),
				)
			}
			return true
		}
		d.logger.Warn("click delivery failed, retrying",
			zap.String("message_id", messageID),
			zap.Duration("retry_in", d.retryDelay),
			zap.Error(err),
		)
		if !sleepCtx(ctx, d.retryDelay) {
			return false
		}
	}
}

func kafkaMessageID(m kafka.Message) string {
	for _, h := range m.Headers {
		if h.Key == KafkaMessageIDHeader && len(h.Value) > 0 {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
}

// Close releases the reader.
func (d *KafkaClickDispatcher) Close() error {
	return d.reader.Close()
}
