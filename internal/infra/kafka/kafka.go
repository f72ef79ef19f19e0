// Package kafkaclient builds the Kafka writer and reader used when the click
// queue driver is kafka.
package kafkaclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sifan077/linkedge/config"
)

const (
	defaultTopic      = "click-events"
	defaultGroupID    = "click-dispatcher"
	defaultPartitions = 3
	batchTimeout      = 10 * time.Millisecond
)

// NewWriter returns a writer that hashes records onto partitions by key.
func NewWriter(cfg config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  topic(cfg),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}
}

// NewReader returns a consumer-group reader with explicit commits.
func NewReader(cfg config.KafkaConfig) *kafka.Reader {
	groupID := cfg.GroupID
	if groupID == "" {
		groupID = defaultGroupID
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic(cfg),
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
}

// EnsureTopic creates the click topic if it does not exist yet.
func EnsureTopic(ctx context.Context, cfg config.KafkaConfig) error {
	if len(cfg.Brokers) == 0 {
		return fmt.Errorf("kafka: no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}
	ctrl, err := kafka.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic(cfg),
		NumPartitions:     defaultPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("kafka: create topic: %w", err)
	}
	return nil
}

func topic(cfg config.KafkaConfig) string {
	if cfg.Topic == "" {
		return defaultTopic
	}
	return cfg.Topic
}
