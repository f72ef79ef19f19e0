package natsclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/linkedge/config"
	"github.com/sifan077/linkedge/internal/app/model"
)

const (
	defaultConnectTimeout = 5 * time.Second
	reconnectWait         = 2 * time.Second
	ackWait               = 30 * time.Second
	maxDeliver            = 20
)

// Connect creates a NATS connection (with JetStream available) using application config.
func Connect(cfg config.NATSConfig) (*nats.Conn, nats.JetStreamContext, error) {
	opts := []nats.Option{
		nats.Timeout(defaultConnectTimeout),
		nats.Name("linkedge"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
	}

	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	url := buildURL(cfg)

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("nats: connect: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("nats: init jetstream: %w", err)
	}

	return conn, js, nil
}

// EnsureClickStream creates or updates the click stream and its durable
// dispatcher consumer. The stream's duplicate window drops republished
// message ids before they reach the consumer.
func EnsureClickStream(js nats.JetStreamContext) error {
	streamCfg := &nats.StreamConfig{
		Name:       model.ClickStreamName,
		Subjects:   []string{model.ClickStreamSubject},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		MaxBytes:   model.ClickStreamMaxBytes,
		MaxAge:     model.ClickStreamMaxAge,
		Duplicates: model.ClickDedupeWindow,
	}

	if _, err := js.StreamInfo(model.ClickStreamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			return fmt.Errorf("nats: stream info: %w", err)
		}
		if _, err := js.AddStream(streamCfg); err != nil {
			return fmt.Errorf("nats: create stream: %w", err)
		}
	} else if _, err := js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("nats: update stream: %w", err)
	}

	consumerCfg := &nats.ConsumerConfig{
		Durable:       model.ClickConsumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		FilterSubject: model.ClickStreamSubject,
	}
	if _, err := js.ConsumerInfo(model.ClickStreamName, model.ClickConsumerName); err != nil {
		if !errors.Is(err, nats.ErrConsumerNotFound) {
			return fmt.Errorf("nats: consumer info: %w", err)
		}
		if _, err := js.AddConsumer(model.ClickStreamName, consumerCfg); err != nil {
			return fmt.Errorf("nats: create consumer: %w", err)
		}
	}

	return nil
}

func buildURL(cfg config.NATSConfig) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 4222
	}
	return fmt.Sprintf("nats://%s:%d", host, port)
}
