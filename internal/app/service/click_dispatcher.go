package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/signature"
	"github.com/sifan077/linkedge/internal/infra/metrics"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultDeliverTimeout = 10 * time.Second
	defaultRetryDelay     = 5 * time.Second
	defaultFetchBatch     = 10
	defaultFetchWait      = 5 * time.Second
	maxFetchBackoff       = 30 * time.Second
)

// DeliveryOutcome tells the queue what to do with a message after a push.
type DeliveryOutcome string

const (
	DeliveryAck   DeliveryOutcome = "ack"
	DeliveryRetry DeliveryOutcome = "retry"
	DeliveryDrop  DeliveryOutcome = "term"
)

// ClickDelivererDeps groups dependencies required by the deliverer.
type ClickDelivererDeps struct {
	URL     string
	Signer  *signature.Signer
	Client  *http.Client
	Timeout time.Duration
	Logger  *zap.Logger
}

// ClickDeliverer pushes queued click bodies to the consumer endpoint with a
// signed request.
type ClickDeliverer struct {
	url    string
	signer *signature.Signer
	client *http.Client
	logger *zap.Logger
}

func NewClickDeliverer(deps ClickDelivererDeps) *ClickDeliverer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	client := deps.Client
	if client == nil {
		timeout := deps.Timeout
		if timeout <= 0 {
			timeout = defaultDeliverTimeout
		}
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	return &ClickDeliverer{
		url:    deps.URL,
		signer: deps.Signer,
		client: client,
		logger: logger,
	}
}

// Deliver POSTs body once and classifies the response. 2xx acks, 401 and
// 5xx retry, any other 4xx drops the message as poison.
func (d *ClickDeliverer) Deliver(ctx context.Context, messageID string, body []byte) (DeliveryOutcome, error) {
	outcome, err := d.deliver(ctx, messageID, body)
	metrics.ClickDeliveriesTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (d *ClickDeliverer) deliver(ctx context.Context, messageID string, body []byte) (DeliveryOutcome, error) {
	token, err := d.signer.Sign(body, d.url, messageID)
	if err != nil {
		return DeliveryRetry, fmt.Errorf("sign delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
	if err != nil {
		return DeliveryDrop, fmt.Errorf("build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.Header, token)
	if messageID != "" {
		req.Header.Set(signature.MessageIDHeader, messageID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return DeliveryRetry, fmt.Errorf("deliver click: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return DeliveryAck, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return DeliveryRetry, fmt.Errorf("deliver click: signature rejected")
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return DeliveryDrop, fmt.Errorf("deliver click: status %d", resp.StatusCode)
	default:
		return DeliveryRetry, fmt.Errorf("deliver click: status %d", resp.StatusCode)
	}
}

// NATSDispatcherDeps groups dependencies required by the NATS dispatcher.
type NATSDispatcherDeps struct {
	JS          nats.JetStreamContext
	Deliverer   *ClickDeliverer
	Logger      *zap.Logger
	Batch       int
	FetchWait   time.Duration
	RetryDelay  time.Duration
	Concurrency int
}

// NATSClickDispatcher drains the click stream through a durable pull
// consumer and pushes every message to the consumer endpoint.
type NATSClickDispatcher struct {
	js          nats.JetStreamContext
	deliverer   *ClickDeliverer
	logger      *zap.Logger
	batch       int
	fetchWait   time.Duration
	retryDelay  time.Duration
	concurrency int
}

func NewNATSClickDispatcher(deps NATSDispatcherDeps) *NATSClickDispatcher {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := deps.Batch
	if batch <= 0 {
		batch = defaultFetchBatch
	}
	wait := deps.FetchWait
	if wait <= 0 {
		wait = defaultFetchWait
	}
	retry := deps.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = batch
	}
	return &NATSClickDispatcher{
		js:          deps.JS,
		deliverer:   deps.Deliverer,
		logger:      logger,
		batch:       batch,
		fetchWait:   wait,
		retryDelay:  retry,
		concurrency: concurrency,
	}
}

// Run consumes until ctx is cancelled. Unacknowledged messages are
// redelivered by the stream.
func (d *NATSClickDispatcher) Run(ctx context.Context) error {
	sub, err := d.js.PullSubscribe(model.ClickStreamSubject, model.ClickConsumerName,
		nats.Bind(model.ClickStreamName, model.ClickConsumerName))
	if err != nil {
		return fmt.Errorf("subscribe to click stream: %w", err)
	}
	defer func() {
		if err := sub.Drain(); err != nil {
			d.logger.Warn("failed to drain click subscription", zap.Error(err))
		}
	}()

	d.logger.Info("click dispatcher started", zap.String("consumer", model.ClickConsumerName))
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			d.logger.Info("click dispatcher stopped")
			return nil
		}

		msgs, err := sub.Fetch(d.batch, nats.MaxWait(d.fetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
			d.logger.Error("failed to fetch click messages", zap.Error(err), zap.Duration("backoff", backoff))
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, maxFetchBackoff)
			continue
		}
		backoff = time.Second

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(d.concurrency)
		for _, msg := range msgs {
			g.Go(func() error {
				d.handle(gctx, msg)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// natsAcker is the settlement side of a JetStream message.
type natsAcker interface {
	Ack(opts ...nats.AckOpt) error
	Term(opts ...nats.AckOpt) error
	NakWithDelay(delay time.Duration, opts ...nats.AckOpt) error
}

func (d *NATSClickDispatcher) handle(ctx context.Context, msg *nats.Msg) {
	d.settle(ctx, natsMessageID(msg), msg.Data, msg)
}

// settle delivers body and acks, terms or naks the message according to
// the outcome.
func (d *NATSClickDispatcher) settle(ctx context.Context, messageID string, body []byte, acker natsAcker) DeliveryOutcome {
	outcome, err := d.deliverer.Deliver(ctx, messageID, body)
	if err != nil {
		d.logger.Warn("click delivery failed",
			zap.String("message_id", messageID),
			zap.String("outcome", string(outcome)),
			zap.Error(err),
		)
	}

	var ackErr error
	switch outcome {
	case DeliveryAck:
		ackErr = acker.Ack()
	case DeliveryDrop:
		ackErr = acker.Term()
	default:
		ackErr = acker.NakWithDelay(d.retryDelay)
	}
	if ackErr != nil {
		d.logger.Warn("failed to acknowledge click message",
			zap.String("message_id", messageID),
			zap.Error(ackErr),
		)
	}
	return outcome
}

// natsMessageID prefers the publisher's dedupe id and falls back to the
// stream sequence, which is stable across redeliveries.
func natsMessageID(msg *nats.Msg) string {
	if msg.Header != nil {
		if id := msg.Header.Get(nats.MsgIdHdr); id != "" {
			return id
		}
	}
	if meta, err := msg.Metadata(); err == nil {
		return fmt.Sprintf("%s-%d", meta.Stream, meta.Sequence.Stream)
	}
	return ""
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
