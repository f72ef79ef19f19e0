package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"github.com/sifan077/linkedge/internal/infra/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var (
	// ErrMalformedClick signals a body that is not a usable click message.
	ErrMalformedClick = errors.New("malformed click message")
	// ErrPersistClick signals that the click event could not be stored.
	ErrPersistClick = errors.New("failed to persist click event")
)

// ProcessResult reports what the consumer did with one delivery.
type ProcessResult struct {
	Duplicate bool
}

// ClickConsumerDeps groups dependencies required by the consumer.
type ClickConsumerDeps struct {
	Events   repository.ClickEventRepository
	Counters repository.ClickCounterRepository
	Seen     *cache.SeenFilter
	Logger   *zap.Logger
	Now      func() time.Time
}

// ClickConsumer records one click per delivered message: an append-only
// event row first, then the aggregate counter.
type ClickConsumer struct {
	events   repository.ClickEventRepository
	counters repository.ClickCounterRepository
	seen     *cache.SeenFilter
	logger   *zap.Logger
	now      func() time.Time
}

func NewClickConsumer(deps ClickConsumerDeps) *ClickConsumer {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ClickConsumer{
		events:   deps.Events,
		counters: deps.Counters,
		seen:     deps.Seen,
		logger:   logger,
		now:      now,
	}
}

// Process handles one verified delivery. messageID may be empty, in which
// case no idempotency check is possible.
func (c *ClickConsumer) Process(ctx context.Context, messageID string, body []byte) (ProcessResult, error) {
	ctx, span := tracer.Start(ctx, "click_consumer.process")
	defer span.End()
	span.SetAttributes(attribute.String("queue.message_id", messageID))

	var msg model.ClickMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		metrics.ClickConsumerTotal.WithLabelValues("malformed").Inc()
		return ProcessResult{}, fmt.Errorf("%w: %v", ErrMalformedClick, err)
	}
	msg.LinkID = strings.TrimSpace(msg.LinkID)
	if msg.LinkID == "" {
		metrics.ClickConsumerTotal.WithLabelValues("malformed").Inc()
		return ProcessResult{}, fmt.Errorf("%w: missing linkId", ErrMalformedClick)
	}
	// Link ids are uuid columns; anything else can never be stored and
	// would only be redelivered.
	linkID, err := uuid.Parse(msg.LinkID)
	if err != nil {
		metrics.ClickConsumerTotal.WithLabelValues("malformed").Inc()
		return ProcessResult{}, fmt.Errorf("%w: linkId %q is not a uuid", ErrMalformedClick, msg.LinkID)
	}
	msg.LinkID = linkID.String()
	span.SetAttributes(attribute.String("link.id", msg.LinkID))

	duplicate, err := c.alreadyRecorded(ctx, messageID)
	if err != nil {
		// The unique index still rejects a true duplicate below.
		c.logger.Warn("idempotency lookup failed",
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
	if duplicate {
		metrics.ClickConsumerTotal.WithLabelValues("duplicate").Inc()
		return ProcessResult{Duplicate: true}, nil
	}

	event := c.eventFrom(messageID, msg)
	if err := c.events.Create(ctx, event); err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			c.seen.Add(messageID)
			metrics.ClickConsumerTotal.WithLabelValues("duplicate").Inc()
			return ProcessResult{Duplicate: true}, nil
		}
		metrics.ClickConsumerTotal.WithLabelValues("persist_error").Inc()
		recordSpanError(span, err)
		c.logger.Error("failed to store click event",
			zap.String("link_id", msg.LinkID),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
		return ProcessResult{}, fmt.Errorf("%w: %v", ErrPersistClick, err)
	}
	c.seen.Add(messageID)

	c.increment(ctx, event.LinkID, event.Timestamp)

	metrics.ClickConsumerTotal.WithLabelValues("recorded").Inc()
	c.logger.Debug("click event stored",
		zap.String("id", event.ID),
		zap.String("link_id", event.LinkID),
		zap.Time("timestamp", event.Timestamp),
	)
	return ProcessResult{}, nil
}

func (c *ClickConsumer) alreadyRecorded(ctx context.Context, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	if c.seen != nil && !c.seen.MightContain(messageID) {
		return false, nil
	}
	return c.events.ExistsByMessageID(ctx, messageID)
}

// increment prefers the timestamped update and falls back to the plain one.
// The event row is already durable, so a double failure is only logged.
func (c *ClickConsumer) increment(ctx context.Context, linkID string, at time.Time) {
	err := c.counters.IncrementWithTimestamp(ctx, linkID, at)
	if err == nil {
		return
	}
	if errors.Is(err, repository.ErrLinkNotFound) {
		c.logger.Warn("click recorded for unknown link", zap.String("link_id", linkID))
		metrics.ClickConsumerTotal.WithLabelValues("unknown_link").Inc()
		return
	}

	metrics.ClickIncrementFallbacks.Inc()
	c.logger.Warn("timestamped increment failed, falling back",
		zap.String("link_id", linkID),
		zap.Error(err),
	)
	if err := c.counters.Increment(ctx, linkID); err != nil {
		metrics.ClickConsumerTotal.WithLabelValues("increment_error").Inc()
		c.logger.Error("failed to increment click count",
			zap.String("link_id", linkID),
			zap.Error(err),
		)
	}
}

func (c *ClickConsumer) eventFrom(messageID string, msg model.ClickMessage) *model.ClickEvent {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = c.now()
	}
	event := &model.ClickEvent{
		ID:        uuid.NewString(),
		LinkID:    msg.LinkID,
		Timestamp: ts.UTC(),
		UserAgent: msg.UserAgent,
		IPHash:    msg.IP,
		Country:   msg.Country,
		City:      msg.City,
		Region:    msg.Region,
		Referrer:  msg.Referrer,
	}
	if messageID != "" {
		id := messageID
		event.MessageID = &id
	}
	return event
}
