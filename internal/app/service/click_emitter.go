package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/sifan077/linkedge/internal/app/model"
	"go.uber.org/zap"
)

const defaultPublishTimeout = 2 * time.Second

// ClickContext is the request metadata captured for one click. Callers must
// pass owned strings: the values outlive the request.
type ClickContext struct {
	IP        string
	UserAgent string
	Referrer  string
	Country   string
	City      string
	Region    string
}

// ClickEmitter turns redirects into queued click messages without ever
// blocking or failing the redirect.
type ClickEmitter struct {
	publisher ClickPublisher
	logger    *zap.Logger
	timeout   time.Duration
	salt      string
	now       func() time.Time
	inflight  sync.WaitGroup
}

// ClickEmitterDeps groups dependencies required by the emitter.
type ClickEmitterDeps struct {
	Publisher ClickPublisher
	Logger    *zap.Logger
	Timeout   time.Duration
	IPSalt    string
	Now       func() time.Time
}

func NewClickEmitter(deps ClickEmitterDeps) *ClickEmitter {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ClickEmitter{
		publisher: deps.Publisher,
		logger:    logger,
		timeout:   timeout,
		salt:      deps.IPSalt,
		now:       now,
	}
}

// Message builds the queue payload. The raw IP is replaced by its salted hash.
func (e *ClickEmitter) Message(linkID string, cc ClickContext) model.ClickMessage {
	return model.ClickMessage{
		LinkID:    linkID,
		Timestamp: e.now().UTC(),
		UserAgent: cc.UserAgent,
		IP:        HashIP(cc.IP, e.salt),
		Country:   cc.Country,
		City:      cc.City,
		Region:    cc.Region,
		Referrer:  cc.Referrer,
	}
}

// EmitDetached makes exactly one publish attempt in the background, bounded
// by the publish timeout. Failures are logged and dropped.
func (e *ClickEmitter) EmitDetached(linkID string, cc ClickContext) {
	if e == nil || e.publisher == nil {
		return
	}
	msg := e.Message(linkID, cc)

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()

		ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
		defer cancel()

		if err := e.publisher.Publish(ctx, msg); err != nil {
			e.logger.Warn("failed to publish click event",
				zap.String("link_id", msg.LinkID),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until every detached publish has finished. Used on shutdown.
func (e *ClickEmitter) Wait() {
	if e == nil {
		return
	}
	e.inflight.Wait()
}

// HashIP returns the hex SHA-256 of salt+ip, or "" for an empty ip.
func HashIP(ip, salt string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + ip))
	return hex.EncodeToString(sum[:])
}
