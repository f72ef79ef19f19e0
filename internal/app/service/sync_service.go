package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"github.com/sifan077/linkedge/internal/infra/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultSyncBatchSize   = 500
	defaultSyncConcurrency = 16
)

// ErrUnknownScope signals an unsupported full sync scope.
var ErrUnknownScope = errors.New("unknown sync scope")

// SyncScope selects which links a full sync rewrites.
type SyncScope string

const (
	SyncAll      SyncScope = "all"
	SyncGuest    SyncScope = "guest"
	SyncExpiring SyncScope = "expiring"
)

// ParseSyncScope maps a query value to a scope. Empty means all.
func ParseSyncScope(raw string) (SyncScope, error) {
	switch SyncScope(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SyncAll:
		return SyncAll, nil
	case SyncGuest:
		return SyncGuest, nil
	case SyncExpiring:
		return SyncExpiring, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownScope, raw)
	}
}

func (s SyncScope) filter() repository.LinkFilter {
	return repository.LinkFilter{
		GuestOnly:    s == SyncGuest,
		ExpiringOnly: s == SyncExpiring,
	}
}

// SyncReport summarises one full sync run.
type SyncReport struct {
	Scope    SyncScope     `json:"scope"`
	Scanned  int64         `json:"scanned"`
	Synced   int64         `json:"synced"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// SweepReport summarises one guest sweep.
type SweepReport struct {
	Deleted      int `json:"deleted_count"`
	CacheEvicted int `json:"cache_evicted"`
}

// SyncServiceDeps groups dependencies required by the sync service.
type SyncServiceDeps struct {
	Repo         repository.LinkRepository
	Cache        cache.RedirectCache
	Logger       *zap.Logger
	BatchSize    int
	Concurrency  int
	WriteTimeout time.Duration
	Now          func() time.Time
}

// SyncService keeps the redirect cache a superset of the link table and
// removes expired guest links.
type SyncService struct {
	repo         repository.LinkRepository
	cache        cache.RedirectCache
	logger       *zap.Logger
	batchSize    int
	concurrency  int
	writeTimeout time.Duration
	now          func() time.Time
}

func NewSyncService(deps SyncServiceDeps) *SyncService {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	batch := deps.BatchSize
	if batch <= 0 {
		batch = defaultSyncBatchSize
	}
	concurrency := deps.Concurrency
	if concurrency <= 0 {
		concurrency = defaultSyncConcurrency
	}
	timeout := deps.WriteTimeout
	if timeout <= 0 {
		timeout = defaultCacheWriteTimeout
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &SyncService{
		repo:         deps.Repo,
		cache:        deps.Cache,
		logger:       logger,
		batchSize:    batch,
		concurrency:  concurrency,
		writeTimeout: timeout,
		now:          now,
	}
}

// SyncEntry writes a single entry pushed by the link-management side.
func (s *SyncService) SyncEntry(ctx context.Context, code string, entry model.RedirectEntry) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	if err := s.cache.Set(ctx, code, entry); err != nil {
		return fmt.Errorf("sync %q: %w", code, err)
	}
	return nil
}

// FullSync rewrites the cache entry of every link in scope. Individual
// write failures are counted, not fatal; a failed page read ends the run.
func (s *SyncService) FullSync(ctx context.Context, scope SyncScope) (SyncReport, error) {
	ctx, span := tracer.Start(ctx, "sync.full")
	defer span.End()
	span.SetAttributes(attribute.String("sync.scope", string(scope)))

	started := s.now()
	report := SyncReport{Scope: scope}
	var synced, failed atomic.Int64

	afterID := ""
	var runErr error
	for {
		links, err := s.repo.ListAfter(ctx, afterID, s.batchSize, scope.filter())
		if err != nil {
			runErr = fmt.Errorf("list links after %q: %w", afterID, err)
			break
		}
		if len(links) == 0 {
			break
		}
		report.Scanned += int64(len(links))

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.concurrency)
		for i := range links {
			link := &links[i]
			g.Go(func() error {
				if err := s.SyncEntry(gctx, link.ShortCode, model.EntryFromLink(link)); err != nil {
					failed.Add(1)
					metrics.SyncKeysTotal.WithLabelValues("failed").Inc()
					s.logger.Warn("full sync write failed",
						zap.String("code", link.ShortCode),
						zap.Error(err),
					)
					return nil
				}
				synced.Add(1)
				metrics.SyncKeysTotal.WithLabelValues("synced").Inc()
				return nil
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			runErr = ctx.Err()
			break
		}
		if len(links) < s.batchSize {
			break
		}
		afterID = links[len(links)-1].ID
	}

	report.Synced = synced.Load()
	report.Failed = failed.Load()
	report.Duration = s.now().Sub(started)

	fields := []zap.Field{
		zap.String("scope", string(scope)),
		zap.Int64("scanned", report.Scanned),
		zap.Int64("synced", report.Synced),
		zap.Int64("failed", report.Failed),
		zap.Duration("duration", report.Duration),
	}
	if runErr != nil {
		recordSpanError(span, runErr)
		s.logger.Error("full sync aborted", append(fields, zap.Error(runErr))...)
		return report, runErr
	}
	s.logger.Info("full sync finished", fields...)
	return report, nil
}

// SweepExpiredGuests deletes guest links past their expiry and evicts their
// cache entries. Eviction is best effort: the resolver already treats the
// entries as expired.
func (s *SyncService) SweepExpiredGuests(ctx context.Context) (SweepReport, error) {
	ctx, span := tracer.Start(ctx, "sync.sweep_guests")
	defer span.End()

	codes, err := s.repo.DeleteExpiredGuests(ctx, s.now())
	if err != nil {
		recordSpanError(span, err)
		return SweepReport{}, fmt.Errorf("delete expired guests: %w", err)
	}
	report := SweepReport{Deleted: len(codes)}
	metrics.GuestLinksDeleted.Add(float64(len(codes)))

	for _, code := range codes {
		delCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
		err := s.cache.Delete(delCtx, code)
		cancel()
		if err != nil {
			s.logger.Warn("failed to evict swept guest link",
				zap.String("code", code),
				zap.Error(err),
			)
			continue
		}
		report.CacheEvicted++
	}

	s.logger.Info("guest sweep finished",
		zap.Int("deleted", report.Deleted),
		zap.Int("cache_evicted", report.CacheEvicted),
	)
	return report, nil
}
