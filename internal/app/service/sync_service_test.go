package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pagedLinks(n int) []model.Link {
	links := make([]model.Link, n)
	for i := range links {
		links[i] = model.Link{
			ID:             fmt.Sprintf("%08d", i+1),
			ShortCode:      fmt.Sprintf("code%d", i+1),
			DestinationURL: fmt.Sprintf("https://example.com/%d", i+1),
		}
	}
	return links
}

func keysetRepo(all []model.Link, calls *[]repository.LinkFilter) *mockLinkRepository {
	var mu sync.Mutex
	return &mockLinkRepository{
		listAfterFn: func(ctx context.Context, afterID string, limit int, filter repository.LinkFilter) ([]model.Link, error) {
			mu.Lock()
			*calls = append(*calls, filter)
			mu.Unlock()
			var page []model.Link
			for _, l := range all {
				if l.ID > afterID {
					page = append(page, l)
				}
				if len(page) == limit {
					break
				}
			}
			return page, nil
		},
	}
}

func TestSyncService_FullSyncWritesEveryLink(t *testing.T) {
	all := pagedLinks(23)
	var calls []repository.LinkFilter
	c := newMockRedirectCache()
	svc := NewSyncService(SyncServiceDeps{
		Repo:        keysetRepo(all, &calls),
		Cache:       c,
		BatchSize:   10,
		Concurrency: 4,
	})

	report, err := svc.FullSync(context.Background(), SyncAll)
	require.NoError(t, err)
	assert.EqualValues(t, 23, report.Scanned)
	assert.EqualValues(t, 23, report.Synced)
	assert.Zero(t, report.Failed)
	assert.Len(t, calls, 3)

	for _, l := range all {
		entry, ok := c.entry(l.ShortCode)
		require.True(t, ok, l.ShortCode)
		assert.Equal(t, l.DestinationURL, entry.URL)
		assert.Equal(t, l.ID, entry.ID)
	}
}

func TestSyncService_FullSyncCountsFailures(t *testing.T) {
	all := pagedLinks(5)
	var calls []repository.LinkFilter
	c := newMockRedirectCache()
	c.setFn = func(ctx context.Context, code string, entry model.RedirectEntry) error {
		if code == "code3" {
			return errors.New("redis timeout")
		}
		return nil
	}
	svc := NewSyncService(SyncServiceDeps{Repo: keysetRepo(all, &calls), Cache: c, BatchSize: 10})

	report, err := svc.FullSync(context.Background(), SyncAll)
	require.NoError(t, err)
	assert.EqualValues(t, 5, report.Scanned)
	assert.EqualValues(t, 4, report.Synced)
	assert.EqualValues(t, 1, report.Failed)
}

func TestSyncService_FullSyncScopeFilter(t *testing.T) {
	var calls []repository.LinkFilter
	svc := NewSyncService(SyncServiceDeps{Repo: keysetRepo(nil, &calls), Cache: newMockRedirectCache()})

	_, err := svc.FullSync(context.Background(), SyncGuest)
	require.NoError(t, err)
	_, err = svc.FullSync(context.Background(), SyncExpiring)
	require.NoError(t, err)

	require.Len(t, calls, 2)
	assert.Equal(t, repository.LinkFilter{GuestOnly: true}, calls[0])
	assert.Equal(t, repository.LinkFilter{ExpiringOnly: true}, calls[1])
}

func TestSyncService_FullSyncPageErrorAborts(t *testing.T) {
	boom := errors.New("connection reset")
	page := 0
	repo := &mockLinkRepository{
		listAfterFn: func(ctx context.Context, afterID string, limit int, filter repository.LinkFilter) ([]model.Link, error) {
			page++
			if page == 2 {
				return nil, boom
			}
			return pagedLinks(limit), nil
		},
	}
	svc := NewSyncService(SyncServiceDeps{Repo: repo, Cache: newMockRedirectCache(), BatchSize: 5})

	report, err := svc.FullSync(context.Background(), SyncAll)
	assert.ErrorIs(t, err, boom)
	assert.EqualValues(t, 5, report.Scanned)
	assert.EqualValues(t, 5, report.Synced)
}

func TestParseSyncScope(t *testing.T) {
	for raw, want := range map[string]SyncScope{"": SyncAll, "all": SyncAll, "Guest": SyncGuest, "expiring": SyncExpiring} {
		got, err := ParseSyncScope(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseSyncScope("everything")
	assert.ErrorIs(t, err, ErrUnknownScope)
}

func TestSyncService_SweepExpiredGuests(t *testing.T) {
	var gotNow time.Time
	repo := &mockLinkRepository{
		deleteGuestFn: func(ctx context.Context, now time.Time) ([]string, error) {
			gotNow = now
			return []string{"g1", "g2", "g3"}, nil
		},
	}
	c := newMockRedirectCache()
	c.deleteFn = func(ctx context.Context, code string) error {
		if code == "g2" {
			return errors.New("redis down")
		}
		return nil
	}
	svc := NewSyncService(SyncServiceDeps{Repo: repo, Cache: c, Now: func() time.Time { return fixedNow }})

	report, err := svc.SweepExpiredGuests(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixedNow, gotNow)
	assert.Equal(t, 3, report.Deleted)
	assert.Equal(t, 2, report.CacheEvicted)
	assert.ElementsMatch(t, []string{"g1", "g3"}, c.deleted)
}

func TestSyncService_SweepFailure(t *testing.T) {
	repo := &mockLinkRepository{
		deleteGuestFn: func(ctx context.Context, now time.Time) ([]string, error) {
			return nil, errors.New("db down")
		},
	}
	c := newMockRedirectCache()
	svc := NewSyncService(SyncServiceDeps{Repo: repo, Cache: c})

	_, err := svc.SweepExpiredGuests(context.Background())
	assert.Error(t, err)
	assert.Empty(t, c.deleted)
}
