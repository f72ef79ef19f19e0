package service

import (
	"context"
	"sync"
	"time"

	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
)

type mockRedirectCache struct {
	mu       sync.Mutex
	entries  map[string]model.RedirectEntry
	getFn    func(ctx context.Context, code string) (*model.RedirectEntry, error)
	setFn    func(ctx context.Context, code string, entry model.RedirectEntry) error
	deleteFn func(ctx context.Context, code string) error
	deleted  []string
}

func newMockRedirectCache() *mockRedirectCache {
	return &mockRedirectCache{entries: map[string]model.RedirectEntry{}}
}

func (m *mockRedirectCache) Get(ctx context.Context, code string) (*model.RedirectEntry, error) {
	if m.getFn != nil {
		return m.getFn(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[code]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &entry, nil
}

func (m *mockRedirectCache) Set(ctx context.Context, code string, entry model.RedirectEntry) error {
	if m.setFn != nil {
		if err := m.setFn(ctx, code, entry); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[code] = entry
	return nil
}

func (m *mockRedirectCache) Delete(ctx context.Context, code string) error {
	if m.deleteFn != nil {
		if err := m.deleteFn(ctx, code); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, code)
	m.deleted = append(m.deleted, code)
	return nil
}

func (m *mockRedirectCache) entry(code string) (model.RedirectEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[code]
	return e, ok
}

type mockPublisher struct {
	mu        sync.Mutex
	published []model.ClickMessage
	attempts  int
	delay     time.Duration
	err       error
}

func (m *mockPublisher) Publish(ctx context.Context, msg model.ClickMessage) error {
	m.mu.Lock()
	m.attempts++
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	m.published = append(m.published, msg)
	m.mu.Unlock()
	return nil
}

func (m *mockPublisher) snapshot() (int, []model.ClickMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts, append([]model.ClickMessage(nil), m.published...)
}

type mockLinkRepository struct {
	createFn      func(ctx context.Context, link *model.Link) error
	getFn         func(ctx context.Context, code string) (*model.Link, error)
	listFn        func(ctx context.Context, limit, offset int) ([]model.Link, error)
	updateFn      func(ctx context.Context, link *model.Link) error
	deleteFn      func(ctx context.Context, code string) error
	listAfterFn   func(ctx context.Context, afterID string, limit int, filter repository.LinkFilter) ([]model.Link, error)
	deleteGuestFn func(ctx context.Context, now time.Time) ([]string, error)
}

func (m *mockLinkRepository) Create(ctx context.Context, link *model.Link) error {
	if m.createFn != nil {
		return m.createFn(ctx, link)
	}
	return nil
}

func (m *mockLinkRepository) GetByCode(ctx context.Context, code string) (*model.Link, error) {
	if m.getFn != nil {
		return m.getFn(ctx, code)
	}
	return nil, repository.ErrLinkNotFound
}

func (m *mockLinkRepository) List(ctx context.Context, limit, offset int) ([]model.Link, error) {
	if m.listFn != nil {
		return m.listFn(ctx, limit, offset)
	}
	return nil, nil
}

func (m *mockLinkRepository) Update(ctx context.Context, link *model.Link) error {
	if m.updateFn != nil {
		return m.updateFn(ctx, link)
	}
	return nil
}

func (m *mockLinkRepository) DeleteByCode(ctx context.Context, code string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, code)
	}
	return nil
}

func (m *mockLinkRepository) ListAfter(ctx context.Context, afterID string, limit int, filter repository.LinkFilter) ([]model.Link, error) {
	if m.listAfterFn != nil {
		return m.listAfterFn(ctx, afterID, limit, filter)
	}
	return nil, nil
}

func (m *mockLinkRepository) DeleteExpiredGuests(ctx context.Context, now time.Time) ([]string, error) {
	if m.deleteGuestFn != nil {
		return m.deleteGuestFn(ctx, now)
	}
	return nil, nil
}

type mockClickEventRepository struct {
	mu       sync.Mutex
	created  []*model.ClickEvent
	createFn func(ctx context.Context, event *model.ClickEvent) error
	existsFn func(ctx context.Context, messageID string) (bool, error)
	lookups  int
}

func (m *mockClickEventRepository) Create(ctx context.Context, event *model.ClickEvent) error {
	if m.createFn != nil {
		if err := m.createFn(ctx, event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, event)
	return nil
}

func (m *mockClickEventRepository) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	m.lookups++
	m.mu.Unlock()
	if m.existsFn != nil {
		return m.existsFn(ctx, messageID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.created {
		if e.MessageID != nil && *e.MessageID == messageID {
			return true, nil
		}
	}
	return false, nil
}

type mockClickCounterRepository struct {
	mu           sync.Mutex
	withTSCalls  []string
	plainCalls   []string
	withTSErr    error
	plainErr     error
	lastObserved time.Time
}

func (m *mockClickCounterRepository) IncrementWithTimestamp(ctx context.Context, linkID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.withTSCalls = append(m.withTSCalls, linkID)
	m.lastObserved = at
	return m.withTSErr
}

func (m *mockClickCounterRepository) Increment(ctx context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plainCalls = append(m.plainCalls, linkID)
	return m.plainErr
}
