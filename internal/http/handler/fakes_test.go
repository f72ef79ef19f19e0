package handler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sifan077/linkedge/internal/app/cache"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/app/repository"
	"github.com/sifan077/linkedge/internal/app/service"
)

type memoryCache struct {
	mu      sync.Mutex
	entries map[string]model.RedirectEntry
	getErr  error
}

func newMemoryCache() *memoryCache {
	return &memoryCache{entries: map[string]model.RedirectEntry{}}
}

func (m *memoryCache) Get(_ context.Context, code string) (*model.RedirectEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	entry, ok := m.entries[code]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return &entry, nil
}

func (m *memoryCache) Set(_ context.Context, code string, entry model.RedirectEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[code] = entry
	return nil
}

func (m *memoryCache) Delete(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, code)
	return nil
}

func (m *memoryCache) get(code string) (model.RedirectEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[code]
	return entry, ok
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []model.ClickMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg model.ClickMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type memoryLinkRepository struct {
	mu    sync.Mutex
	links map[string]*model.Link
}

func newMemoryLinkRepository(links ...model.Link) *memoryLinkRepository {
	r := &memoryLinkRepository{links: map[string]*model.Link{}}
	for i := range links {
		l := links[i]
		r.links[l.ShortCode] = &l
	}
	return r
}

func (r *memoryLinkRepository) Create(_ context.Context, link *model.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[link.ShortCode]; ok {
		return repository.ErrDuplicateCode
	}
	cp := *link
	r.links[link.ShortCode] = &cp
	return nil
}

func (r *memoryLinkRepository) GetByCode(_ context.Context, code string) (*model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[code]
	if !ok {
		return nil, repository.ErrLinkNotFound
	}
	cp := *l
	return &cp, nil
}

func (r *memoryLinkRepository) sorted() []model.Link {
	out := make([]model.Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *memoryLinkRepository) List(_ context.Context, limit, offset int) ([]model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted()
	if offset >= len(all) {
		return []model.Link{}, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (r *memoryLinkRepository) Update(_ context.Context, link *model.Link) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[link.ShortCode]; !ok {
		return repository.ErrLinkNotFound
	}
	cp := *link
	r.links[link.ShortCode] = &cp
	return nil
}

func (r *memoryLinkRepository) DeleteByCode(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[code]; !ok {
		return repository.ErrLinkNotFound
	}
	delete(r.links, code)
	return nil
}

func (r *memoryLinkRepository) ListAfter(_ context.Context, afterID string, limit int, filter repository.LinkFilter) ([]model.Link, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Link
	for _, l := range r.sorted() {
		if l.ID <= afterID {
			continue
		}
		if filter.GuestOnly && !l.IsGuest {
			continue
		}
		if filter.ExpiringOnly && l.ExpiresAt == nil {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memoryLinkRepository) DeleteExpiredGuests(_ context.Context, now time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var codes []string
	for code, l := range r.links {
		if l.IsGuest && l.ExpiresAt != nil && l.ExpiresAt.Before(now) {
			codes = append(codes, code)
			delete(r.links, code)
		}
	}
	sort.Strings(codes)
	return codes, nil
}

type memoryClickEvents struct {
	mu     sync.Mutex
	events map[string]model.ClickEvent
}

func newMemoryClickEvents() *memoryClickEvents {
	return &memoryClickEvents{events: map[string]model.ClickEvent{}}
}

func (m *memoryClickEvents) Create(_ context.Context, event *model.ClickEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := event.ID
	if event.MessageID != nil {
		key = *event.MessageID
		if _, ok := m.events[key]; ok {
			return repository.ErrDuplicateEvent
		}
	}
	m.events[key] = *event
	return nil
}

func (m *memoryClickEvents) ExistsByMessageID(_ context.Context, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.events[messageID]
	return ok, nil
}

func (m *memoryClickEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type memoryCounters struct {
	mu     sync.Mutex
	clicks map[string]int
}

func newMemoryCounters() *memoryCounters {
	return &memoryCounters{clicks: map[string]int{}}
}

func (m *memoryCounters) IncrementWithTimestamp(_ context.Context, linkID string, _ time.Time) error {
	return m.Increment(context.Background(), linkID)
}

func (m *memoryCounters) Increment(_ context.Context, linkID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clicks[linkID]++
	return nil
}

func (m *memoryCounters) get(linkID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clicks[linkID]
}

var (
	_ cache.RedirectCache               = (*memoryCache)(nil)
	_ service.ClickPublisher            = (*recordingPublisher)(nil)
	_ repository.LinkRepository         = (*memoryLinkRepository)(nil)
	_ repository.ClickEventRepository   = (*memoryClickEvents)(nil)
	_ repository.ClickCounterRepository = (*memoryCounters)(nil)
)
