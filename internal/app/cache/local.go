package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/sifan077/linkedge/internal/app/model"
)

// LocalCache is a short-lived in-process copy of hot redirect entries.
// Only positive entries are kept, so a miss always falls through to Redis.
type LocalCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewLocalCache returns nil when ttl is zero, which disables the L1.
func NewLocalCache(maxItems int64, ttl time.Duration) (*LocalCache, error) {
	if ttl <= 0 {
		return nil, nil
	}
	if maxItems <= 0 {
		maxItems = 100000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &LocalCache{cache: c, ttl: ttl}, nil
}

func (l *LocalCache) Get(code string) (model.RedirectEntry, bool) {
	v, ok := l.cache.Get(code)
	if !ok {
		return model.RedirectEntry{}, false
	}
	entry, ok := v.(model.RedirectEntry)
	return entry, ok
}

func (l *LocalCache) Set(code string, entry model.RedirectEntry) {
	// cost=1 bounds the cache by entry count
	l.cache.SetWithTTL(code, entry, 1, l.ttl)
}

func (l *LocalCache) Del(code string) {
	l.cache.Del(code)
}

// Wait blocks until buffered writes are applied.
func (l *LocalCache) Wait() {
	l.cache.Wait()
}

// Close is a no-op on a disabled cache.
func (l *LocalCache) Close() {
	if l == nil {
		return
	}
	l.cache.Close()
}
