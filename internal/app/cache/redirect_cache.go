package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/linkedge/internal/app/model"
	"github.com/sifan077/linkedge/internal/infra/metrics"
)

const DefaultKeyPrefix = "link:"

// ErrCacheMiss signals that no entry exists for the short code.
var ErrCacheMiss = errors.New("redirect entry not cached")

// RedirectCache maps short codes to redirect entries. Entries carry no TTL:
// they stay valid until overwritten or deleted.
type RedirectCache interface {
	Get(ctx context.Context, code string) (*model.RedirectEntry, error)
	Set(ctx context.Context, code string, entry model.RedirectEntry) error
	Delete(ctx context.Context, code string) error
}

// RedisRedirectCache stores entries as JSON strings in Redis, optionally
// fronted by an in-process L1.
type RedisRedirectCache struct {
	client redis.Cmdable
	local  *LocalCache
	prefix string
}

// NewRedisRedirectCache builds the cache. local may be nil.
func NewRedisRedirectCache(client redis.Cmdable, local *LocalCache, prefix string) *RedisRedirectCache {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisRedirectCache{
		client: client,
		local:  local,
		prefix: prefix,
	}
}

func (c *RedisRedirectCache) key(code string) string {
	return c.prefix + code
}

func (c *RedisRedirectCache) Get(ctx context.Context, code string) (*model.RedirectEntry, error) {
	if c.local != nil {
		if entry, ok := c.local.Get(code); ok {
			metrics.CacheOperations.WithLabelValues("l1", "hit").Inc()
			return &entry, nil
		}
	}

	raw, err := c.client.Get(ctx, c.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheOperations.WithLabelValues("redis", "miss").Inc()
		return nil, ErrCacheMiss
	}
	if err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "error").Inc()
		return nil, fmt.Errorf("cache get %q: %w", code, err)
	}

	var entry model.RedirectEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "corrupt").Inc()
		return nil, fmt.Errorf("cache decode %q: %w", code, err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "hit").Inc()

	if c.local != nil {
		c.local.Set(code, entry)
	}
	return &entry, nil
}

func (c *RedisRedirectCache) Set(ctx context.Context, code string, entry model.RedirectEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", code, err)
	}

	// Zero expiration keeps the key until it is explicitly replaced.
	if err := c.client.Set(ctx, c.key(code), data, 0).Err(); err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "set_error").Inc()
		return fmt.Errorf("cache set %q: %w", code, err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "set").Inc()

	if c.local != nil {
		c.local.Set(code, entry)
	}
	return nil
}

func (c *RedisRedirectCache) Delete(ctx context.Context, code string) error {
	if c.local != nil {
		c.local.Del(code)
	}
	if err := c.client.Del(ctx, c.key(code)).Err(); err != nil {
		metrics.CacheOperations.WithLabelValues("redis", "del_error").Inc()
		return fmt.Errorf("cache delete %q: %w", code, err)
	}
	metrics.CacheOperations.WithLabelValues("redis", "del").Inc()
	return nil
}
