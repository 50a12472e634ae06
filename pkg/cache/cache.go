// Package cache is the Redis-backed cache gateway: read-through JSON caching
// with explicit invalidation, atomic counters, and a token lock with expiry.
// The lock is the only cross-instance mutual exclusion primitive; its expiry
// bounds inconsistency if a holder crashes without releasing.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unlockScript deletes the lock key only when it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Cache wraps a Redis client for cache-gateway use.
type Cache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a cache gateway.
func New(rdb *redis.Client, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{rdb: rdb, logger: logger}
}

// GetOrCreate returns the cached value for key if present and unexpired,
// otherwise invokes loader, stores the result with ttl and returns it.
func GetOrCreate[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, loader func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	raw, err := c.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			return v, nil
		}
		// Unreadable entry: drop it and fall through to the loader.
		c.logger.Warn("cache entry unreadable, evicting", zap.String("key", key))
		_ = c.rdb.Del(ctx, key).Err()
	} else if !errors.Is(err, redis.Nil) {
		return zero, fmt.Errorf("cache get %s: %w", key, err)
	}

	v, err := loader(ctx)
	if err != nil {
		return zero, err
	}
	body, err := json.Marshal(v)
	if err != nil {
		return zero, fmt.Errorf("cache marshal %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, body, ttl).Err(); err != nil {
		return zero, fmt.Errorf("cache set %s: %w", key, err)
	}
	return v, nil
}

// Delete removes a key. Mutators must call this as part of, or immediately
// after, their commit so the staleness window stays bounded.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Exists reports whether a key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Incr atomically increments a counter key and returns the new value.
func (c *Cache) Incr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	return n, nil
}

// Decr atomically decrements a counter key and returns the new value.
func (c *Cache) Decr(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Decr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache decr %s: %w", key, err)
	}
	return n, nil
}

// Lock acquires a token lock with an expiry. Returns false when another
// holder owns the lock.
func (c *Cache) Lock(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, token, expiry).Result()
	if err != nil {
		return false, fmt.Errorf("cache lock %s: %w", key, err)
	}
	return ok, nil
}

// Unlock releases a token lock; only the holder's token releases it.
func (c *Cache) Unlock(ctx context.Context, key, token string) (bool, error) {
	n, err := unlockScript.Run(ctx, c.rdb, []string{key}, token).Int()
	if err != nil {
		return false, fmt.Errorf("cache unlock %s: %w", key, err)
	}
	return n == 1, nil
}

// Expire refreshes the expiry on a key.
func (c *Cache) Expire(ctx context.Context, key string, expiry time.Duration) (bool, error) {
	ok, err := c.rdb.Expire(ctx, key, expiry).Result()
	if err != nil {
		return false, fmt.Errorf("cache expire %s: %w", key, err)
	}
	return ok, nil
}
