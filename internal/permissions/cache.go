package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const cacheVersionKey = "permissions:version"

// Cache memoizes compiled permission maps in Redis behind a version
// counter. Mutations bump the version, which invalidates every compiled
// entry at once; concurrent loads for the same key are coalesced.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
}

// NewCache instantiates the cache helper. A nil client disables caching
// and loaders run directly.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.Set(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump invalidates all compiled entries by advancing the version.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Incr(ctx, cacheVersionKey).Err()
}

// BuildKey composes a cache key from parts plus the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%d", joined, ver), nil
}

// FetchCompiled loads a compiled permission map from the cache or
// populates it using the loader. Loads for the same key are coalesced.
func (c *Cache) FetchCompiled(ctx context.Context, key string, loader func(context.Context) (map[string][]string, error)) (map[string][]string, error) {
	if loader == nil {
		return nil, errors.New("permissions: cache loader required")
	}
	if c == nil || c.client == nil {
		return loader(ctx)
	}
	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var compiled map[string][]string
		if err := json.Unmarshal(payload, &compiled); err == nil {
			return compiled, nil
		}
		// Fall through on a corrupt entry and rebuild it.
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}

	result, err, _ := c.group.Do(key, func() (any, error) {
		compiled, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(compiled)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return nil, err
		}
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string][]string), nil
}
