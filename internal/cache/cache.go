// Package cache provides a thin read-through TTL wrapper around Redis, used
// by the state store for channel configs, viewer preferences, and the secret
// cache, and directly by the redemption-pending and processed-message-window
// caches (§3).
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache wraps a Redis client with JSON marshal/unmarshal helpers and a
// consistent key-namespacing convention.
type Cache struct {
	rdb *redis.Client
}

// New wraps an existing Redis client.
func New(rdb *redis.Client) *Cache {
	return &Cache{rdb: rdb}
}

// Key builds the "cache:<collection>:<id>" key convention used throughout
// the state store's physical mapping (§4.6).
func Key(collection, id string) string {
	return fmt.Sprintf("cache:%s:%s", collection, id)
}

// Get reads key and unmarshals it into dest. It returns (false, nil) on a
// cache miss.
func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %q: %w", key, err)
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cache: unmarshal %q: %w", key, err)
	}
	return true, nil
}

// Set marshals value and stores it under key with the given TTL. A zero TTL
// means no expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache: marshal %q: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %q: %w", key, err)
	}
	return nil
}

// Invalidate deletes key, used on write-through to force the next Get to
// miss and reload from the durable store.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: invalidate %q: %w", key, err)
	}
	return nil
}

// SeenOnce records id in a deduplication window of the given TTL and reports
// whether it had already been seen. Backs the processed-message window (§3)
// and the event-pipeline idempotency guard (§4.2).
func (c *Cache) SeenOnce(ctx context.Context, namespace, id string, ttl time.Duration) (alreadySeen bool, err error) {
	key := Key(namespace, id)
	ok, err := c.rdb.SetNX(ctx, key, time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache: seen-once %q: %w", key, err)
	}
	return !ok, nil
}

// Ping verifies connectivity, used at startup to fail fast with
// StoreUnavailable-style errors rather than on the first request.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis client's connections.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
