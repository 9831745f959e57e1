package redemption

import (
	"context"
	"time"

	"github.com/ttsrelay/core/internal/cache"
	"github.com/ttsrelay/core/pkg/types"
)

// redemptionNamespace keys the pending-redemption cache collection (§3).
const redemptionNamespace = "ttsRedemptionPending"

// RedisPendingCache adapts [cache.Cache] to the [PendingCache] interface.
type RedisPendingCache struct {
	cache *cache.Cache
}

// NewRedisPendingCache builds a [RedisPendingCache] over c.
func NewRedisPendingCache(c *cache.Cache) *RedisPendingCache {
	return &RedisPendingCache{cache: c}
}

// Put stores rec under its id with the given TTL.
func (r *RedisPendingCache) Put(ctx context.Context, rec types.RedemptionRecord, ttl time.Duration) error {
	return r.cache.Set(ctx, cache.Key(redemptionNamespace, rec.ID), rec, ttl)
}

// GetAndDelete reads and removes the record keyed by id, if present.
func (r *RedisPendingCache) GetAndDelete(ctx context.Context, id string) (*types.RedemptionRecord, bool, error) {
	key := cache.Key(redemptionNamespace, id)
	var rec types.RedemptionRecord
	ok, err := r.cache.Get(ctx, key, &rec)
	if err != nil || !ok {
		return nil, false, err
	}
	if err := r.cache.Invalidate(ctx, key); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}
