package rediscache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ashare-data/etld/internal/model"
)

// WatermarkCache is a short-TTL read-through cache in front of the
// Watermark Store, so concurrent Stage Runners reading the same api-name
// don't all hit the relational store. It is never the source of truth:
// a cache miss (or Redis being disabled) simply means "go ask the store".
type WatermarkCache struct {
	client *Client
	prefix string
	ttl    time.Duration
}

// NewWatermarkCache builds a cache with the given key prefix and TTL.
func NewWatermarkCache(client *Client, prefix string, ttl time.Duration) *WatermarkCache {
	return &WatermarkCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *WatermarkCache) key(apiName string) string {
	return fmt.Sprintf("%s:watermark:%s", c.prefix, apiName)
}

// Get returns the cached watermark value for apiName, or ok=false on a
// miss or when Redis is disabled.
func (c *WatermarkCache) Get(ctx context.Context, apiName string) (value model.TradeDate, ok bool) {
	if !c.client.Enabled() {
		return 0, false
	}
	s, err := c.client.Raw().Get(ctx, c.key(apiName)).Result()
	if err != nil {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return model.TradeDate(n), true
}

// Set stores the watermark value with the cache's TTL. Errors are
// swallowed: the cache is an optimization, never a dependency.
func (c *WatermarkCache) Set(ctx context.Context, apiName string, value model.TradeDate) {
	if !c.client.Enabled() {
		return
	}
	_ = c.client.Raw().Set(ctx, c.key(apiName), strconv.Itoa(int(value)), c.ttl).Err()
}

// Invalidate drops the cached value. The store calls it when it marks a
// watermark FAILED or RUNNING; an Advance overwrites the entry with Set
// instead, so a stale cache entry can't survive a write.
func (c *WatermarkCache) Invalidate(ctx context.Context, apiName string) {
	if !c.client.Enabled() {
		return
	}
	_ = c.client.Raw().Del(ctx, c.key(apiName)).Err()
}
