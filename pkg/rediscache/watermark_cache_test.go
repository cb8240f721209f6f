package rediscache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ashare-data/etld/internal/model"
)

func TestWatermarkCacheDisabledAlwaysMisses(t *testing.T) {
	cache := NewWatermarkCache(&Client{enabled: false}, "etld", time.Minute)

	_, ok := cache.Get(context.Background(), "daily")
	assert.False(t, ok)

	cache.Set(context.Background(), "daily", model.TradeDate(20260701)) // must not panic
	cache.Invalidate(context.Background(), "daily")                     // must not panic
}

func TestWatermarkCacheKeyIncludesPrefixAndAPIName(t *testing.T) {
	cache := NewWatermarkCache(&Client{enabled: false}, "etld", time.Minute)
	assert.Equal(t, "etld:watermark:daily", cache.key("daily"))
}
