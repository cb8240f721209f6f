// Package rediscache wraps an optional Redis connection used two ways by
// the core: as a read-through cache in front of the Watermark Store, and
// as a distributed advisory lock supplementing the relational Run Log
// Guard's single-flight check. Redis is never authoritative — every
// operation degrades to a safe passthrough when disabled, exactly like
// the teacher's pkg/redis.Client.Enabled() gate.
package rediscache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ashare-data/etld/pkg/config"
)

// Client wraps the go-redis client with an Enabled() guard.
type Client struct {
	rdb     *redis.Client
	enabled bool
}

// New creates a Client. If Redis is disabled in config, Enabled() is
// false and every later operation is a no-op.
func New(cfg *config.Config) (*Client, error) {
	if !cfg.Redis.Enabled {
		return &Client{enabled: false}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &Client{rdb: rdb, enabled: true}, nil
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Enabled reports whether Redis is actually configured.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Raw returns the underlying client for advanced usage.
func (c *Client) Raw() *redis.Client {
	return c.rdb
}
