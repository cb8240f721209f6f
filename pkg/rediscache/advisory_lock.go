package rediscache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// AdvisoryLock is a best-effort, cross-process single-flight hint that
// supplements (never replaces) the relational Run Log's RUNNING-row
// check. It lets a second process reject a concurrent run a little
// faster, before it even opens a store transaction; the relational check
// in internal/runlog remains the authority.
type AdvisoryLock struct {
	client *Client
	prefix string
}

// NewAdvisoryLock builds a lock helper under prefix.
func NewAdvisoryLock(client *Client, prefix string) *AdvisoryLock {
	return &AdvisoryLock{client: client, prefix: prefix}
}

func (l *AdvisoryLock) key(apiName string) string {
	return fmt.Sprintf("%s:runlock:%s", l.prefix, apiName)
}

// TryAcquire attempts to set the lock key with NX semantics. Returns
// (true, nil) when acquired, (false, nil) when already held by someone
// else, and (true, nil) whenever Redis is disabled — a disabled cache
// never blocks a run, it only ever helps reject one faster.
func (l *AdvisoryLock) TryAcquire(ctx context.Context, apiName string, ttl time.Duration) (bool, error) {
	if !l.client.Enabled() {
		return true, nil
	}
	ok, err := l.client.Raw().SetNX(ctx, l.key(apiName), "1", ttl).Result()
	if err != nil {
		// Redis trouble must never block a run that the relational guard
		// would otherwise allow.
		return true, nil
	}
	return ok, nil
}

// Release drops the lock early, e.g. once the relational Run Log has
// recorded the terminal status and the lock is no longer needed to
// prevent a racing process from starting the same api-name.
func (l *AdvisoryLock) Release(ctx context.Context, apiName string) {
	if !l.client.Enabled() {
		return
	}
	_ = l.client.Raw().Del(ctx, l.key(apiName)).Err()
}

// compile-time check that go-redis's v9 client type is the one we embed.
var _ = redis.Nil
