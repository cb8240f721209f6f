// Package ratelimit provides named token-bucket rate limiters shared
// across all concurrent Fetchers in the process, one bucket per upstream
// logical rate class — the same golang.org/x/time/rate primitive the
// teacher uses per polling tier in internal/realtime/feed/kis_rest.go,
// generalized from three hardcoded tiers to a runtime-configured registry.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Registry holds one token bucket per named rate class. golang.org/x/time/rate
// already serves waiters in the order they call Wait, so no extra queueing
// is needed to satisfy the FIFO-fairness requirement.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*rate.Limiter)}
}

// Configure registers or replaces a bucket. ratePerMinute is the token
// refill rate; burst is the bucket capacity (tokens available up front).
func (r *Registry) Configure(bucket string, ratePerMinute int, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	perSecond := rate.Limit(float64(ratePerMinute) / 60.0)
	r.limiters[bucket] = rate.NewLimiter(perSecond, burst)
}

func (r *Registry) get(bucket string) (*rate.Limiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.limiters[bucket]
	if !ok {
		return nil, fmt.Errorf("ratelimit: unknown bucket %q", bucket)
	}
	return l, nil
}

// Acquire blocks the caller until n tokens are available in bucket, or
// until ctx is cancelled.
func (r *Registry) Acquire(ctx context.Context, bucket string, n int) error {
	l, err := r.get(bucket)
	if err != nil {
		return err
	}
	return l.WaitN(ctx, n)
}

// TryAcquire returns immediately with whether n tokens were available and
// consumed from bucket.
func (r *Registry) TryAcquire(bucket string, n int) (bool, error) {
	l, err := r.get(bucket)
	if err != nil {
		return false, err
	}
	return l.AllowN(time.Now(), n), nil
}
