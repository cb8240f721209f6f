package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestRegistryUnknownBucket(t *testing.T) {
	r := NewRegistry()

	if err := r.Acquire(context.Background(), "missing", 1); err == nil {
		t.Fatal("expected error for unconfigured bucket")
	}
	if _, err := r.TryAcquire("missing", 1); err == nil {
		t.Fatal("expected error for unconfigured bucket")
	}
}

func TestRegistryTryAcquireRespectsBurst(t *testing.T) {
	r := NewRegistry()
	r.Configure("quote", 60, 2)

	ok, err := r.TryAcquire("quote", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected first TryAcquire to succeed within burst")
	}

	ok, err = r.TryAcquire("quote", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected burst to be exhausted")
	}
}

func TestRegistryAcquireBlocksUntilRefill(t *testing.T) {
	r := NewRegistry()
	r.Configure("quote", 600, 1) // 10 tokens/sec

	ctx := context.Background()
	if err := r.Acquire(ctx, "quote", 1); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	start := time.Now()
	if err := r.Acquire(ctx, "quote", 1); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("expected second acquire to wait for refill, took %v", elapsed)
	}
}

func TestRegistryAcquireRespectsContextCancellation(t *testing.T) {
	r := NewRegistry()
	r.Configure("quote", 1, 1) // one token per minute, burst of one

	if err := r.Acquire(context.Background(), "quote", 1); err != nil {
		t.Fatalf("first acquire should use the initial burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := r.Acquire(ctx, "quote", 1); err == nil {
		t.Fatal("expected context deadline to cancel the wait")
	}
}

func TestRegistryConfigureReplacesExistingBucket(t *testing.T) {
	r := NewRegistry()
	r.Configure("quote", 60, 1)
	r.Configure("quote", 60, 5)

	ok, err := r.TryAcquire("quote", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected reconfigured burst of 5 to allow 5-token acquire")
	}
}
