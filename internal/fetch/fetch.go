// Package fetch issues one upstream request at a time on behalf of a
// Stage Runner: acquire a rate-limit token, call through a per-bucket
// circuit breaker, retry transient failures with exponential backoff, and
// return a tabular Page. Retry/backoff shape follows the teacher's
// pkg/httputil.Client.doWithRetry; the breaker and request-id are the
// domain-stack additions described in SPEC_FULL.md §3.
package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/ratelimit"
	"github.com/ashare-data/etld/pkg/logger"
)

// Source performs the actual upstream call for one API Descriptor and
// parameter set, returning a Page or a categorized error. Implementations
// live per-upstream (e.g. a tushare adapter); Fetcher wraps whichever
// Source is registered for a descriptor with retry, rate limiting, and
// circuit breaking.
type Source interface {
	Call(ctx context.Context, desc model.APIDescriptor, params map[string]string) (model.Page, error)
}

// RetryPolicy configures exponential backoff bounds.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy mirrors the teacher's httputil defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 20 * time.Second, AttemptTimeout: 30 * time.Second}
}

// FetchError is returned when retries are exhausted or a fatal category
// is encountered on any attempt.
type FetchError struct {
	Transient bool
	Attempts  int
	Cause     error
}

func (e *FetchError) Error() string {
	kind := "fatal"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("fetch failed after %d attempt(s) (%s): %v", e.Attempts, kind, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// Fetcher issues one upstream request with retry, rate limiting, and a
// per-bucket circuit breaker.
type Fetcher struct {
	source   Source
	limiter  *ratelimit.Registry
	policy   RetryPolicy
	log      *logger.Logger
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Fetcher. breakerBuckets lists the rate buckets that need a
// circuit breaker (usually every bucket in use); each gets its own
// independent breaker so one wedged upstream doesn't trip another.
func New(source Source, limiter *ratelimit.Registry, policy RetryPolicy, log *logger.Logger, breakerBuckets []string) *Fetcher {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(breakerBuckets))
	for _, bucket := range breakerBuckets {
		b := bucket
		breakers[b] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        b,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
	}
	return &Fetcher{source: source, limiter: limiter, policy: policy, log: log, breakers: breakers}
}

// requestID generates a sortable correlation ID for one fetch call.
// ulid.Make draws from the ulid package's shared, lock-protected
// monotonic entropy source, so concurrent callers are safe.
func requestID() string {
	return ulid.Make().String()
}

// Fetch performs one logical fetch for desc/params, returning a Page.
func (f *Fetcher) Fetch(ctx context.Context, desc model.APIDescriptor, params map[string]string) (model.Page, error) {
	reqID := requestID()
	log := f.log.WithFields(map[string]interface{}{"api": desc.Name, "request_id": reqID, "bucket": desc.RateBucket})

	var lastErr error
	delay := f.policy.BaseDelay

	for attempt := 1; attempt <= f.policy.MaxAttempts; attempt++ {
		if err := f.limiter.Acquire(ctx, desc.RateBucket, 1); err != nil {
			return model.Page{}, &FetchError{Transient: false, Attempts: attempt, Cause: fmt.Errorf("acquire rate token: %w", err)}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, f.policy.AttemptTimeout)
		page, err := f.callThroughBreaker(attemptCtx, desc, params)
		cancel()

		if err == nil {
			log.WithField("attempt", attempt).Debug("fetch succeeded")
			return page, nil
		}

		lastErr = err
		cat := categorize(err)
		if !isTransient(cat) {
			return model.Page{}, &FetchError{Transient: false, Attempts: attempt, Cause: err}
		}
		if attempt == f.policy.MaxAttempts {
			break
		}

		log.WithFields(map[string]interface{}{"attempt": attempt, "delay": delay, "error": err.Error()}).Warn("retrying fetch")
		select {
		case <-ctx.Done():
			return model.Page{}, &FetchError{Transient: true, Attempts: attempt, Cause: ctx.Err()}
		case <-time.After(delay):
		}
		delay *= 2
		if delay > f.policy.MaxDelay {
			delay = f.policy.MaxDelay
		}
	}

	return model.Page{}, &FetchError{Transient: true, Attempts: f.policy.MaxAttempts, Cause: lastErr}
}

func (f *Fetcher) callThroughBreaker(ctx context.Context, desc model.APIDescriptor, params map[string]string) (model.Page, error) {
	breaker, ok := f.breakers[desc.RateBucket]
	if !ok {
		return f.source.Call(ctx, desc, params)
	}
	result, err := breaker.Execute(func() (interface{}, error) {
		return f.source.Call(ctx, desc, params)
	})
	if err != nil {
		return model.Page{}, err
	}
	return result.(model.Page), nil
}

func isTransient(cat model.Category) bool {
	switch cat {
	case model.CategoryTransientIO:
		return true
	default:
		return false
	}
}

// categorize classifies an error into a Category. A CategorizedError
// passes through unchanged; anything else is treated as transient I/O,
// matching the teacher's IsRetryableError posture of defaulting to
// "retry unless proven fatal".
func categorize(err error) model.Category {
	if ce, ok := err.(*model.CategorizedError); ok {
		return ce.Category
	}
	return model.CategoryTransientIO
}
