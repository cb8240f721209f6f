package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/ratelimit"
	"github.com/ashare-data/etld/pkg/logger"
)

type scriptedSource struct {
	calls   int
	results []error
	page    model.Page
}

func (s *scriptedSource) Call(ctx context.Context, desc model.APIDescriptor, params map[string]string) (model.Page, error) {
	idx := s.calls
	s.calls++
	if idx < len(s.results) && s.results[idx] != nil {
		return model.Page{}, s.results[idx]
	}
	return s.page, nil
}

func newRegistry(bucket string) *ratelimit.Registry {
	r := ratelimit.NewRegistry()
	r.Configure(bucket, 6000, 10)
	return r
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, AttemptTimeout: time.Second}
}

func TestFetchSucceedsFirstAttempt(t *testing.T) {
	src := &scriptedSource{page: model.Page{Rows: 1}}
	f := New(src, newRegistry("quote"), fastPolicy(), logger.Nop(), []string{"quote"})

	page, err := f.Fetch(context.Background(), model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Rows)
	assert.Equal(t, 1, src.calls)
}

func TestFetchRetriesTransientThenSucceeds(t *testing.T) {
	src := &scriptedSource{
		results: []error{model.NewError(model.CategoryTransientIO, errors.New("upstream 503"))},
		page:    model.Page{Rows: 2},
	}
	f := New(src, newRegistry("quote"), fastPolicy(), logger.Nop(), []string{"quote"})

	page, err := f.Fetch(context.Background(), model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, page.Rows)
	assert.Equal(t, 2, src.calls)
}

func TestFetchFailsFastOnFatalCategory(t *testing.T) {
	src := &scriptedSource{
		results: []error{model.NewError(model.CategoryUpstreamSchema, errors.New("bad schema"))},
	}
	f := New(src, newRegistry("quote"), fastPolicy(), logger.Nop(), []string{"quote"})

	_, err := f.Fetch(context.Background(), model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.False(t, fetchErr.Transient)
	assert.Equal(t, 1, fetchErr.Attempts)
	assert.Equal(t, 1, src.calls, "a fatal category must not retry")
}

func TestFetchExhaustsRetriesOnPersistentTransientFailure(t *testing.T) {
	always := model.NewError(model.CategoryTransientIO, errors.New("still down"))
	src := &scriptedSource{results: []error{always, always, always, always}}
	policy := fastPolicy()
	f := New(src, newRegistry("quote"), policy, logger.Nop(), []string{"quote"})

	_, err := f.Fetch(context.Background(), model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Transient)
	assert.Equal(t, policy.MaxAttempts, fetchErr.Attempts)
	assert.Equal(t, policy.MaxAttempts, src.calls)
}

func TestFetchUncategorizedErrorDefaultsToTransient(t *testing.T) {
	src := &scriptedSource{results: []error{errors.New("unlabeled failure")}, page: model.Page{Rows: 1}}
	f := New(src, newRegistry("quote"), fastPolicy(), logger.Nop(), []string{"quote"})

	page, err := f.Fetch(context.Background(), model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.NoError(t, err, "an uncategorized error should be retried, not treated as fatal")
	assert.Equal(t, 1, page.Rows)
}

func TestFetchStopsOnContextCancellationDuringBackoff(t *testing.T) {
	always := model.NewError(model.CategoryTransientIO, errors.New("down"))
	src := &scriptedSource{results: []error{always, always, always}}
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, AttemptTimeout: time.Second}
	f := New(src, newRegistry("quote"), policy, logger.Nop(), []string{"quote"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := f.Fetch(ctx, model.APIDescriptor{Name: "daily", RateBucket: "quote"}, nil)
	require.Error(t, err)

	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.True(t, fetchErr.Transient)
}

func TestCategorizeDefaultsUncategorizedToTransientIO(t *testing.T) {
	assert.Equal(t, model.CategoryTransientIO, categorize(errors.New("plain")))
	assert.Equal(t, model.CategoryUpstreamSchema, categorize(model.NewError(model.CategoryUpstreamSchema, errors.New("x"))))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(model.CategoryTransientIO))
	assert.False(t, isTransient(model.CategoryUpstreamSchema))
	assert.False(t, isTransient(model.CategoryStoreWrite))
}
