package stage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashare-data/etld/internal/calendar"
	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/storetest"
	"github.com/ashare-data/etld/internal/watermark"
	"github.com/ashare-data/etld/pkg/logger"
)

func fixedClock(days []int, now time.Time) *calendar.Clock {
	tds := make([]model.TradeDate, len(days))
	for i, d := range days {
		tds[i] = model.TradeDate(d)
	}
	loader := &storetest.FakeCalendarLoader{Days: tds}
	return calendar.NewClock(loader, func() time.Time { return now }, time.UTC)
}

func newTestRunner(clock *calendar.Clock, wmStore Watermarks) *Runner {
	return New(clock, wmStore, nil, logger.Nop())
}

func TestResolveRangeUsesCachedWatermark(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703, 20260706}, time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC))
	cache := storetest.NewFakeWatermarkCache()
	cache.Set(context.Background(), "daily", 20260702)
	wmStore := watermark.New(nil, cache)
	runner := newTestRunner(clock, wmStore)

	def := Definition{Name: "ingest_daily", APIName: "daily"}
	got, err := runner.resolveRange(context.Background(), def, model.DateRange{})
	require.NoError(t, err)
	assert.Equal(t, model.DateRange{Start: 20260703, End: 20260706}, got)
}

func TestResolveRangeOverrideNarrowsWindow(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703, 20260706}, time.Date(2026, 7, 6, 0, 0, 0, 0, time.UTC))
	cache := storetest.NewFakeWatermarkCache()
	cache.Set(context.Background(), "daily", 20260701)
	wmStore := watermark.New(nil, cache)
	runner := newTestRunner(clock, wmStore)

	def := Definition{Name: "ingest_daily", APIName: "daily"}
	override := model.DateRange{Start: 20260703, End: 20260703}
	got, err := runner.resolveRange(context.Background(), def, override)
	require.NoError(t, err)
	assert.Equal(t, model.DateRange{Start: 20260703, End: 20260703}, got)
}

func TestDispatchTransformSuccess(t *testing.T) {
	runner := newTestRunner(nil, nil)
	def := Definition{
		Name: "standardize_daily",
		Kind: model.StageTransform,
		Transform: func(ctx context.Context, dr model.DateRange) error {
			return nil
		},
	}
	outcome := runner.dispatch(context.Background(), def, model.DateRange{Start: 1, End: 2})
	assert.True(t, outcome.Success)
}

func TestDispatchTransformFailure(t *testing.T) {
	runner := newTestRunner(nil, nil)
	wantErr := errors.New("boom")
	def := Definition{
		Name: "standardize_daily",
		Kind: model.StageTransform,
		Transform: func(ctx context.Context, dr model.DateRange) error {
			return wantErr
		},
	}
	outcome := runner.dispatch(context.Background(), def, model.DateRange{Start: 1, End: 2})
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, wantErr)
}

func TestDispatchCheck(t *testing.T) {
	runner := newTestRunner(nil, nil)
	def := Definition{
		Name: "check_daily_quality",
		Kind: model.StageCheck,
		Check: func(ctx context.Context, dr model.DateRange) (string, error) {
			return "2 rules checked", nil
		},
	}
	outcome := runner.dispatch(context.Background(), def, model.DateRange{Start: 1, End: 2})
	assert.True(t, outcome.Success)
	assert.Equal(t, "2 rules checked", outcome.Detail)
}

func TestDispatchUnknownKind(t *testing.T) {
	runner := newTestRunner(nil, nil)
	def := Definition{Name: "mystery", Kind: "bogus"}
	outcome := runner.dispatch(context.Background(), def, model.DateRange{Start: 1, End: 2})
	assert.False(t, outcome.Success)
	assert.Error(t, outcome.Err)
}

func TestRunIngestAllSucceed(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Now())
	runner := newTestRunner(clock, nil)

	def := Definition{
		Name:        "ingest_daily",
		Kind:        model.StageIngest,
		Concurrency: 2,
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			return nil
		},
	}

	outcome := runner.runIngest(context.Background(), def, model.DateRange{Start: 20260701, End: 20260703})
	assert.True(t, outcome.Success)
	assert.Equal(t, 3, outcome.RequestCount)
	assert.Zero(t, outcome.FailCount)
}

func TestRunIngestFreezesAtFirstFailure(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Now())
	runner := newTestRunner(clock, nil)

	wantErr := errors.New("upstream 500")
	def := Definition{
		Name: "ingest_daily",
		Kind: model.StageIngest,
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			if date == 20260702 {
				return wantErr
			}
			return nil
		},
	}

	outcome := runner.runIngest(context.Background(), def, model.DateRange{Start: 20260701, End: 20260703})
	assert.False(t, outcome.Success)
	assert.Equal(t, 1, outcome.FailCount)
	assert.ErrorIs(t, outcome.Err, wantErr)
	assert.Equal(t, model.TradeDate(20260701), outcome.LastSuccessDate)
}

func TestRunIngestFreezesAtFirstFailureOnFirstDateReportsNoSuccessDate(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Now())
	runner := newTestRunner(clock, nil)

	wantErr := errors.New("upstream 500")
	def := Definition{
		Name: "ingest_daily",
		Kind: model.StageIngest,
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			if date == 20260701 {
				return wantErr
			}
			return nil
		},
	}

	outcome := runner.runIngest(context.Background(), def, model.DateRange{Start: 20260701, End: 20260703})
	assert.False(t, outcome.Success)
	assert.Zero(t, outcome.LastSuccessDate)
}

func TestRunPartiallyAdvancesWatermarkOnMidRangeIngestFailure(t *testing.T) {
	// Mirrors the seed scenario: 20260701 and 20260702 succeed, 20260703
	// fails. A subsequent run must resume at 20260703, so Run has to leave
	// the watermark at 20260702 even though the stage overall failed.
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC))
	wmStore := storetest.NewFakeWatermarkStore()
	guard := storetest.NewFakeGuard()
	runner := New(clock, wmStore, guard, logger.Nop())

	wantErr := errors.New("upstream 500")
	def := Definition{
		Name:    "ingest_daily",
		Kind:    model.StageIngest,
		APIName: "daily",
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			if date == 20260703 {
				return wantErr
			}
			return nil
		},
	}

	outcome := runner.Run(context.Background(), def, model.DateRange{})
	assert.False(t, outcome.Success)

	value, ok := wmStore.Value("daily")
	require.True(t, ok, "watermark should have been partially advanced")
	assert.Equal(t, model.TradeDate(20260702), value)
	assert.Equal(t, model.StatusFailed, wmStore.Status("daily"))

	require.Len(t, guard.Closes, 1)
	assert.Equal(t, model.StatusFailed, guard.Closes[0].Status)
}

func TestRunLeavesWatermarkUnsetWhenFirstDateFails(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Date(2026, 7, 3, 0, 0, 0, 0, time.UTC))
	wmStore := storetest.NewFakeWatermarkStore()
	guard := storetest.NewFakeGuard()
	runner := New(clock, wmStore, guard, logger.Nop())

	wantErr := errors.New("upstream 500")
	def := Definition{
		Name:    "ingest_daily",
		Kind:    model.StageIngest,
		APIName: "daily",
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			if date == 20260701 {
				return wantErr
			}
			return nil
		},
	}

	outcome := runner.Run(context.Background(), def, model.DateRange{})
	assert.False(t, outcome.Success)

	_, ok := wmStore.Value("daily")
	assert.False(t, ok, "watermark must stay unset when nothing succeeded before the failure")
	assert.Equal(t, model.StatusFailed, wmStore.Status("daily"))
}

func TestRunIngestEmptyRangeSucceeds(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702}, time.Now())
	runner := newTestRunner(clock, nil)

	def := Definition{
		Name: "ingest_daily",
		Kind: model.StageIngest,
		Ingest: func(ctx context.Context, date model.TradeDate) error {
			t.Fatal("ingest must not be called for an empty window")
			return nil
		},
	}

	outcome := runner.runIngest(context.Background(), def, model.DateRange{Start: 20260705, End: 20260704})
	assert.True(t, outcome.Success)
}

func TestAdvanceChunkEndStopsWithinChunk(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703, 20260706, 20260707}, time.Now())
	runner := newTestRunner(clock, nil)

	end, err := runner.advanceChunkEnd(context.Background(), 20260701, 20260707, 2)
	require.NoError(t, err)
	assert.Equal(t, model.TradeDate(20260702), end)
}

func TestAdvanceChunkEndCapsAtHardEndWhenWindowIsShorterThanChunk(t *testing.T) {
	clock := fixedClock([]int{20260701, 20260702, 20260703}, time.Now())
	runner := newTestRunner(clock, nil)

	end, err := runner.advanceChunkEnd(context.Background(), 20260701, 20260703, 10)
	require.NoError(t, err)
	assert.Equal(t, model.TradeDate(20260703), end)
}

func TestRunChunkedFallsBackToSingleRunWhenChunkDaysIsZero(t *testing.T) {
	// An empty calendar makes resolveRange fail fast on TodayCap, before
	// Run ever reaches the guard/watermark collaborators this test leaves
	// nil — enough to observe that chunkDays<=0 degrades straight to Run
	// instead of entering the chunking loop.
	clock := fixedClock(nil, time.Now())
	runner := newTestRunner(clock, nil)

	def := Definition{Name: "standardize_daily", Kind: model.StageTransform}

	outcome := runner.RunChunked(context.Background(), def, model.DateRange{}, 0)
	assert.False(t, outcome.Success)
	assert.ErrorIs(t, outcome.Err, calendar.ErrEmptyCalendar)
}
