// Package stage implements the Stage Runner described in spec §4.7: it
// resolves the effective date range for one logical stage, opens a Run
// Log entry through the Guard, dispatches to the stage's ingest/
// transform/check function, and advances (or freezes) the watermark.
// Ingest fan-out uses golang.org/x/sync/errgroup bounded via SetLimit,
// replacing the teacher's hand-rolled worker-pool-plus-channel pattern in
// internal/s0_data/collector/collector.go with the ecosystem idiom while
// keeping its per-item error-collection semantics.
package stage

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ashare-data/etld/internal/calendar"
	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/runlog"
	"github.com/ashare-data/etld/internal/watermark"
	"github.com/ashare-data/etld/pkg/logger"
)

// IngestFunc fetches and writes data for a single trading day. Ingest
// stages call it once per date, in strictly ascending order.
type IngestFunc func(ctx context.Context, date model.TradeDate) error

// TransformFunc reads lower layers and writes upper layers for the
// resolved date range as a whole.
type TransformFunc func(ctx context.Context, dateRange model.DateRange) error

// CheckFunc runs assertions for the resolved date range and returns a
// human-readable detail string; failures are signalled via error.
type CheckFunc func(ctx context.Context, dateRange model.DateRange) (detail string, err error)

// Watermarks is the subset of watermark.Store the Runner depends on,
// narrowed to an interface so tests can exercise Run's partial-advance
// behavior against an in-memory fake instead of a real pool.
type Watermarks interface {
	Read(ctx context.Context, apiName string) (model.Watermark, bool, error)
	Advance(ctx context.Context, apiName string, newValue, todayCap model.TradeDate) error
	MarkFailed(ctx context.Context, apiName string, cause error) error
}

// Guard is the subset of runlog.Guard the Runner depends on.
type Guard interface {
	Open(ctx context.Context, apiName, runType string) (int64, error)
	Close(ctx context.Context, apiName string, runID int64, status model.WatermarkStatus, requestCount, failCount int, errText string) error
}

// Definition describes one Stage: its kind, dependencies, and execution
// function. Exactly one of Ingest/Transform/Check must be set, matching Kind.
type Definition struct {
	Name       string
	Kind       model.StageKind
	APIName    string // watermark key this stage reads/advances
	Dependency string // upstream api-name whose watermark gates readiness; empty if none
	Concurrency int   // ingest worker pool size; 0 defaults to 1

	Ingest    IngestFunc
	Transform TransformFunc
	Check     CheckFunc
}

// Outcome summarizes one stage execution for the Pipeline Coordinator.
type Outcome struct {
	StageName   string
	DateRange   model.DateRange
	Skipped     bool
	Success     bool
	Err         error
	Detail      string
	RequestCount int
	FailCount   int

	// LastSuccessDate is the last date an ingest stage processed
	// successfully before a failure, in ascending-contiguous order. Zero
	// means no date succeeded before the failure. Only set on a failed
	// ingest Outcome; transform/check stages fail or succeed as one unit.
	LastSuccessDate model.TradeDate
}

// Runner executes one Definition at a time.
type Runner struct {
	clock      *calendar.Clock
	watermarks Watermarks
	guard      Guard
	log        *logger.Logger
}

// New builds a Runner.
func New(clock *calendar.Clock, watermarks Watermarks, guard Guard, log *logger.Logger) *Runner {
	return &Runner{clock: clock, watermarks: watermarks, guard: guard, log: log}
}

var (
	_ Watermarks = (*watermark.Store)(nil)
	_ Guard      = (*runlog.Guard)(nil)
)

// Run resolves the stage's effective date range, opens its Run Log entry,
// dispatches by kind, and settles the watermark. override, when non-empty,
// intersects with (watermark-current+1, today_cap].
func (r *Runner) Run(ctx context.Context, def Definition, override model.DateRange) Outcome {
	dateRange, err := r.resolveRange(ctx, def, override)
	if err != nil {
		return Outcome{StageName: def.Name, Success: false, Err: err}
	}
	if dateRange.Empty() {
		return Outcome{StageName: def.Name, DateRange: dateRange, Skipped: true, Success: true}
	}

	runID, err := r.guard.Open(ctx, def.APIName, string(def.Kind))
	if err != nil {
		return Outcome{StageName: def.Name, DateRange: dateRange, Success: false, Err: err}
	}

	outcome := r.dispatch(ctx, def, dateRange)

	if outcome.Success {
		if err := r.watermarks.Advance(ctx, def.APIName, dateRange.End, mustTodayCap(ctx, r.clock)); err != nil {
			outcome.Success = false
			outcome.Err = err
		}
	} else if outcome.LastSuccessDate != 0 {
		// An ingest stage that failed partway through still processed a
		// contiguous prefix; advance the watermark to the boundary so a
		// re-run resumes at the failing date instead of reprocessing rows
		// that already landed (spec §4.7, Testable Property #5, Scenario B).
		if err := r.watermarks.Advance(ctx, def.APIName, outcome.LastSuccessDate, mustTodayCap(ctx, r.clock)); err != nil {
			r.log.WithError(err).Warn("failed to partially advance watermark after ingest failure")
		}
	}

	status := model.StatusSuccess
	errText := ""
	if !outcome.Success {
		status = model.StatusFailed
		if outcome.Err != nil {
			errText = outcome.Err.Error()
		}
		if markErr := r.watermarks.MarkFailed(ctx, def.APIName, outcome.Err); markErr != nil {
			r.log.WithError(markErr).Warn("failed to mark watermark failed after stage error")
		}
	}

	if closeErr := r.guard.Close(ctx, def.APIName, runID, status, outcome.RequestCount, outcome.FailCount, errText); closeErr != nil {
		r.log.WithError(closeErr).Warn("failed to close run log entry")
	}

	outcome.StageName = def.Name
	outcome.DateRange = dateRange
	return outcome
}

// RunChunked backfills def over override in chunkDays-sized windows instead
// of running the whole range as one stage execution. Each chunk goes through
// the normal Run path (its own Run Log entry, its own watermark advance), so
// a failure partway through a backfill leaves the watermark at the last date
// that succeeded before the failure (Run's partial advance applies inside
// the failing chunk) and a re-run resumes from there. Finding each chunk's
// end still lists the trading days from the chunk start to override.End.
// chunkDays <= 0, or an override without both Start and End set, is treated
// as a single unchunked Run.
func (r *Runner) RunChunked(ctx context.Context, def Definition, override model.DateRange, chunkDays int) Outcome {
	if chunkDays <= 0 || override.Start == 0 || override.End == 0 {
		return r.Run(ctx, def, override)
	}

	var last Outcome
	requestCount, failCount := 0, 0
	for start := override.Start; start <= override.End; {
		end, err := r.advanceChunkEnd(ctx, start, override.End, chunkDays)
		if err != nil {
			return Outcome{StageName: def.Name, Success: false, Err: err}
		}

		last = r.Run(ctx, def, model.DateRange{Start: start, End: end})
		requestCount += last.RequestCount
		failCount += last.FailCount
		if !last.Success {
			last.RequestCount = requestCount
			last.FailCount = failCount
			return last
		}

		next, err := r.clock.NextTradingDay(ctx, end)
		if err != nil {
			return Outcome{StageName: def.Name, Success: false, Err: err}
		}
		if next <= end {
			break // no trading day past end; calendar horizon exhausted
		}
		start = next
	}

	last.RequestCount = requestCount
	last.FailCount = failCount
	return last
}

// advanceChunkEnd walks forward from start by chunkDays trading days,
// capped at hardEnd.
func (r *Runner) advanceChunkEnd(ctx context.Context, start, hardEnd model.TradeDate, chunkDays int) (model.TradeDate, error) {
	dates, err := r.clock.TradingDaysBetween(ctx, start, hardEnd)
	if err != nil {
		return 0, err
	}
	if len(dates) == 0 {
		return hardEnd, nil
	}
	if len(dates) <= chunkDays {
		return hardEnd, nil
	}
	return dates[chunkDays-1], nil
}

func mustTodayCap(ctx context.Context, clock *calendar.Clock) model.TradeDate {
	today, err := clock.TodayCap(ctx)
	if err != nil {
		return 0
	}
	return today
}

// ResolveRange exposes resolveRange to callers outside the package, such
// as the Pipeline Coordinator's readiness check, which needs to know a
// downstream stage's actual target range rather than just its watermark's
// existence.
func (r *Runner) ResolveRange(ctx context.Context, def Definition, override model.DateRange) (model.DateRange, error) {
	return r.resolveRange(ctx, def, override)
}

// resolveRange computes [current-watermark+1, today_cap] intersected with
// override, per spec §4.5/§4.7. An unset override leaves the bound open.
func (r *Runner) resolveRange(ctx context.Context, def Definition, override model.DateRange) (model.DateRange, error) {
	todayCap, err := r.clock.TodayCap(ctx)
	if err != nil {
		return model.DateRange{}, model.NewError(model.CategoryPreconditionFailed, fmt.Errorf("resolve today-cap: %w", err))
	}

	wm, exists, err := r.watermarks.Read(ctx, def.APIName)
	if err != nil {
		return model.DateRange{}, err
	}

	start := model.TradeDate(0)
	if exists {
		next, err := r.clock.NextTradingDay(ctx, wm.Value)
		if err != nil {
			return model.DateRange{}, model.NewError(model.CategoryPreconditionFailed, fmt.Errorf("resolve next trading day after watermark: %w", err))
		}
		start = next
	}

	end := todayCap
	if override.Start != 0 && override.Start > start {
		start = override.Start
	}
	if override.End != 0 && override.End < end {
		end = override.End
	}

	return model.DateRange{Start: start, End: end}, nil
}

func (r *Runner) dispatch(ctx context.Context, def Definition, dateRange model.DateRange) Outcome {
	switch def.Kind {
	case model.StageIngest:
		return r.runIngest(ctx, def, dateRange)
	case model.StageTransform:
		if err := def.Transform(ctx, dateRange); err != nil {
			return Outcome{Success: false, Err: err}
		}
		return Outcome{Success: true}
	case model.StageCheck:
		detail, err := def.Check(ctx, dateRange)
		if err != nil {
			return Outcome{Success: false, Err: err, Detail: detail}
		}
		return Outcome{Success: true, Detail: detail}
	default:
		return Outcome{Success: false, Err: fmt.Errorf("stage %q: unknown kind %q", def.Name, def.Kind)}
	}
}

// runIngest processes dateRange date-by-date in strictly ascending order.
// A failure on date D freezes the watermark at D-1 by reporting D-1 as
// Outcome.LastSuccessDate; Run advances the watermark to that boundary
// even though the stage as a whole failed, so a re-run resumes at D.
func (r *Runner) runIngest(ctx context.Context, def Definition, dateRange model.DateRange) Outcome {
	dates, err := r.clock.TradingDaysBetween(ctx, dateRange.Start, dateRange.End)
	if err != nil {
		return Outcome{Success: false, Err: err}
	}
	if len(dates) == 0 {
		return Outcome{Success: true}
	}

	concurrency := def.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var firstFailure error
	requestCount := 0
	failIdx := -1

	// Ingest stages depend on strict per-date ascending order only insofar
	// as the watermark must freeze at the date before the first failure;
	// within that constraint, a bounded pool fetches several dates
	// concurrently and we locate the true "last good" boundary afterward.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	results := make([]error, len(dates))
	for i, d := range dates {
		i, d := i, d
		g.Go(func() error {
			err := def.Ingest(gctx, d)
			results[i] = err
			return nil // collect per-item errors instead of aborting the group
		})
	}
	_ = g.Wait()

	for i := range dates {
		requestCount++
		if results[i] != nil {
			firstFailure = results[i]
			failIdx = i
			break
		}
	}

	if firstFailure != nil {
		outcome := Outcome{Success: false, Err: firstFailure, RequestCount: requestCount, FailCount: 1}
		if failIdx > 0 {
			outcome.LastSuccessDate = dates[failIdx-1]
		}
		return outcome
	}
	return Outcome{Success: true, RequestCount: requestCount}
}
