// Package pipeline implements the Pipeline Coordinator of spec §4.8: an
// ordered list of Stages with a per-stage strict/lenient failure policy,
// inter-stage readiness checks, and today-only lenience for late-arriving
// feature APIs. The three named pipelines (afternoon core, evening
// enhancement, T+1 morning) are data — StagePlan values assembled by the
// CLI layer — not separate hardcoded code paths, per spec §4.8.
package pipeline

import (
	"context"
	"time"

	"github.com/ashare-data/etld/internal/calendar"
	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/stage"
	"github.com/ashare-data/etld/internal/watermark"
	"github.com/ashare-data/etld/pkg/logger"
)

// StagePlan pairs a Stage Definition with its failure policy and, for
// readiness checks, the upstream api-name/table it depends on.
type StagePlan struct {
	Definition   stage.Definition
	Policy       model.FailurePolicy
	ReadinessDep string // api-name whose watermark gates this stage; empty if none

	// ReadinessLagHrs is this stage's upstream feature-API readiness lag
	// (spec §4.8 today-only lenience). A zero value disables the lenience
	// check for this stage — only feature APIs that can legitimately miss
	// "today" should set it.
	ReadinessLagHrs int

	// ChunkDays, when set on an ingest stage, runs it through
	// stage.Runner.RunChunked instead of Run, for long backfills. Zero
	// disables chunking.
	ChunkDays int
}

// Definition is an ordered, named sequence of StagePlans.
type Definition struct {
	Name   string
	Stages []StagePlan
}

// StageSummary is the structured per-stage report the Coordinator emits.
type StageSummary struct {
	StageName    string
	Policy       model.FailurePolicy
	ReadinessMet bool
	Outcome      stage.Outcome
	Duration     time.Duration
	Aborted      bool // true if the pipeline stopped because of this stage
}

// Summary is the terminal summary event emitted once per pipeline run.
type Summary struct {
	PipelineName string
	Stages       []StageSummary
	Success      bool
}

// Notifier receives the terminal Summary; the CLI layer supplies a
// concrete implementation (stdout, webhook, etc).
type Notifier interface {
	Notify(ctx context.Context, summary Summary)
}

// NopNotifier discards summaries; used when no notification collaborator
// is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Summary) {}

// Coordinator executes Pipeline Definitions.
type Coordinator struct {
	runner     *stage.Runner
	watermarks *watermark.Store
	clock      *calendar.Clock
	log        *logger.Logger
	notifier   Notifier
}

// New builds a Coordinator. notifier may be nil, defaulting to NopNotifier.
func New(runner *stage.Runner, watermarks *watermark.Store, clock *calendar.Clock, log *logger.Logger, notifier Notifier) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Coordinator{runner: runner, watermarks: watermarks, clock: clock, log: log, notifier: notifier}
}

// Run executes def's stages sequentially. override applies to every
// stage's date-range resolution. marketCloseOffset is how long after
// market close "now" is, used for today-only lenience.
func (c *Coordinator) Run(ctx context.Context, def Definition, override model.DateRange, marketCloseOffset time.Duration) Summary {
	summary := Summary{PipelineName: def.Name, Success: true}

	for _, plan := range def.Stages {
		start := time.Now()

		ready, readinessErr := c.checkReadiness(ctx, plan, override)
		stageSummary := StageSummary{StageName: plan.Definition.Name, Policy: plan.Policy, ReadinessMet: ready}

		if !ready {
			if plan.Policy == model.PolicyStrict {
				stageSummary.Outcome = stage.Outcome{StageName: plan.Definition.Name, Success: false, Err: readinessErr}
				stageSummary.Aborted = true
				stageSummary.Duration = time.Since(start)
				summary.Stages = append(summary.Stages, stageSummary)
				summary.Success = false
				c.notifier.Notify(ctx, summary)
				return summary
			}
			stageSummary.Outcome = stage.Outcome{StageName: plan.Definition.Name, Skipped: true, Success: true, Err: readinessErr}
			stageSummary.Duration = time.Since(start)
			summary.Stages = append(summary.Stages, stageSummary)
			c.log.WithFields(map[string]interface{}{"stage": plan.Definition.Name}).Warn("stage skipped: readiness not met")
			continue
		}

		var outcome stage.Outcome
		if plan.ChunkDays > 0 {
			outcome = c.runner.RunChunked(ctx, plan.Definition, override, plan.ChunkDays)
		} else {
			outcome = c.runner.Run(ctx, plan.Definition, override)
		}
		stageSummary.Outcome = outcome
		stageSummary.Duration = time.Since(start)

		if !outcome.Success && isTodayOnlyLenient(plan, outcome, marketCloseOffset) {
			if today, err := c.clock.TodayCap(ctx); err == nil && outcome.DateRange.End == today {
				c.log.WithFields(map[string]interface{}{"stage": plan.Definition.Name}).
					Warn("today-only lenience: downgrading missing today row to warning")
				outcome.Success = true
				stageSummary.Outcome = outcome
			}
		}

		summary.Stages = append(summary.Stages, stageSummary)

		if !outcome.Success {
			if plan.Policy == model.PolicyStrict {
				summary.Stages[len(summary.Stages)-1].Aborted = true
				summary.Success = false
				c.notifier.Notify(ctx, summary)
				return summary
			}
			c.log.WithFields(map[string]interface{}{"stage": plan.Definition.Name, "error": outcome.Err}).
				Warn("lenient stage failed, continuing pipeline")
		}
	}

	c.notifier.Notify(ctx, summary)
	return summary
}

// checkReadiness verifies the declared ReadinessDep's watermark has
// reached this stage's target range start, per spec §4.8. The target
// start is resolved the same way the stage itself would resolve it
// (current watermark + 1, intersected with override), not just gated on
// whether an explicit --start-date override was supplied — a bare
// incremental run (no override) must still check readiness against the
// stage's own next-unprocessed date.
func (c *Coordinator) checkReadiness(ctx context.Context, plan StagePlan, override model.DateRange) (bool, error) {
	if plan.ReadinessDep == "" {
		return true, nil
	}
	target, err := c.runner.ResolveRange(ctx, plan.Definition, override)
	if err != nil {
		return false, err
	}
	if target.Empty() {
		return true, nil
	}
	wm, exists, err := c.watermarks.Read(ctx, plan.ReadinessDep)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}
	if wm.Value < target.Start {
		return false, nil
	}
	return true, nil
}

// isTodayOnlyLenient applies spec §4.8's "today-only lenience": when a
// feature API's upstream readiness lag exceeds (now - market-close), a
// missing "today" row is downgraded from error to warning under lenient
// mode. Only a failed ingest/check stage whose outcome touched a single
// day is eligible here; Run additionally requires that day to be the
// calendar's today-cap before downgrading.
func isTodayOnlyLenient(plan StagePlan, outcome stage.Outcome, marketCloseOffset time.Duration) bool {
	if plan.Policy != model.PolicyLenient || plan.ReadinessLagHrs <= 0 {
		return false
	}
	if plan.Definition.Kind != model.StageIngest && plan.Definition.Kind != model.StageCheck {
		return false
	}
	if outcome.DateRange.Start != outcome.DateRange.End {
		return false
	}
	lag := time.Duration(plan.ReadinessLagHrs) * time.Hour
	return marketCloseOffset < lag
}
