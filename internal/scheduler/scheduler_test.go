package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashare-data/etld/internal/pipeline"
	"github.com/ashare-data/etld/pkg/logger"
)

func newTestScheduler() *Scheduler {
	coordinator := pipeline.New(nil, nil, nil, logger.Nop(), nil)
	return New(coordinator, logger.Nop())
}

func TestJobHistorySuccessRate(t *testing.T) {
	h := &JobHistory{}
	assert.Zero(t, h.SuccessRate(), "empty history has no rate")

	h.add(Result{Success: true})
	h.add(Result{Success: false})
	h.add(Result{Success: true})
	assert.InDelta(t, 2.0/3.0, h.SuccessRate(), 0.0001)
}

func TestJobHistoryCapsAt100(t *testing.T) {
	h := &JobHistory{}
	for i := 0; i < 150; i++ {
		h.add(Result{Success: true})
	}
	assert.Len(t, h.Results, 100)
}

func TestAddJobRejectsDuplicateName(t *testing.T) {
	s := newTestScheduler()
	job := Job{Name: "afternoon_core", CronSpec: "0 17 * * 1-5", Definition: pipeline.Definition{Name: "afternoon_core"}}

	require.NoError(t, s.AddJob(job))
	err := s.AddJob(job)
	assert.Error(t, err)
}

func TestAddJobRejectsInvalidCronSpec(t *testing.T) {
	s := newTestScheduler()
	job := Job{Name: "bad_job", CronSpec: "not a cron spec", Definition: pipeline.Definition{Name: "bad_job"}}
	assert.Error(t, s.AddJob(job))
}

func TestJobNamesListsRegisteredJobs(t *testing.T) {
	s := newTestScheduler()
	require.NoError(t, s.AddJob(Job{Name: "afternoon_core", CronSpec: "0 17 * * 1-5"}))
	require.NoError(t, s.AddJob(Job{Name: "evening_enhancement", CronSpec: "0 20 * * 1-5"}))

	names := s.JobNames()
	assert.ElementsMatch(t, []string{"afternoon_core", "evening_enhancement"}, names)
}

func TestHistoryUnknownJobErrors(t *testing.T) {
	s := newTestScheduler()
	_, err := s.History("does_not_exist")
	assert.Error(t, err)
}

func TestRunJobWithNoStagesSucceedsImmediately(t *testing.T) {
	s := newTestScheduler()
	job := Job{Name: "empty_pipeline", CronSpec: "0 17 * * 1-5", Definition: pipeline.Definition{Name: "empty_pipeline"}}
	require.NoError(t, s.AddJob(job))

	s.runJob(job)

	hist, err := s.History("empty_pipeline")
	require.NoError(t, err)
	require.Len(t, hist.Results, 1)
	assert.True(t, hist.Results[0].Success)
	assert.NotEmpty(t, hist.Results[0].RunID)
}

func TestSummaryErrorFallsBackWhenNoStageHasError(t *testing.T) {
	assert.Equal(t, "pipeline failed", summaryError(pipeline.Summary{Success: false}))
}

func TestSchedulerStartStopIsSafe(t *testing.T) {
	s := newTestScheduler()
	s.Start()
	time.Sleep(5 * time.Millisecond)
	s.Stop()
}
