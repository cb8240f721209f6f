// Package scheduler runs named ETL pipelines on a cron schedule. It is
// adapted from the teacher's internal/scheduler: the same job-registry-
// plus-retry-plus-history shape, but a Job here always means "run one
// pipeline.Definition through the Coordinator" rather than an arbitrary
// closure — the ETL engine has exactly one kind of scheduled work.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/pipeline"
	"github.com/ashare-data/etld/pkg/logger"
)

// Job is one scheduled pipeline run.
type Job struct {
	Name              string
	CronSpec          string
	Definition        pipeline.Definition
	MarketCloseOffset time.Duration
}

// Result is one job execution's outcome, retained in JobHistory.
type Result struct {
	RunID     string
	JobName   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Success   bool
	Error     string
}

// JobHistory keeps the most recent results for one job.
type JobHistory struct {
	Results []Result
}

func (h *JobHistory) add(r Result) {
	h.Results = append(h.Results, r)
	if len(h.Results) > 100 {
		h.Results = h.Results[len(h.Results)-100:]
	}
}

// SuccessRate returns the fraction of retained results that succeeded.
func (h *JobHistory) SuccessRate() float64 {
	if len(h.Results) == 0 {
		return 0
	}
	success := 0
	for _, r := range h.Results {
		if r.Success {
			success++
		}
	}
	return float64(success) / float64(len(h.Results))
}

// Scheduler runs registered Jobs on their cron schedules.
type Scheduler struct {
	cron        *cron.Cron
	coordinator *pipeline.Coordinator
	log         *logger.Logger

	mu      sync.RWMutex
	jobs    map[string]Job
	history map[string]*JobHistory

	maxRetries int
	retryDelay time.Duration
}

// New builds a Scheduler bound to coordinator, the shared Pipeline
// Coordinator every job runs through.
func New(coordinator *pipeline.Coordinator, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cron:        cron.New(),
		coordinator: coordinator,
		log:         log,
		jobs:        make(map[string]Job),
		history:     make(map[string]*JobHistory),
		maxRetries:  1,
		retryDelay:  2 * time.Minute,
	}
}

// AddJob registers job on its cron schedule.
func (s *Scheduler) AddJob(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("job %s already registered", job.Name)
	}

	_, err := s.cron.AddFunc(job.CronSpec, func() {
		s.runJob(job)
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", job.Name, err)
	}

	s.jobs[job.Name] = job
	s.history[job.Name] = &JobHistory{}
	s.log.WithFields(map[string]interface{}{"job": job.Name, "schedule": job.CronSpec}).Info("job registered")
	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop drains in-flight jobs and stops the cron loop.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// RunNow triggers jobName immediately, outside its schedule.
func (s *Scheduler) RunNow(jobName string) error {
	s.mu.RLock()
	job, ok := s.jobs[jobName]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("job %s not found", jobName)
	}
	go s.runJob(job)
	return nil
}

// JobNames lists every registered job.
func (s *Scheduler) JobNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	return names
}

// History returns jobName's retained execution history.
func (s *Scheduler) History(jobName string) (*JobHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[jobName]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobName)
	}
	return h, nil
}

func (s *Scheduler) runJob(job Job) {
	runID := uuid.New().String()
	start := time.Now()
	s.log.WithFields(map[string]interface{}{"job": job.Name, "run_id": runID}).Info("job started")

	var summary pipeline.Summary
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		summary = s.coordinator.Run(context.Background(), job.Definition, model.DateRange{}, job.MarketCloseOffset)
		if summary.Success {
			break
		}
		if attempt < s.maxRetries {
			s.log.WithFields(map[string]interface{}{"job": job.Name, "run_id": runID, "attempt": attempt + 1}).Warn("pipeline run failed, retrying")
			time.Sleep(s.retryDelay)
		}
	}

	end := time.Now()
	result := Result{RunID: runID, JobName: job.Name, StartTime: start, EndTime: end, Duration: end.Sub(start), Success: summary.Success}
	if !summary.Success {
		result.Error = summaryError(summary)
	}

	s.mu.Lock()
	s.history[job.Name].add(result)
	s.mu.Unlock()

	if summary.Success {
		s.log.WithFields(map[string]interface{}{"job": job.Name, "duration": result.Duration}).Info("job completed")
	} else {
		s.log.WithFields(map[string]interface{}{"job": job.Name, "duration": result.Duration, "error": result.Error}).Error("job failed after retries")
	}
}

func summaryError(summary pipeline.Summary) string {
	for _, s := range summary.Stages {
		if s.Outcome.Err != nil {
			return fmt.Sprintf("stage %s: %v", s.StageName, s.Outcome.Err)
		}
	}
	return "pipeline failed"
}
