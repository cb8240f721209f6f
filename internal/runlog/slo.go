package runlog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// SLOReport summarizes meta_etl_run_log health over a trailing window,
// grounded on original_source's batch_slo_dashboard.py.
type SLOReport struct {
	WindowHours    int
	TotalRuns      int
	SuccessRuns    int
	SuccessRatePct float64
	P95DurationSec float64
	BacklogRunning int
}

// SLOThresholds are the breach thresholds a SLOReport is checked against.
type SLOThresholds struct {
	SuccessRatePct float64
	P95Sec         float64
	Backlog        int
}

// DefaultSLOThresholds matches batch_slo_dashboard.py's argparse defaults.
var DefaultSLOThresholds = SLOThresholds{SuccessRatePct: 99.0, P95Sec: 1800.0, Backlog: 3}

// Breaches reports a human-readable line for every threshold r violates.
func (r SLOReport) Breaches(t SLOThresholds) []string {
	var out []string
	if r.TotalRuns > 0 && r.SuccessRatePct < t.SuccessRatePct {
		out = append(out, fmt.Sprintf("success rate %.2f%% below threshold %.2f%%", r.SuccessRatePct, t.SuccessRatePct))
	}
	if r.P95DurationSec > t.P95Sec {
		out = append(out, fmt.Sprintf("p95 duration %.1fs above threshold %.1fs", r.P95DurationSec, t.P95Sec))
	}
	if r.BacklogRunning > t.Backlog {
		out = append(out, fmt.Sprintf("backlog %d RUNNING rows above threshold %d", r.BacklogRunning, t.Backlog))
	}
	return out
}

// ComputeSLO scans every run started within the trailing window and
// aggregates success rate, P95 duration, and RUNNING backlog.
func ComputeSLO(ctx context.Context, pool *pgxpool.Pool, window time.Duration) (SLOReport, error) {
	report := SLOReport{WindowHours: int(window.Hours())}
	since := time.Now().Add(-window)

	rows, err := pool.Query(ctx,
		`SELECT status, EXTRACT(EPOCH FROM (COALESCE(end_at, now()) - start_at))
		   FROM meta_etl_run_log WHERE start_at >= $1`,
		since,
	)
	if err != nil {
		return report, model.NewError(model.CategoryStoreWrite, fmt.Errorf("scan run log for SLO window: %w", err))
	}
	defer rows.Close()

	var durations []float64
	for rows.Next() {
		var status model.WatermarkStatus
		var durationSec float64
		if err := rows.Scan(&status, &durationSec); err != nil {
			return report, model.NewError(model.CategoryStoreWrite, fmt.Errorf("scan SLO row: %w", err))
		}
		report.TotalRuns++
		switch status {
		case model.StatusSuccess:
			report.SuccessRuns++
			durations = append(durations, durationSec)
		case model.StatusFailed:
			durations = append(durations, durationSec)
		case model.StatusRunning:
			report.BacklogRunning++
		}
	}
	if err := rows.Err(); err != nil {
		return report, model.NewError(model.CategoryStoreWrite, err)
	}

	if report.TotalRuns > 0 {
		report.SuccessRatePct = float64(report.SuccessRuns) / float64(report.TotalRuns) * 100
	} else {
		report.SuccessRatePct = 100
	}
	report.P95DurationSec = percentile95(durations)
	return report, nil
}

// percentile95 follows batch_slo_dashboard.py's inclusive-quantile method.
func percentile95(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) == 1 {
		return values[0]
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	rank := 0.95 * float64(len(sorted)-1)
	lo := int(rank)
	frac := rank - float64(lo)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	return sorted[lo] + frac*(sorted[lo+1]-sorted[lo])
}
