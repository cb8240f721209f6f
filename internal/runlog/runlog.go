// Package runlog implements the append-only Run Log plus the Retry
// Guard's single-flight and idempotency checks described in spec §4.6.
// It is grounded on three original_source scripts: log_run_start /
// log_run_end (etl/base/runtime.py) for the RUNNING->terminal state
// machine, stability_guard.py for the (task-name, idempotency-key)
// upsert-guard shape, and cleanup_meta_etl_run_log_zombies.py for the
// stale-RUNNING reclaim query — reused here both inline (before opening
// a run) and as the standalone ReapZombies operation.
package runlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/pkg/rediscache"
)

// DefaultZombieThreshold matches original_source's --threshold-minutes default.
const DefaultZombieThreshold = 2 * time.Hour

// Lock is the subset of rediscache.AdvisoryLock the guard depends on.
type Lock interface {
	TryAcquire(ctx context.Context, apiName string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, apiName string)
}

// Guard opens and closes Run Log entries and enforces single-flight plus
// idempotency-key skip semantics.
type Guard struct {
	pool            *pgxpool.Pool
	lock            Lock
	zombieThreshold time.Duration
}

// New builds a Guard. lock may be nil; a nil lock degrades to always
// granting the advisory acquisition, matching a disabled rediscache.Client.
func New(pool *pgxpool.Pool, lock Lock) *Guard {
	if lock == nil {
		lock = noopLock{}
	}
	return &Guard{pool: pool, lock: lock, zombieThreshold: DefaultZombieThreshold}
}

type noopLock struct{}

func (noopLock) TryAcquire(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (noopLock) Release(context.Context, string)                                {}

var _ Lock = (*rediscache.AdvisoryLock)(nil)

// WithZombieThreshold overrides the stale-RUNNING reclaim age.
func (g *Guard) WithZombieThreshold(d time.Duration) *Guard {
	g.zombieThreshold = d
	return g
}

// AlreadySatisfied reports whether (taskName, idempotencyKey) already has
// a SUCCESS row in the Retry Guard, meaning the caller should skip the run.
func (g *Guard) AlreadySatisfied(ctx context.Context, taskName, idempotencyKey string) (bool, error) {
	var status model.WatermarkStatus
	err := g.pool.QueryRow(ctx,
		`SELECT status FROM meta_retry_guard WHERE task_name = $1 AND idempotency_key = $2`,
		taskName, idempotencyKey,
	).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, model.NewError(model.CategoryStoreWrite, fmt.Errorf("check retry guard: %w", err))
	}
	return status == model.StatusSuccess, nil
}

// UpsertGuard records the current attempt's status against the
// (task-name, idempotency-key) pair, following stability_guard.py's
// upsert_guard shape.
func (g *Guard) UpsertGuard(ctx context.Context, taskName, idempotencyKey string, status model.WatermarkStatus, attempt, timeoutSec int, errMsg string) error {
	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}
	_, err := g.pool.Exec(ctx,
		`INSERT INTO meta_retry_guard
		   (task_name, idempotency_key, status, attempt, started_at, finished_at, timeout_sec, err_msg)
		 VALUES ($1, $2, $3, $4, now(), NULL, $5, $6)
		 ON CONFLICT (task_name, idempotency_key) DO UPDATE SET
		   status = EXCLUDED.status,
		   attempt = EXCLUDED.attempt,
		   timeout_sec = EXCLUDED.timeout_sec,
		   err_msg = EXCLUDED.err_msg,
		   started_at = CASE WHEN EXCLUDED.status = 'RUNNING' THEN now() ELSE meta_retry_guard.started_at END,
		   finished_at = CASE WHEN EXCLUDED.status IN ('SUCCESS', 'FAILED') THEN now() ELSE meta_retry_guard.finished_at END`,
		taskName, idempotencyKey, string(status), attempt, timeoutSec, errArg,
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("upsert retry guard: %w", err))
	}
	return nil
}

// Open reclaims zombie RUNNING rows for apiName, rejects a genuinely-live
// concurrent run, takes the advisory lock, then writes a new RUNNING row
// and returns its id.
func (g *Guard) Open(ctx context.Context, apiName, runType string) (int64, error) {
	if err := g.reclaimZombiesForAPI(ctx, apiName); err != nil {
		return 0, err
	}

	var liveCount int
	err := g.pool.QueryRow(ctx,
		`SELECT count(*) FROM meta_etl_run_log WHERE api_name = $1 AND status = 'RUNNING'`,
		apiName,
	).Scan(&liveCount)
	if err != nil {
		return 0, model.NewError(model.CategoryStoreWrite, fmt.Errorf("check live runs for %q: %w", apiName, err))
	}
	if liveCount > 0 {
		return 0, model.NewError(model.CategoryConcurrentRun, &model.ConcurrentRunError{APIName: apiName})
	}

	acquired, err := g.lock.TryAcquire(ctx, apiName, g.zombieThreshold)
	if err != nil {
		return 0, err
	}
	if !acquired {
		return 0, model.NewError(model.CategoryConcurrentRun, &model.ConcurrentRunError{APIName: apiName})
	}

	var id int64
	err = g.pool.QueryRow(ctx,
		`INSERT INTO meta_etl_run_log (api_name, run_type, start_at, status) VALUES ($1, $2, now(), 'RUNNING') RETURNING id`,
		apiName, runType,
	).Scan(&id)
	if err != nil {
		g.lock.Release(ctx, apiName)
		return 0, model.NewError(model.CategoryStoreWrite, fmt.Errorf("open run log for %q: %w", apiName, err))
	}
	return id, nil
}

// Close writes the terminal status for runID and releases the advisory lock.
func (g *Guard) Close(ctx context.Context, apiName string, runID int64, status model.WatermarkStatus, requestCount, failCount int, errText string) error {
	defer g.lock.Release(ctx, apiName)

	var errArg interface{}
	if errText != "" {
		errArg = truncate(errText, 4000)
	}
	_, err := g.pool.Exec(ctx,
		`UPDATE meta_etl_run_log SET end_at = now(), status = $1, request_count = $2, fail_count = $3, error_text = $4 WHERE id = $5`,
		string(status), requestCount, failCount, errArg, runID,
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("close run log %d: %w", runID, err))
	}
	return nil
}

// reclaimZombiesForAPI flips stale RUNNING rows for one api-name to
// FAILED, called inline right before a new run opens.
func (g *Guard) reclaimZombiesForAPI(ctx context.Context, apiName string) error {
	_, err := g.pool.Exec(ctx,
		`UPDATE meta_etl_run_log
		   SET status = 'FAILED', end_at = COALESCE(end_at, now()), error_text = 'zombie-reclaimed'
		 WHERE api_name = $1 AND status = 'RUNNING' AND start_at < now() - $2::interval`,
		apiName, g.zombieThreshold.String(),
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("reclaim zombies for %q: %w", apiName, err))
	}
	return nil
}

// ZombieReport summarizes the standalone dry-run reclaim tool's findings,
// mirroring cleanup_meta_etl_run_log_zombies.py's console output.
type ZombieReport struct {
	ThresholdMinutes int
	StaleByAPI       map[string]int
	Applied          bool
	RowsUpdated      int
}

// ReapZombies is the supplemented standalone operation: it scans every
// api-name for stale RUNNING rows and, when apply is true, flips them to
// FAILED; otherwise it only reports what it would change.
func ReapZombies(ctx context.Context, pool *pgxpool.Pool, threshold time.Duration, limit int, apply bool) (ZombieReport, error) {
	report := ZombieReport{ThresholdMinutes: int(threshold.Minutes()), StaleByAPI: map[string]int{}}

	query := `SELECT id, api_name FROM meta_etl_run_log
	          WHERE status = 'RUNNING' AND start_at < now() - $1::interval ORDER BY id`
	rows, err := pool.Query(ctx, query, threshold.String())
	if err != nil {
		return report, model.NewError(model.CategoryStoreWrite, fmt.Errorf("scan zombie run log rows: %w", err))
	}
	var ids []int64
	var apiNames []string
	for rows.Next() {
		var id int64
		var apiName string
		if err := rows.Scan(&id, &apiName); err != nil {
			rows.Close()
			return report, model.NewError(model.CategoryStoreWrite, fmt.Errorf("scan zombie row: %w", err))
		}
		ids = append(ids, id)
		apiNames = append(apiNames, apiName)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, model.NewError(model.CategoryStoreWrite, err)
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
		apiNames = apiNames[:limit]
	}
	for _, apiName := range apiNames {
		report.StaleByAPI[apiName]++
	}
	if len(ids) == 0 || !apply {
		report.Applied = false
		return report, nil
	}

	tag, err := pool.Exec(ctx,
		`UPDATE meta_etl_run_log
		   SET status = 'FAILED', end_at = COALESCE(end_at, now()),
		       error_text = CASE WHEN error_text IS NULL OR error_text = '' THEN $1 ELSE error_text || ' ' || $1 END
		 WHERE id = ANY($2)`,
		fmt.Sprintf("[AUTO_CLEANUP %dm stale RUNNING]", report.ThresholdMinutes), ids,
	)
	if err != nil {
		return report, model.NewError(model.CategoryStoreWrite, fmt.Errorf("apply zombie reclaim: %w", err))
	}
	report.Applied = true
	report.RowsUpdated = int(tag.RowsAffected())
	return report, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
