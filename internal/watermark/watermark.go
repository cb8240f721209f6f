// Package watermark implements the per-API cursor store described in
// spec §4.5. SQL shape follows original_source's ensure_watermark /
// update_watermark / get_watermark against meta_etl_watermark, ported
// from MySQL's ON DUPLICATE KEY UPDATE to Postgres's ON CONFLICT, with a
// read-through WatermarkCache layered in front of Read.
package watermark

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/pkg/rediscache"
)

// Cache is the subset of rediscache.WatermarkCache the store depends on.
type Cache interface {
	Get(ctx context.Context, apiName string) (model.TradeDate, bool)
	Set(ctx context.Context, apiName string, value model.TradeDate)
	Invalidate(ctx context.Context, apiName string)
}

// Store persists Watermark rows.
type Store struct {
	pool  *pgxpool.Pool
	cache Cache
}

// New builds a Store. cache may be nil, in which case Read always goes to
// the pool — the caller passes rediscache.NewWatermarkCache built over a
// possibly-disabled Client, so a nil-check here is only for tests.
func New(pool *pgxpool.Pool, cache Cache) *Store {
	if cache == nil {
		cache = noopCache{}
	}
	return &Store{pool: pool, cache: cache}
}

type noopCache struct{}

func (noopCache) Get(context.Context, string) (model.TradeDate, bool) { return 0, false }
func (noopCache) Set(context.Context, string, model.TradeDate)        {}
func (noopCache) Invalidate(context.Context, string)                  {}

var _ Cache = (*rediscache.WatermarkCache)(nil)

// Read returns the current watermark row for apiName. A never-seen
// api-name returns a zero Watermark with ok=false.
func (s *Store) Read(ctx context.Context, apiName string) (model.Watermark, bool, error) {
	if cached, ok := s.cache.Get(ctx, apiName); ok {
		return model.Watermark{APIName: apiName, Value: cached, Status: model.StatusSuccess}, true, nil
	}

	var wm model.Watermark
	var lastErr *string
	err := s.pool.QueryRow(ctx,
		`SELECT api_name, water_mark, status, last_run_at, last_err FROM meta_etl_watermark WHERE api_name = $1`,
		apiName,
	).Scan(&wm.APIName, &wm.Value, &wm.Status, &wm.LastRunAt, &lastErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Watermark{}, false, nil
	}
	if err != nil {
		return model.Watermark{}, false, model.NewError(model.CategoryStoreWrite, fmt.Errorf("read watermark %q: %w", apiName, err))
	}
	if lastErr != nil {
		wm.LastErrText = *lastErr
	}
	if wm.Status == model.StatusSuccess {
		s.cache.Set(ctx, apiName, wm.Value)
	}
	return wm, true, nil
}

// Advance moves the watermark forward to newValue. It refuses to advance
// past todayCap or to a value not above the current one — the fix for the
// "watermark runs into the future" defect named in spec §4.5.
func (s *Store) Advance(ctx context.Context, apiName string, newValue, todayCap model.TradeDate) error {
	if newValue > todayCap {
		return model.NewError(model.CategoryPreconditionFailed,
			fmt.Errorf("refusing to advance watermark %q to %d beyond today-cap %d", apiName, newValue, todayCap))
	}

	current, exists, err := s.Read(ctx, apiName)
	if err != nil {
		return err
	}
	if exists && newValue <= current.Value {
		return model.NewError(model.CategoryPreconditionFailed,
			fmt.Errorf("refusing to advance watermark %q: new value %d <= current %d", apiName, newValue, current.Value))
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO meta_etl_watermark (api_name, water_mark, status, last_run_at, last_err)
		 VALUES ($1, $2, 'SUCCESS', now(), NULL)
		 ON CONFLICT (api_name) DO UPDATE SET
		   water_mark = EXCLUDED.water_mark, status = 'SUCCESS', last_run_at = now(), last_err = NULL`,
		apiName, int(newValue),
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("advance watermark %q: %w", apiName, err))
	}
	s.cache.Set(ctx, apiName, newValue)
	return nil
}

// MarkFailed records a failed run against the watermark row without
// moving the water-mark value.
func (s *Store) MarkFailed(ctx context.Context, apiName string, cause error) error {
	errText := truncate(cause.Error(), 2000)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meta_etl_watermark (api_name, water_mark, status, last_run_at, last_err)
		 VALUES ($1, 0, 'FAILED', now(), $2)
		 ON CONFLICT (api_name) DO UPDATE SET
		   status = 'FAILED', last_run_at = now(), last_err = EXCLUDED.last_err`,
		apiName, errText,
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("mark watermark %q failed: %w", apiName, err))
	}
	s.cache.Invalidate(ctx, apiName)
	return nil
}

// MarkRunning flags apiName as currently running, without changing its
// water-mark value.
func (s *Store) MarkRunning(ctx context.Context, apiName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO meta_etl_watermark (api_name, water_mark, status, last_run_at, last_err)
		 VALUES ($1, 0, 'RUNNING', now(), NULL)
		 ON CONFLICT (api_name) DO UPDATE SET status = 'RUNNING', last_run_at = now()`,
		apiName,
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("mark watermark %q running: %w", apiName, err))
	}
	s.cache.Invalidate(ctx, apiName)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
