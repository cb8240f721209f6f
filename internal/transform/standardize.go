// Package transform implements the small set of concrete DWD-layer
// transforms this engine ships out of the box. Spec scope treats the
// domain transformations themselves as pluggable stage functions (the
// specific scoring formulas and point-in-time joins are a collaborator's
// concern), but the "standardize" step from an ODS table into its DWD
// counterpart is simple and stable enough to ground here directly,
// following original_source's etl/dwd/runner.py load_dwd_* shape.
package transform

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// Standardizer copies one ODS table's rows into its DWD counterpart for a
// date range, keeping column names and replacing out-of-range valuation
// ratios with NULL.
type Standardizer struct {
	pool *pgxpool.Pool
}

// New builds a Standardizer.
func New(pool *pgxpool.Pool) *Standardizer {
	return &Standardizer{pool: pool}
}

// DailyToDWD implements stage.TransformFunc for the daily-quote DWD load:
// SELECT straight through from ods_daily into dwd_daily for every date in
// dateRange, idempotent via ON CONFLICT.
func (s *Standardizer) DailyToDWD(ctx context.Context, dateRange model.DateRange) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dwd_daily (trade_date, ts_code, open, high, low, close, pre_close, change_amount, pct_chg, vol, amount)
		SELECT trade_date, ts_code, open, high, low, close, pre_close, change_amount, pct_chg, vol, amount
		FROM ods_daily WHERE trade_date BETWEEN $1 AND $2
		ON CONFLICT (trade_date, ts_code) DO UPDATE SET
			open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low, close = EXCLUDED.close,
			pre_close = EXCLUDED.pre_close, change_amount = EXCLUDED.change_amount, pct_chg = EXCLUDED.pct_chg,
			vol = EXCLUDED.vol, amount = EXCLUDED.amount`,
		int(dateRange.Start), int(dateRange.End))
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("standardize daily to dwd: %w", err))
	}
	return nil
}

// DailyBasicToDWD implements stage.TransformFunc for the valuation-ratio
// DWD load; a pe/pe_ttm/pb/ps/ps_ttm value outside ±maxRatio is written
// as NULL rather than clamped to the bound.
func (s *Standardizer) DailyBasicToDWD(ctx context.Context, dateRange model.DateRange) error {
	const maxRatio = 999999.999999
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dwd_daily_basic (trade_date, ts_code, close, turnover_rate, turnover_rate_f, volume_ratio,
			pe, pe_ttm, pb, ps, ps_ttm, dv_ratio, dv_ttm, total_share, float_share, free_share, total_mv, circ_mv)
		SELECT trade_date, ts_code, close, turnover_rate, turnover_rate_f, volume_ratio,
			CASE WHEN pe IS NULL OR pe BETWEEN -$3 AND $3 THEN pe ELSE NULL END,
			CASE WHEN pe_ttm IS NULL OR pe_ttm BETWEEN -$3 AND $3 THEN pe_ttm ELSE NULL END,
			CASE WHEN pb IS NULL OR pb BETWEEN -$3 AND $3 THEN pb ELSE NULL END,
			CASE WHEN ps IS NULL OR ps BETWEEN -$3 AND $3 THEN ps ELSE NULL END,
			CASE WHEN ps_ttm IS NULL OR ps_ttm BETWEEN -$3 AND $3 THEN ps_ttm ELSE NULL END,
			dv_ratio, dv_ttm, total_share, float_share, free_share, total_mv, circ_mv
		FROM ods_daily_basic WHERE trade_date BETWEEN $1 AND $2
		ON CONFLICT (trade_date, ts_code) DO UPDATE SET
			close = EXCLUDED.close, turnover_rate = EXCLUDED.turnover_rate, turnover_rate_f = EXCLUDED.turnover_rate_f,
			volume_ratio = EXCLUDED.volume_ratio, pe = EXCLUDED.pe, pe_ttm = EXCLUDED.pe_ttm, pb = EXCLUDED.pb,
			ps = EXCLUDED.ps, ps_ttm = EXCLUDED.ps_ttm, dv_ratio = EXCLUDED.dv_ratio, dv_ttm = EXCLUDED.dv_ttm,
			total_share = EXCLUDED.total_share, float_share = EXCLUDED.float_share, free_share = EXCLUDED.free_share,
			total_mv = EXCLUDED.total_mv, circ_mv = EXCLUDED.circ_mv`,
		int(dateRange.Start), int(dateRange.End), maxRatio)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("standardize daily_basic to dwd: %w", err))
	}
	return nil
}
