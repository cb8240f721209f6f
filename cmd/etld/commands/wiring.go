package commands

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ashare-data/etld/internal/fetch"
	"github.com/ashare-data/etld/internal/model"
	"github.com/ashare-data/etld/internal/pipeline"
	"github.com/ashare-data/etld/internal/quality"
	"github.com/ashare-data/etld/internal/runtime"
	"github.com/ashare-data/etld/internal/stage"
	"github.com/ashare-data/etld/internal/transform"
	"github.com/ashare-data/etld/internal/upstream"
	"github.com/ashare-data/etld/internal/writer"
	"github.com/ashare-data/etld/pkg/config"
	"github.com/ashare-data/etld/pkg/httputil"
)

// descriptors lists the API Descriptors this deployment knows about. A
// production build could read these from a config file too; they are
// inlined here for the small, stable descriptor set this pipeline
// exercises.
func descriptors() []model.APIDescriptor {
	return []model.APIDescriptor{
		{Name: "daily", Cursor: model.CursorByTradeDate, RateBucket: "quote", PageSize: 6000, TargetTable: "ods_daily", PrimaryKey: []string{"ts_code", "trade_date"}, Core: true},
		{Name: "daily_basic", Cursor: model.CursorByTradeDate, RateBucket: "quote", PageSize: 6000, TargetTable: "ods_daily_basic", PrimaryKey: []string{"ts_code", "trade_date"}, Core: true},
		{Name: "moneyflow", Cursor: model.CursorByTradeDate, RateBucket: "quote", PageSize: 6000, TargetTable: "ods_moneyflow", PrimaryKey: []string{"ts_code", "trade_date"}, Core: false, ReadinessLagHrs: 3},
		{Name: "dividend", Cursor: model.CursorByAnnouncementDate, RateBucket: "reference", PageSize: 2000, TargetTable: "ods_dividend", PrimaryKey: []string{"ts_code", "ann_date"}, Core: false, ReadinessLagHrs: 6},
		{Name: "margin", Cursor: model.CursorByTradeDate, RateBucket: "reference", PageSize: 2000, TargetTable: "ods_margin", PrimaryKey: []string{"ts_code", "trade_date"}, Core: false, ReadinessLagHrs: 18},
	}
}

// buildRuntimeAndRegistry wires the runtime.Context and every named
// pipeline's stage implementations: one Fetcher/Writer pair per API
// Descriptor, closed over as a stage.IngestFunc, plus the quality check
// stage the three named pipelines share.
func buildRuntimeAndRegistry(cfg *config.Config) (*runtime.Context, pipeline.Registry, error) {
	rt, err := runtime.Build(cfg)
	if err != nil {
		return nil, pipeline.Registry{}, err
	}

	descs := descriptors()

	buckets := make([]string, 0, len(descs))
	seenBucket := make(map[string]bool, len(descs))
	for _, d := range descs {
		if !seenBucket[d.RateBucket] {
			seenBucket[d.RateBucket] = true
			buckets = append(buckets, d.RateBucket)
			if _, configured := cfg.RateLimits[d.RateBucket]; !configured {
				rt.RateLimits.Configure(d.RateBucket, 200, 200)
			}
		}
	}

	httpClient := httputil.New(rt.Log, time.Duration(cfg.Batch.TimeoutSec)*time.Second)
	source := upstream.NewTushareSource(httpClient, cfg.Upstream.BaseURL, cfg.Upstream.Token, rt.Log)
	fetcher := fetch.New(source, rt.RateLimits, fetch.DefaultRetryPolicy(), rt.Log, buckets)
	w := writer.New(rt.DB.Pool)
	checker := quality.New(rt.DB.Pool)
	standardizer := transform.New(rt.DB.Pool)

	reg := pipeline.Registry{
		Ingest:    make(map[string]stage.IngestFunc, len(descs)),
		Transform: make(map[string]stage.TransformFunc),
		Check:     make(map[string]stage.CheckFunc),
	}

	for _, d := range descs {
		d := d
		reg.Ingest[d.Name] = func(ctx context.Context, date model.TradeDate) error {
			params := map[string]string{"trade_date": strconv.Itoa(int(date))}
			page, err := fetcher.Fetch(ctx, d, params)
			if err != nil {
				return err
			}
			_, err = w.Upsert(ctx, d.TargetTable, page, d.PrimaryKey)
			return err
		}
	}

	reg.Transform["standardize_daily"] = standardizer.DailyToDWD
	reg.Transform["standardize_daily_basic"] = standardizer.DailyBasicToDWD

	reg.Check["daily_quality"] = func(ctx context.Context, dateRange model.DateRange) (string, error) {
		results, err := checker.Run(ctx, dateRange.End, defaultQualityRules())
		if err != nil {
			return "", err
		}
		failures := quality.HighSeverityFailures(results)
		if len(failures) > 0 {
			return fmt.Sprintf("%d high-severity quality failures", len(failures)),
				fmt.Errorf("quality gate failed: %d high-severity failures", len(failures))
		}
		return fmt.Sprintf("%d rules checked, all passed", len(results)), nil
	}

	return rt, reg, nil
}

func defaultQualityRules() []quality.Rule {
	return []quality.Rule{
		{Name: "daily_row_count", Table: "ods_daily", DateColumn: "trade_date", MinRowCount: 1, Severity: quality.SeverityHigh},
		{Name: "daily_basic_row_count", Table: "ods_daily_basic", DateColumn: "trade_date", MinRowCount: 1, Severity: quality.SeverityLow},
	}
}

// marketCloseOffset is the "time since the exchange's 15:00 close" value
// handed to today-only lenience. It returns a fixed 4h for every
// invocation and pipeline; it does not read the clock or the exchange
// timezone, so the actual time of the run plays no part in the lenience
// decision.
func marketCloseOffset() time.Duration {
	return 4 * time.Hour
}
