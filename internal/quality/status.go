package quality

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// TableStatus reports one table's freshness against an expected date,
// following original_source's status_checks.py::_check_table.
type TableStatus struct {
	TableName    string
	MaxDate      model.TradeDate
	RowCount     int
	ExpectedDate model.TradeDate
	Status       string // OK, STALE, EMPTY, UNKNOWN, ERROR
	Message      string
}

// LayerStatus rolls up every table in one storage layer (ODS/DWD/DWS/ADS).
type LayerStatus struct {
	Layer             string
	IsHealthy         bool
	IsReadyForNext    bool
	LatestTradeDate   model.TradeDate
	ExpectedTradeDate model.TradeDate
	Watermark         model.TradeDate
	TableStatuses     []TableStatus
	Message           string
}

// DataPipelineStatus aggregates every layer's status into one report.
type DataPipelineStatus struct {
	Layers    []LayerStatus
	IsHealthy bool
}

// TableSpec names one table to check within a layer.
type TableSpec struct {
	TableName  string
	DateColumn string
}

// StatusChecker builds LayerStatus reports.
type StatusChecker struct {
	pool *pgxpool.Pool
}

// NewStatusChecker builds a StatusChecker.
func NewStatusChecker(pool *pgxpool.Pool) *StatusChecker {
	return &StatusChecker{pool: pool}
}

func (s *StatusChecker) checkTable(ctx context.Context, spec TableSpec, expected model.TradeDate) TableStatus {
	query := fmt.Sprintf(`SELECT max(%s), count(*) FROM %s`, spec.DateColumn, spec.TableName)
	var maxDate *int
	var rowCount int
	if err := s.pool.QueryRow(ctx, query).Scan(&maxDate, &rowCount); err != nil {
		return TableStatus{TableName: spec.TableName, ExpectedDate: expected, Status: "ERROR", Message: err.Error()}
	}

	ts := TableStatus{TableName: spec.TableName, RowCount: rowCount, ExpectedDate: expected}
	if maxDate != nil {
		ts.MaxDate = model.TradeDate(*maxDate)
	}

	switch {
	case rowCount == 0:
		ts.Status, ts.Message = "EMPTY", "table is empty"
	case expected == 0:
		ts.Status, ts.Message = "UNKNOWN", "no expected date to compare"
	case ts.MaxDate >= expected:
		ts.Status, ts.Message = "OK", fmt.Sprintf("data up to date (%d)", ts.MaxDate)
	default:
		ts.Status, ts.Message = "STALE", fmt.Sprintf("data stale: %d < expected %d", ts.MaxDate, expected)
	}
	return ts
}

// CheckLayer checks every table in specs for layer against expectedDate
// and reads apiName's watermark for readiness.
func (s *StatusChecker) CheckLayer(ctx context.Context, layer, apiName string, specs []TableSpec, expectedDate model.TradeDate) (LayerStatus, error) {
	var wm *int
	err := s.pool.QueryRow(ctx, `SELECT water_mark FROM meta_etl_watermark WHERE api_name = $1`, apiName).Scan(&wm)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return LayerStatus{}, model.NewError(model.CategoryStoreWrite, fmt.Errorf("read watermark for layer %q: %w", layer, err))
	}

	status := LayerStatus{Layer: layer, ExpectedTradeDate: expectedDate}
	if wm != nil {
		status.Watermark = model.TradeDate(*wm)
	}

	healthy := true
	for _, spec := range specs {
		ts := s.checkTable(ctx, spec, expectedDate)
		status.TableStatuses = append(status.TableStatuses, ts)
		if ts.Status != "OK" && ts.Status != "UNKNOWN" {
			healthy = false
		}
		if ts.MaxDate > status.LatestTradeDate {
			status.LatestTradeDate = ts.MaxDate
		}
	}

	status.IsHealthy = healthy
	status.IsReadyForNext = healthy && status.Watermark >= expectedDate
	if healthy {
		status.Message = fmt.Sprintf("layer %s healthy through %d", layer, status.LatestTradeDate)
	} else {
		status.Message = fmt.Sprintf("layer %s has unhealthy tables", layer)
	}
	return status, nil
}

// Aggregate combines per-layer statuses into one pipeline-wide report.
func Aggregate(layers []LayerStatus) DataPipelineStatus {
	healthy := true
	for _, l := range layers {
		if !l.IsHealthy {
			healthy = false
			break
		}
	}
	return DataPipelineStatus{Layers: layers, IsHealthy: healthy}
}
