// Package quality implements the post-stage assertion library described
// in spec §4.9: row-count, null-ratio, freshness, and join-coverage
// checks over the store. Individual coverage queries follow the shape of
// the teacher's QualityGate.checkPriceCoverage family; the layered
// table/layer status rollup is grounded on original_source's
// status_checks.py (TableStatus/LayerStatus), supplemented here as
// LayerStatus/DataPipelineStatus per SPEC_FULL.md §11.
package quality

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// Severity classifies how serious an assertion failure is. Only HIGH
// aborts a strict pipeline; the Coordinator decides, the Checker never
// aborts anything itself.
type Severity string

const (
	SeverityLow  Severity = "LOW"
	SeverityHigh Severity = "HIGH"
)

// Result is one assertion outcome, written verbatim to the quality log.
type Result struct {
	Date     model.TradeDate
	RuleName string
	Passed   bool
	Severity Severity
	Detail   string
}

// Rule is one assertion to run against (table, date).
type Rule struct {
	Name           string
	Table          string
	DateColumn     string
	MinRowCount    int
	MaxNullRatio   float64 // 0 disables the null-ratio check
	NullableColumn string  // required when MaxNullRatio > 0
	MinJoinCoverage float64 // 0 disables the join-coverage check
	JoinQuery      string   // custom SELECT returning a single float coverage ratio, $1=date
	Severity       Severity
}

// Checker runs Rules against the store and persists their outcomes.
type Checker struct {
	pool *pgxpool.Pool
}

// New builds a Checker.
func New(pool *pgxpool.Pool) *Checker {
	return &Checker{pool: pool}
}

// Run evaluates every rule for date and persists a quality log row per
// rule. It returns the full result list; callers filter by severity.
func (c *Checker) Run(ctx context.Context, date model.TradeDate, rules []Rule) ([]Result, error) {
	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		res, err := c.evaluate(ctx, date, rule)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if err := c.persist(ctx, res); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Checker) evaluate(ctx context.Context, date model.TradeDate, rule Rule) (Result, error) {
	rowCount, err := c.rowCount(ctx, rule.Table, rule.DateColumn, date)
	if err != nil {
		return Result{}, model.NewError(model.CategoryQualityAssertion, fmt.Errorf("rule %q row count: %w", rule.Name, err))
	}
	if rowCount < rule.MinRowCount {
		return Result{Date: date, RuleName: rule.Name, Passed: false, Severity: rule.Severity,
			Detail: fmt.Sprintf("row_count=%d below floor=%d", rowCount, rule.MinRowCount)}, nil
	}

	if rule.MaxNullRatio > 0 {
		ratio, err := c.nullRatio(ctx, rule.Table, rule.DateColumn, rule.NullableColumn, date)
		if err != nil {
			return Result{}, model.NewError(model.CategoryQualityAssertion, fmt.Errorf("rule %q null ratio: %w", rule.Name, err))
		}
		if ratio > rule.MaxNullRatio {
			return Result{Date: date, RuleName: rule.Name, Passed: false, Severity: rule.Severity,
				Detail: fmt.Sprintf("null_ratio=%.4f above ceiling=%.4f", ratio, rule.MaxNullRatio)}, nil
		}
	}

	if rule.MinJoinCoverage > 0 && rule.JoinQuery != "" {
		coverage, err := c.joinCoverage(ctx, rule.JoinQuery, date)
		if err != nil {
			return Result{}, model.NewError(model.CategoryQualityAssertion, fmt.Errorf("rule %q join coverage: %w", rule.Name, err))
		}
		if coverage < rule.MinJoinCoverage {
			return Result{Date: date, RuleName: rule.Name, Passed: false, Severity: rule.Severity,
				Detail: fmt.Sprintf("join_coverage=%.4f below threshold=%.4f", coverage, rule.MinJoinCoverage)}, nil
		}
	}

	return Result{Date: date, RuleName: rule.Name, Passed: true, Severity: rule.Severity, Detail: "ok"}, nil
}

func (c *Checker) rowCount(ctx context.Context, table, dateColumn string, date model.TradeDate) (int, error) {
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s = $1`, table, dateColumn)
	if err := c.pool.QueryRow(ctx, query, int(date)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (c *Checker) nullRatio(ctx context.Context, table, dateColumn, column string, date model.TradeDate) (float64, error) {
	var ratio float64
	query := fmt.Sprintf(
		`SELECT COALESCE(count(*) FILTER (WHERE %s IS NULL)::float / NULLIF(count(*), 0), 0) FROM %s WHERE %s = $1`,
		column, table, dateColumn,
	)
	if err := c.pool.QueryRow(ctx, query, int(date)).Scan(&ratio); err != nil {
		return 0, err
	}
	return ratio, nil
}

func (c *Checker) joinCoverage(ctx context.Context, query string, date model.TradeDate) (float64, error) {
	var coverage float64
	if err := c.pool.QueryRow(ctx, query, int(date)).Scan(&coverage); err != nil {
		return 0, err
	}
	return coverage, nil
}

func (c *Checker) persist(ctx context.Context, res Result) error {
	status := "PASS"
	if !res.Passed {
		status = "FAIL"
	}
	_, err := c.pool.Exec(ctx,
		`INSERT INTO meta_quality_check_log (check_date, check_name, status, severity, detail, checked_at)
		 VALUES ($1, $2, $3, $4, $5, now())`,
		int(res.Date), res.RuleName, status, string(res.Severity), res.Detail,
	)
	if err != nil {
		return model.NewError(model.CategoryStoreWrite, fmt.Errorf("persist quality result %q: %w", res.RuleName, err))
	}
	return nil
}

// HighSeverityFailures filters results down to failed HIGH-severity rules.
func HighSeverityFailures(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && r.Severity == SeverityHigh {
			out = append(out, r)
		}
	}
	return out
}
