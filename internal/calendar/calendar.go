// Package calendar exposes trading-day arithmetic over the SSE calendar.
// Rows are loaded once per process and cached; a lookup past the cached
// horizon triggers a single refresh from the store rather than a hard
// failure, mirroring original_source's list_trade_dates/list_trade_dates_after
// query pair against dim_trade_cal.
package calendar

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// Loader fetches trading-day rows from the store. Production code is
// backed by Store; tests substitute a fake.
type Loader interface {
	// LoadFrom returns every open trading day >= from, ascending.
	LoadFrom(ctx context.Context, from model.TradeDate) ([]model.TradeDate, error)
}

// Store is the pgx-backed Loader, grounded on dim_trade_cal in
// original_source's runtime.py.
type Store struct {
	pool     *pgxpool.Pool
	exchange string
}

// NewStore builds a Store scoped to one exchange (e.g. "SSE").
func NewStore(pool *pgxpool.Pool, exchange string) *Store {
	return &Store{pool: pool, exchange: exchange}
}

// LoadFrom implements Loader.
func (s *Store) LoadFrom(ctx context.Context, from model.TradeDate) ([]model.TradeDate, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT cal_date FROM dim_trade_cal WHERE exchange = $1 AND is_open = 1 AND cal_date >= $2 ORDER BY cal_date`,
		s.exchange, int(from),
	)
	if err != nil {
		return nil, fmt.Errorf("load trade calendar: %w", err)
	}
	defer rows.Close()

	var out []model.TradeDate
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, fmt.Errorf("scan trade calendar row: %w", err)
		}
		out = append(out, model.TradeDate(d))
	}
	return out, rows.Err()
}

// Clock computes today-cap and trading-day arithmetic against a cached
// window of open trading days. It is safe for concurrent use.
type Clock struct {
	loader Loader
	now    func() time.Time
	loc    *time.Location

	mu       sync.Mutex
	days     []model.TradeDate // ascending, cached window
	horizon  model.TradeDate   // last date guaranteed present in days, 0 if empty
}

// NewClock builds a Clock. now defaults to time.Now if nil; loc defaults
// to UTC — callers running against a specific market should pass its
// time.Location explicitly.
func NewClock(loader Loader, now func() time.Time, loc *time.Location) *Clock {
	if now == nil {
		now = time.Now
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Clock{loader: loader, now: now, loc: loc}
}

// ErrEmptyCalendar is returned when the calendar has no rows at all,
// per spec: today_cap must never proceed with a speculative date.
var ErrEmptyCalendar = fmt.Errorf("trade calendar: no rows available")

func todayInt(t time.Time) model.TradeDate {
	return model.TradeDate(t.Year()*10000 + int(t.Month())*100 + t.Day())
}

// TodayCap returns the greatest trading day <= wall-clock today.
func (c *Clock) TodayCap(ctx context.Context) (model.TradeDate, error) {
	today := todayInt(c.now().In(c.loc))

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureHorizonLocked(ctx, today); err != nil {
		return 0, err
	}
	if len(c.days) == 0 {
		return 0, ErrEmptyCalendar
	}

	// binary search for greatest day <= today
	idx := sort.Search(len(c.days), func(i int) bool { return c.days[i] > today })
	if idx == 0 {
		return 0, fmt.Errorf("calendar: no trading day on or before %d in cached window", today)
	}
	return c.days[idx-1], nil
}

// NextTradingDay returns the smallest cached trading day strictly after d.
func (c *Clock) NextTradingDay(ctx context.Context, d model.TradeDate) (model.TradeDate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureHorizonLocked(ctx, d+1); err != nil {
		return 0, err
	}
	idx := sort.Search(len(c.days), func(i int) bool { return c.days[i] > d })
	if idx == len(c.days) {
		// horizon didn't grow past d despite the refresh attempt: nothing later exists yet
		if err := c.refreshLocked(ctx, d+1); err != nil {
			return 0, err
		}
		idx = sort.Search(len(c.days), func(i int) bool { return c.days[i] > d })
		if idx == len(c.days) {
			return 0, fmt.Errorf("calendar: no trading day known after %d", d)
		}
	}
	return c.days[idx], nil
}

// PreviousTradingDay returns the greatest cached trading day strictly before d.
func (c *Clock) PreviousTradingDay(ctx context.Context, d model.TradeDate) (model.TradeDate, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureHorizonLocked(ctx, d); err != nil {
		return 0, err
	}
	idx := sort.Search(len(c.days), func(i int) bool { return c.days[i] >= d })
	if idx == 0 {
		return 0, fmt.Errorf("calendar: no trading day known before %d", d)
	}
	return c.days[idx-1], nil
}

// TradingDaysBetween returns the ordered, inclusive sequence of trading
// days in [a, b]. Empty when a > b.
func (c *Clock) TradingDaysBetween(ctx context.Context, a, b model.TradeDate) ([]model.TradeDate, error) {
	if a > b {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureHorizonLocked(ctx, b); err != nil {
		return nil, err
	}

	lo := sort.Search(len(c.days), func(i int) bool { return c.days[i] >= a })
	hi := sort.Search(len(c.days), func(i int) bool { return c.days[i] > b })
	if lo >= hi {
		return nil, nil
	}
	out := make([]model.TradeDate, hi-lo)
	copy(out, c.days[lo:hi])
	return out, nil
}

// ensureHorizonLocked refreshes the cache if want is beyond the current
// horizon. Caller must hold c.mu.
func (c *Clock) ensureHorizonLocked(ctx context.Context, want model.TradeDate) error {
	if len(c.days) > 0 && want <= c.horizon {
		return nil
	}
	return c.refreshLocked(ctx, 0)
}

// refreshLocked reloads the full cached window from the loader, starting
// at the earliest date already known (or 0 for a first load). Caller
// must hold c.mu.
func (c *Clock) refreshLocked(ctx context.Context, _ model.TradeDate) error {
	from := model.TradeDate(0)
	if len(c.days) > 0 {
		from = c.days[0]
	}
	days, err := c.loader.LoadFrom(ctx, from)
	if err != nil {
		return fmt.Errorf("refresh trade calendar: %w", err)
	}
	c.days = days
	if len(days) > 0 {
		c.horizon = days[len(days)-1]
	} else {
		c.horizon = 0
	}
	return nil
}
