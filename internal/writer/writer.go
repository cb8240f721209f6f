// Package writer performs idempotent batched upserts of a Page into the
// relational store. The multi-row ON CONFLICT ... DO UPDATE shape follows
// the teacher's PriceRepository.Save, generalized from one hardcoded
// table/column set to any (table, primary-key) pair described by an
// API Descriptor; the 2000-row batch size matches original_source's
// upsert_rows/BATCH_SIZE.
package writer

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashare-data/etld/internal/model"
)

// BatchSize is the default number of rows per INSERT statement.
const BatchSize = 2000

// Writer upserts Pages into the relational store.
type Writer struct {
	pool      *pgxpool.Pool
	batchSize int
}

// New builds a Writer with the default batch size.
func New(pool *pgxpool.Pool) *Writer {
	return &Writer{pool: pool, batchSize: BatchSize}
}

// WithBatchSize overrides the per-statement row batch size.
func (w *Writer) WithBatchSize(n int) *Writer {
	w.batchSize = n
	return w
}

// Upsert writes page into table, keyed by primaryKey, and returns the
// number of distinct primary keys written. A constraint violation other
// than the primary key itself (e.g. a foreign key) fails the whole page:
// no partial batch is left committed.
func (w *Writer) Upsert(ctx context.Context, table string, page model.Page, primaryKey []string) (int, error) {
	if page.Rows == 0 {
		return 0, nil
	}
	if err := validatePK(page, primaryKey); err != nil {
		return 0, model.NewError(model.CategoryUpstreamSchema, err)
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, model.NewError(model.CategoryStoreWrite, fmt.Errorf("begin upsert transaction: %w", err))
	}
	defer tx.Rollback(ctx)

	distinctPKs := make(map[string]struct{}, page.Rows)
	for start := 0; start < page.Rows; start += w.batchSize {
		end := start + w.batchSize
		if end > page.Rows {
			end = page.Rows
		}
		if err := w.upsertChunk(ctx, tx, table, page, primaryKey, start, end, distinctPKs); err != nil {
			return 0, model.NewError(model.CategoryStoreWrite, fmt.Errorf("upsert rows [%d,%d): %w", start, end, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, model.NewError(model.CategoryStoreWrite, fmt.Errorf("commit upsert transaction: %w", err))
	}
	return len(distinctPKs), nil
}

func validatePK(page model.Page, primaryKey []string) error {
	if len(primaryKey) == 0 {
		return fmt.Errorf("primary key must not be empty")
	}
	for _, k := range primaryKey {
		if _, ok := page.Data[k]; !ok {
			return fmt.Errorf("primary key column %q not present in page", k)
		}
	}
	return nil
}

func (w *Writer) upsertChunk(ctx context.Context, tx pgx.Tx, table string, page model.Page, primaryKey []string, start, end int, distinctPKs map[string]struct{}) error {
	pkSet := make(map[string]struct{}, len(primaryKey))
	for _, k := range primaryKey {
		pkSet[k] = struct{}{}
	}

	var nonKeyCols []string
	for _, c := range page.Columns {
		if _, isPK := pkSet[c]; !isPK {
			nonKeyCols = append(nonKeyCols, c)
		}
	}

	query, args := buildUpsertSQL(table, page.Columns, primaryKey, nonKeyCols, page, start, end)

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return err
	}

	for i := start; i < end; i++ {
		distinctPKs[pkValueKey(page, primaryKey, i)] = struct{}{}
	}
	return nil
}

func pkValueKey(page model.Page, primaryKey []string, row int) string {
	var b strings.Builder
	for _, k := range primaryKey {
		fmt.Fprintf(&b, "%v\x1f", columnValue(page.Data[k], row))
	}
	return b.String()
}

// columnValue returns the row-th value of c as an interface{}.
func columnValue(c model.Column, row int) interface{} {
	if c.Null[row] {
		return nil
	}
	switch c.Type {
	case model.ColumnInt:
		return c.Ints[row]
	case model.ColumnFloat:
		return c.Floats[row]
	default:
		return c.Strings[row]
	}
}

func buildUpsertSQL(table string, allCols, primaryKey, nonKeyCols []string, page model.Page, start, end int) (string, []interface{}) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", table, strings.Join(allCols, ", "))

	args := make([]interface{}, 0, (end-start)*len(allCols))
	argN := 1
	for row := start; row < end; row++ {
		if row > start {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for i, col := range allCols {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", argN)
			args = append(args, columnValue(page.Data[col], row))
			argN++
		}
		sb.WriteString(")")
	}

	fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET ", strings.Join(primaryKey, ", "))
	if len(nonKeyCols) == 0 {
		// pure key table: nothing to update, make the conflict target a no-op
		sb.WriteString(fmt.Sprintf("%s = EXCLUDED.%s", primaryKey[0], primaryKey[0]))
	} else {
		for i, col := range nonKeyCols {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%s = EXCLUDED.%s", col, col)
		}
	}
	sb.WriteString(", updated_at = now()")

	return sb.String(), args
}
