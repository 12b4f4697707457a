package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// BatchInserter bulk-loads rows with the COPY protocol. Catalog loads into
// empty reference tables use it.
type BatchInserter struct {
	txManager *TxManager
}

// NewBatchInserter creates a new batch inserter.
func NewBatchInserter(txManager *TxManager) *BatchInserter {
	return &BatchInserter{txManager: txManager}
}

// CopyFromSlice bulk-inserts rows whose values match columns.
// Requires a transaction in ctx.
func (b *BatchInserter) CopyFromSlice(ctx context.Context, table string, columns []string, rows [][]any) (int64, error) {
	tx := b.txManager.GetTx(ctx)
	if tx == nil {
		return 0, fmt.Errorf("CopyFromSlice requires transaction context")
	}

	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, MapError(fmt.Errorf("copy into %s: %w", table, err))
	}
	return n, nil
}

// CopyStructs bulk-inserts items using their "db" tags; columns listed in
// skip are left to table defaults.
func CopyStructs[T any](ctx context.Context, b *BatchInserter, table string, items []T, skip ...string) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}
	columns := Without(ExtractDBColumns[T](), skip...)
	rows := make([][]any, len(items))
	for i := range items {
		rows[i] = ValuesOf(StructToMap(&items[i]), columns)
		for j, v := range rows[i] {
			rows[i][j] = copyValue(v)
		}
	}
	return b.CopyFromSlice(ctx, table, columns, rows)
}

// copyValue converts values COPY cannot send in binary format.
func copyValue(v any) any {
	if d, ok := v.(decimal.Decimal); ok {
		return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
	}
	return v
}
