package stock_repo

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/postgres"
)

const movementsTable = "stock_movements"

var (
	movementColumns       = postgres.ExtractDBColumns[entity.StockMovement]()
	movementInsertColumns = postgres.Without(movementColumns, "seq", "created_at")
	returningMovement     = strings.Join(movementColumns, ", ")
)

// MovementRepo implements stock.MovementStore. Rows are only ever inserted.
type MovementRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
}

// NewMovementRepo creates a movement repository.
func NewMovementRepo(txm *postgres.TxManager) *MovementRepo {
	return &MovementRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

var _ stock.MovementStore = (*MovementRepo)(nil)

// Append inserts m; seq and created_at come from the database.
func (r *MovementRepo) Append(ctx context.Context, m entity.StockMovement) (entity.StockMovement, error) {
	if id.IsNil(m.ID) {
		m.ID = id.New()
	}
	if m.Metadata == nil {
		m.Metadata = entity.Metadata{}
	}

	sql, args, err := r.builder.Insert(movementsTable).
		Columns(movementInsertColumns...).
		Values(postgres.ValuesOf(postgres.StructToMap(m), movementInsertColumns)...).
		Suffix("RETURNING " + returningMovement).
		ToSql()
	if err != nil {
		return entity.StockMovement{}, fmt.Errorf("build insert: %w", err)
	}

	var saved entity.StockMovement
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &saved, sql, args...); err != nil {
		return entity.StockMovement{}, postgres.MapError(fmt.Errorf("insert stock movement: %w", err))
	}
	return saved, nil
}

func (r *MovementRepo) LatestFor(ctx context.Context, key entity.BatchKey) (entity.StockMovement, bool, error) {
	sql, args, err := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(keyEq(key)).
		OrderBy("seq DESC").
		Limit(1).
		ToSql()
	if err != nil {
		return entity.StockMovement{}, false, fmt.Errorf("build query: %w", err)
	}

	var m entity.StockMovement
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &m, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.StockMovement{}, false, nil
		}
		return entity.StockMovement{}, false, postgres.MapError(fmt.Errorf("get latest movement: %w", err))
	}
	return m, true, nil
}

// List streams rows straight from the cursor. The iterator must be consumed
// inside the unit of work that created it.
func (r *MovementRepo) List(ctx context.Context, pharmacyID id.ID, f stock.MovementFilter) iter.Seq2[entity.StockMovement, error] {
	return func(yield func(entity.StockMovement, error) bool) {
		sql, args, err := r.listQuery(pharmacyID, f).ToSql()
		if err != nil {
			yield(entity.StockMovement{}, fmt.Errorf("build query: %w", err))
			return
		}

		rows, err := r.txm.GetQuerier(ctx).Query(ctx, sql, args...)
		if err != nil {
			yield(entity.StockMovement{}, postgres.MapError(fmt.Errorf("query movements: %w", err)))
			return
		}
		defer rows.Close()

		scanner := pgxscan.NewRowScanner(rows)
		for rows.Next() {
			var m entity.StockMovement
			if err := scanner.Scan(&m); err != nil {
				yield(entity.StockMovement{}, fmt.Errorf("scan movement: %w", err))
				return
			}
			if !yield(m, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(entity.StockMovement{}, postgres.MapError(fmt.Errorf("iterate movements: %w", err)))
		}
	}
}

func (r *MovementRepo) listQuery(pharmacyID id.ID, f stock.MovementFilter) squirrel.SelectBuilder {
	q := r.builder.Select(movementColumns...).
		From(movementsTable).
		Where(squirrel.Eq{"pharmacy_id": pharmacyID})
	if f.DrugID != nil {
		q = q.Where(squirrel.Eq{"drug_id": *f.DrugID})
	}
	if f.BatchNumber != "" {
		q = q.Where(squirrel.Eq{"batch_number": f.BatchNumber})
	}
	if len(f.Types) > 0 {
		names := make([]string, len(f.Types))
		for i, t := range f.Types {
			names[i] = string(t)
		}
		q = q.Where(squirrel.Eq{"movement_type": names})
	}
	if f.From != nil {
		q = q.Where(squirrel.GtOrEq{"created_at": *f.From})
	}
	if f.To != nil {
		q = q.Where(squirrel.Lt{"created_at": *f.To})
	}
	q = q.OrderBy("seq DESC")
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	return q
}

type batchSum struct {
	DrugID      id.ID          `db:"drug_id"`
	BatchNumber string         `db:"batch_number"`
	Total       types.Quantity `db:"total"`
}

func (r *MovementRepo) SumByBatch(ctx context.Context, pharmacyID id.ID) (map[entity.BatchKey]types.Quantity, error) {
	sql, args, err := r.builder.Select("drug_id", "batch_number", "SUM(quantity) AS total").
		From(movementsTable).
		Where(squirrel.Eq{"pharmacy_id": pharmacyID}).
		GroupBy("drug_id", "batch_number").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var rows []batchSum
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &rows, sql, args...); err != nil {
		return nil, postgres.MapError(fmt.Errorf("sum movements: %w", err))
	}

	sums := make(map[entity.BatchKey]types.Quantity, len(rows))
	for _, row := range rows {
		key := entity.BatchKey{PharmacyID: pharmacyID, DrugID: row.DrugID, BatchNumber: row.BatchNumber}
		sums[key] = row.Total
	}
	return sums, nil
}
