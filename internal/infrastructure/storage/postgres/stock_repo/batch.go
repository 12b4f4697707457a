// Package stock_repo provides the PostgreSQL implementation of the stock
// ledger stores. Every method runs on the transaction in ctx, opened by Runner.
package stock_repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/postgres"
)

const batchesTable = "stock_batches"

var (
	batchColumns       = postgres.ExtractDBColumns[entity.StockBatch]()
	batchUpdateColumns = postgres.Without(batchColumns, "id", "pharmacy_id", "drug_id", "batch_number", "created_at")
	returningBatch     = strings.Join(batchColumns, ", ")
)

// BatchRepo implements stock.BatchStore.
type BatchRepo struct {
	txm     *postgres.TxManager
	builder squirrel.StatementBuilderType
	now     func() time.Time
}

// NewBatchRepo creates a batch repository.
func NewBatchRepo(txm *postgres.TxManager) *BatchRepo {
	return &BatchRepo{
		txm:     txm,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		now:     time.Now,
	}
}

var _ stock.BatchStore = (*BatchRepo)(nil)

func (r *BatchRepo) selectBatches() squirrel.SelectBuilder {
	return r.builder.Select(batchColumns...).From(batchesTable)
}

func keyEq(key entity.BatchKey) squirrel.Eq {
	return squirrel.Eq{
		"pharmacy_id":  key.PharmacyID,
		"drug_id":      key.DrugID,
		"batch_number": key.BatchNumber,
	}
}

func (r *BatchRepo) Find(ctx context.Context, key entity.BatchKey) (entity.StockBatch, error) {
	return r.getOne(ctx, r.selectBatches().Where(keyEq(key)), key)
}

func (r *BatchRepo) FindForUpdate(ctx context.Context, key entity.BatchKey) (entity.StockBatch, error) {
	return r.getOne(ctx, r.selectBatches().Where(keyEq(key)).Suffix("FOR UPDATE"), key)
}

func (r *BatchRepo) getOne(ctx context.Context, q squirrel.SelectBuilder, key entity.BatchKey) (entity.StockBatch, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return entity.StockBatch{}, fmt.Errorf("build query: %w", err)
	}

	var batch entity.StockBatch
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &batch, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.StockBatch{}, apperror.NewNotFound("stock batch", key.String())
		}
		return entity.StockBatch{}, postgres.MapError(fmt.Errorf("get stock batch: %w", err))
	}
	return batch, nil
}

// Upsert inserts batches without an ID and updates the rest by ID. An insert
// that collides with a concurrently created row fails with ConcurrencyConflict.
func (r *BatchRepo) Upsert(ctx context.Context, batch entity.StockBatch) (entity.StockBatch, error) {
	now := r.now().UTC()
	batch.UpdatedAt = now

	var q squirrel.Sqlizer
	if id.IsNil(batch.ID) {
		batch.ID = id.New()
		batch.CreatedAt = now
		values := postgres.StructToMap(batch)
		q = r.builder.Insert(batchesTable).
			Columns(batchColumns...).
			Values(postgres.ValuesOf(values, batchColumns)...).
			Suffix("RETURNING " + returningBatch)
	} else {
		values := postgres.StructToMap(batch)
		set := make(map[string]any, len(batchUpdateColumns))
		for _, c := range batchUpdateColumns {
			set[c] = values[c]
		}
		q = r.builder.Update(batchesTable).
			SetMap(set).
			Where(squirrel.Eq{"id": batch.ID}).
			Suffix("RETURNING " + returningBatch)
	}

	sql, args, err := q.ToSql()
	if err != nil {
		return entity.StockBatch{}, fmt.Errorf("build upsert: %w", err)
	}

	var saved entity.StockBatch
	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &saved, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity.StockBatch{}, apperror.NewNotFound("stock batch", batch.ID)
		}
		return entity.StockBatch{}, postgres.MapError(fmt.Errorf("save stock batch: %w", err))
	}
	return saved, nil
}

func (r *BatchRepo) FindAvailableForUpdate(ctx context.Context, pharmacyID, drugID id.ID, today types.Date) ([]entity.StockBatch, error) {
	return r.selectMany(ctx, r.selectBatches().
		Where(squirrel.Eq{"pharmacy_id": pharmacyID, "drug_id": drugID, "is_quarantined": false}).
		Where(squirrel.GtOrEq{"expiry_date": today}).
		Where("quantity > allocated_quantity").
		OrderBy("expiry_date", "batch_number").
		Suffix("FOR UPDATE"))
}

func (r *BatchRepo) FindAllocatedForUpdate(ctx context.Context, pharmacyID, drugID id.ID) ([]entity.StockBatch, error) {
	return r.selectMany(ctx, r.selectBatches().
		Where(squirrel.Eq{"pharmacy_id": pharmacyID, "drug_id": drugID}).
		Where(squirrel.Gt{"allocated_quantity": 0}).
		OrderBy("expiry_date", "batch_number").
		Suffix("FOR UPDATE"))
}

func (r *BatchRepo) FindExpiredForUpdate(ctx context.Context, pharmacyID id.ID, today types.Date) ([]entity.StockBatch, error) {
	return r.selectMany(ctx, r.selectBatches().
		Where(squirrel.Eq{"pharmacy_id": pharmacyID}).
		Where(squirrel.Lt{"expiry_date": today}).
		Where(squirrel.Gt{"quantity": 0}).
		OrderBy("drug_id", "batch_number").
		Suffix("FOR UPDATE"))
}

func (r *BatchRepo) ListForUpdate(ctx context.Context, pharmacyID id.ID) ([]entity.StockBatch, error) {
	return r.selectMany(ctx, r.selectBatches().
		Where(squirrel.Eq{"pharmacy_id": pharmacyID}).
		OrderBy("drug_id", "batch_number").
		Suffix("FOR UPDATE"))
}

func (r *BatchRepo) List(ctx context.Context, pharmacyID id.ID, f stock.BatchFilter) ([]entity.StockBatch, error) {
	q := r.selectBatches().Where(squirrel.Eq{"pharmacy_id": pharmacyID})
	if f.DrugID != nil {
		q = q.Where(squirrel.Eq{"drug_id": *f.DrugID})
	}
	if f.QuarantinedOnly {
		q = q.Where(squirrel.Eq{"is_quarantined": true})
	}
	expiring := f.ExpiringFrom != nil || f.ExpiringBy != nil
	if !f.IncludeEmpty || expiring {
		q = q.Where(squirrel.Gt{"quantity": 0})
	}
	if f.ExpiringFrom != nil {
		q = q.Where(squirrel.GtOrEq{"expiry_date": *f.ExpiringFrom})
	}
	if f.ExpiringBy != nil {
		q = q.Where(squirrel.LtOrEq{"expiry_date": *f.ExpiringBy})
	}
	return r.selectMany(ctx, q.OrderBy("drug_id", "expiry_date", "batch_number"))
}

func (r *BatchRepo) PharmaciesWithStock(ctx context.Context) ([]id.ID, error) {
	sql, args, err := r.builder.Select("DISTINCT pharmacy_id").
		From(batchesTable).
		OrderBy("pharmacy_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var ids []id.ID
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &ids, sql, args...); err != nil {
		return nil, postgres.MapError(fmt.Errorf("select pharmacies: %w", err))
	}
	return ids, nil
}

func (r *BatchRepo) selectMany(ctx context.Context, q squirrel.SelectBuilder) ([]entity.StockBatch, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var batches []entity.StockBatch
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &batches, sql, args...); err != nil {
		return nil, postgres.MapError(fmt.Errorf("select stock batches: %w", err))
	}
	return batches, nil
}
