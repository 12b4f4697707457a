// Package catalog_repo provides PostgreSQL access to reference data:
// drugs and pharmacies. Stock operations only read it.
package catalog_repo

import (
	"context"
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/id"
	"pharmstock/internal/infrastructure/storage/postgres"
)

// BaseCatalogRepo provides lookups and upserts for a reference table.
// Embed this in specific catalog repositories.
type BaseCatalogRepo[T any] struct {
	txm        *postgres.TxManager
	tableName  string
	entityName string
	selectCols []string
}

// NewBaseCatalogRepo creates a base repository; columns come from T's db tags.
func NewBaseCatalogRepo[T any](txm *postgres.TxManager, tableName, entityName string) *BaseCatalogRepo[T] {
	return &BaseCatalogRepo[T]{
		txm:        txm,
		tableName:  tableName,
		entityName: entityName,
		selectCols: postgres.ExtractDBColumns[T](),
	}
}

// Builder returns a new squirrel builder with PostgreSQL placeholder format.
func (r *BaseCatalogRepo[T]) Builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func (r *BaseCatalogRepo[T]) baseSelect() squirrel.SelectBuilder {
	return r.Builder().Select(r.selectCols...).From(r.tableName)
}

// GetByID retrieves an entity by ID.
func (r *BaseCatalogRepo[T]) GetByID(ctx context.Context, entityID id.ID) (T, error) {
	return r.getOne(ctx, squirrel.Eq{"id": entityID}, entityID.String())
}

// GetByCode retrieves an entity by its business code.
func (r *BaseCatalogRepo[T]) GetByCode(ctx context.Context, code string) (T, error) {
	return r.getOne(ctx, squirrel.Eq{"code": code}, code)
}

func (r *BaseCatalogRepo[T]) getOne(ctx context.Context, where squirrel.Eq, key string) (T, error) {
	var entity T
	sql, args, err := r.baseSelect().Where(where).Limit(1).ToSql()
	if err != nil {
		return entity, fmt.Errorf("build query: %w", err)
	}

	if err := pgxscan.Get(ctx, r.txm.GetQuerier(ctx), &entity, sql, args...); err != nil {
		if pgxscan.NotFound(err) {
			return entity, apperror.NewNotFound(r.entityName, key)
		}
		return entity, postgres.MapError(fmt.Errorf("get %s: %w", r.entityName, err))
	}
	return entity, nil
}

// List returns active entities ordered by code.
func (r *BaseCatalogRepo[T]) List(ctx context.Context, where squirrel.Sqlizer) ([]T, error) {
	q := r.baseSelect().OrderBy("code")
	if where != nil {
		q = q.Where(where)
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var items []T
	if err := pgxscan.Select(ctx, r.txm.GetQuerier(ctx), &items, sql, args...); err != nil {
		return nil, postgres.MapError(fmt.Errorf("list %s: %w", r.entityName, err))
	}
	return items, nil
}

// Upsert inserts the entity or overwrites the row with the same ID.
func (r *BaseCatalogRepo[T]) Upsert(ctx context.Context, entity T) error {
	data := postgres.StructToMap(entity)
	if len(data) == 0 {
		return fmt.Errorf("no db tags found in %s", r.entityName)
	}

	updates := make([]string, 0, len(r.selectCols))
	for _, c := range postgres.Without(r.selectCols, "id") {
		updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}

	sql, args, err := r.Builder().
		Insert(r.tableName).
		Columns(r.selectCols...).
		Values(postgres.ValuesOf(data, r.selectCols)...).
		Suffix("ON CONFLICT (id) DO UPDATE SET " + strings.Join(updates, ", ")).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert: %w", err)
	}

	if _, err := r.txm.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return postgres.MapError(fmt.Errorf("upsert %s: %w", r.entityName, err))
	}
	return nil
}

// Load writes items with COPY into an empty table and with row upserts
// otherwise. Requires a transaction in ctx.
func (r *BaseCatalogRepo[T]) Load(ctx context.Context, items []T) (int64, error) {
	var populated bool
	err := r.txm.GetQuerier(ctx).
		QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+r.tableName+")").
		Scan(&populated)
	if err != nil {
		return 0, postgres.MapError(fmt.Errorf("probe %s: %w", r.tableName, err))
	}
	if !populated {
		return postgres.CopyStructs(ctx, postgres.NewBatchInserter(r.txm), r.tableName, items)
	}
	for _, item := range items {
		if err := r.Upsert(ctx, item); err != nil {
			return 0, err
		}
	}
	return int64(len(items)), nil
}
