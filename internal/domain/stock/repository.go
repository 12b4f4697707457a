// Package stock provides the pharmacy stock ledger and dispensing engine.
package stock

import (
	"context"
	"errors"
	"iter"
	"time"

	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

// BatchStore is the stock record store. Methods ending in ForUpdate take a
// row lock held until the unit of work ends.
type BatchStore interface {
	// Find returns NotFound when the batch does not exist.
	Find(ctx context.Context, key entity.BatchKey) (entity.StockBatch, error)

	// FindForUpdate is Find with a row lock.
	FindForUpdate(ctx context.Context, key entity.BatchKey) (entity.StockBatch, error)

	// Upsert inserts the batch or overwrites the row with the same key.
	// CreatedAt/UpdatedAt are maintained by the store.
	Upsert(ctx context.Context, batch entity.StockBatch) (entity.StockBatch, error)

	// FindAvailableForUpdate locks sellable batches of a drug:
	// not quarantined, expiry >= today, quantity > allocated; ordered by expiry ascending.
	FindAvailableForUpdate(ctx context.Context, pharmacyID, drugID id.ID, today types.Date) ([]entity.StockBatch, error)

	// FindAllocatedForUpdate locks batches of a drug with allocated > 0, ordered by expiry ascending.
	FindAllocatedForUpdate(ctx context.Context, pharmacyID, drugID id.ID) ([]entity.StockBatch, error)

	// FindExpiredForUpdate locks batches with expiry < today and quantity > 0.
	FindExpiredForUpdate(ctx context.Context, pharmacyID id.ID, today types.Date) ([]entity.StockBatch, error)

	// ListForUpdate locks every batch of a pharmacy in key order.
	ListForUpdate(ctx context.Context, pharmacyID id.ID) ([]entity.StockBatch, error)

	// List returns batches of a pharmacy without locking.
	List(ctx context.Context, pharmacyID id.ID, filter BatchFilter) ([]entity.StockBatch, error)

	// PharmaciesWithStock returns pharmacies that hold at least one batch.
	PharmaciesWithStock(ctx context.Context) ([]id.ID, error)
}

// BatchFilter narrows List.
type BatchFilter struct {
	DrugID          *id.ID
	IncludeEmpty    bool
	QuarantinedOnly bool
	// ExpiringBy keeps batches with quantity > 0 and today <= expiry <= ExpiringBy.
	ExpiringFrom *types.Date
	ExpiringBy   *types.Date
}

// MovementStore is the append-only ledger.
type MovementStore interface {
	// Append persists m, assigning Seq and CreatedAt.
	Append(ctx context.Context, m entity.StockMovement) (entity.StockMovement, error)

	// LatestFor returns the most recent movement of a batch; ok is false when none exists.
	LatestFor(ctx context.Context, key entity.BatchKey) (m entity.StockMovement, ok bool, err error)

	// List streams movements of a pharmacy, most recent first. The sequence
	// is finite and can be ranged over once.
	List(ctx context.Context, pharmacyID id.ID, filter MovementFilter) iter.Seq2[entity.StockMovement, error]

	// SumByBatch returns the ledger quantity total of every batch of a pharmacy.
	SumByBatch(ctx context.Context, pharmacyID id.ID) (map[entity.BatchKey]types.Quantity, error)
}

// MovementFilter for movement listings.
type MovementFilter struct {
	DrugID      *id.ID
	BatchNumber string
	Types       []entity.MovementType
	From        *time.Time
	To          *time.Time
	Limit       int
}

// Event is a domain event written to the outbox with the stock changes.
type Event struct {
	Type        string
	AggregateID string
	Payload     any
}

// EventPublisher stores events in the same transaction as the stock changes.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// SequenceStore advances named counters; it satisfies numerator.Sequence.
type SequenceStore interface {
	Advance(ctx context.Context, key string) (int64, error)
}

// UnitOfWork exposes stores bound to one open transaction.
type UnitOfWork interface {
	Batches() BatchStore
	Movements() MovementStore
	Events() EventPublisher
	Sequences() SequenceStore
}

// ErrNestedUnitOfWork is returned when a runner is called inside another unit.
var ErrNestedUnitOfWork = errors.New("unit of work already active in context")

// UnitOfWorkRunner opens transactions. fn's error rolls the whole unit back;
// a nil return commits. Runners reject nesting.
type UnitOfWorkRunner interface {
	Within(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
	ReadOnly(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// DrugCatalog is the read-only drug reference data.
type DrugCatalog interface {
	// GetDrug returns NotFound for unknown or inactive drugs.
	GetDrug(ctx context.Context, drugID id.ID) (entity.Drug, error)
}
