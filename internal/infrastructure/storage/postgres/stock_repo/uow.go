package stock_repo

import (
	"context"

	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/storage/postgres"
)

// Runner implements stock.UnitOfWorkRunner on a TxManager. Row locks taken
// by the stores are held until the transaction ends.
type Runner struct {
	txm       *postgres.TxManager
	batches   *BatchRepo
	movements *MovementRepo
	events    *EventPublisher
	sequences *SequenceRepo
}

// NewRunner wires the stock stores to txm.
func NewRunner(txm *postgres.TxManager) *Runner {
	return &Runner{
		txm:       txm,
		batches:   NewBatchRepo(txm),
		movements: NewMovementRepo(txm),
		events:    NewEventPublisher(postgres.NewOutboxPublisher(txm)),
		sequences: NewSequenceRepo(txm),
	}
}

var _ stock.UnitOfWorkRunner = (*Runner)(nil)

func (r *Runner) Within(ctx context.Context, fn func(ctx context.Context, uow stock.UnitOfWork) error) error {
	if r.txm.GetTx(ctx) != nil {
		return stock.ErrNestedUnitOfWork
	}
	return r.txm.RunInTransaction(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

func (r *Runner) ReadOnly(ctx context.Context, fn func(ctx context.Context, uow stock.UnitOfWork) error) error {
	if r.txm.GetTx(ctx) != nil {
		return stock.ErrNestedUnitOfWork
	}
	return r.txm.ReadOnly(ctx, func(ctx context.Context) error {
		return fn(ctx, r)
	})
}

func (r *Runner) Batches() stock.BatchStore      { return r.batches }
func (r *Runner) Movements() stock.MovementStore { return r.movements }
func (r *Runner) Events() stock.EventPublisher   { return r.events }
func (r *Runner) Sequences() stock.SequenceStore { return r.sequences }
