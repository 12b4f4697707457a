package stock

import (
	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/types"
)

// Draw is the quantity taken from one batch.
type Draw struct {
	Batch    entity.StockBatch
	Quantity types.Quantity
}

// PlanFEFO picks quantities from batches in first-expired-first-out order.
// batches must already be filtered to sellable rows and sorted by expiry;
// anything not sellable on today is skipped anyway.
func PlanFEFO(batches []entity.StockBatch, requested types.Quantity, today types.Date) ([]Draw, error) {
	sellable := make([]entity.StockBatch, 0, len(batches))
	total := types.Zero()
	for _, b := range batches {
		if !b.IsSellable(today) {
			continue
		}
		sellable = append(sellable, b)
		total = total.Add(b.Available())
	}

	if len(sellable) == 0 {
		return nil, apperror.NewNotFound("available stock", nil)
	}
	if total.LessThan(requested) {
		return nil, apperror.NewInsufficientStock(requested, total)
	}

	remaining := requested
	draws := make([]Draw, 0, len(sellable))
	for _, b := range sellable {
		if !remaining.IsPositive() {
			break
		}
		take := types.Min(remaining, b.Available())
		draws = append(draws, Draw{Batch: b, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return draws, nil
}

// PlanRelease walks batches with reservations in expiry order, releasing up
// to the requested amount.
func PlanRelease(batches []entity.StockBatch, requested types.Quantity) ([]Draw, error) {
	total := types.Zero()
	for _, b := range batches {
		total = total.Add(b.AllocatedQuantity)
	}
	if total.LessThan(requested) {
		return nil, apperror.NewInsufficientStock(requested, total).
			WithDetail("reason", "release exceeds allocated quantity")
	}

	remaining := requested
	draws := make([]Draw, 0, len(batches))
	for _, b := range batches {
		if !remaining.IsPositive() {
			break
		}
		if !b.AllocatedQuantity.IsPositive() {
			continue
		}
		take := types.Min(remaining, b.AllocatedQuantity)
		draws = append(draws, Draw{Batch: b, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return draws, nil
}
