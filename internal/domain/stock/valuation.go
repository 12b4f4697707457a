package stock

import (
	"context"
	"fmt"

	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/types"
)

// Valuation is the value effect of one movement.
type Valuation struct {
	Rate       types.Money
	Difference types.Money
	StockValue types.Money
}

// Value computes difference = delta × rate and stockValue = previous + difference.
func Value(previous types.Money, delta types.Quantity, rate types.Money) Valuation {
	diff := delta.Mul(rate)
	return Valuation{
		Rate:       rate,
		Difference: diff,
		StockValue: previous.Add(diff),
	}
}

// Apply copies the valuation onto m.
func (v Valuation) Apply(m *entity.StockMovement) {
	m.ValuationRate = v.Rate
	m.StockValueDifference = v.Difference
	m.StockValue = v.StockValue
}

// previousValue reads the running stock value of a batch inside the unit of work.
func previousValue(ctx context.Context, movements MovementStore, key entity.BatchKey) (types.Money, error) {
	latest, ok, err := movements.LatestFor(ctx, key)
	if err != nil {
		return types.Zero(), fmt.Errorf("latest movement for %s: %w", key, err)
	}
	if !ok {
		return types.Zero(), nil
	}
	return latest.StockValue, nil
}
