package stock

import (
	"context"
	"fmt"
	"slices"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

// LowStockLine is a drug whose total quantity is at or below its reorder level.
type LowStockLine struct {
	DrugID            id.ID          `json:"drugId"`
	TotalQuantity     types.Quantity `json:"totalQuantity"`
	AvailableQuantity types.Quantity `json:"availableQuantity"`
	MinimumStockLevel types.Quantity `json:"minimumStockLevel"`
	Batches           int            `json:"batches"`
}

// ValuationLine compares a batch's state value with the ledger's running value.
type ValuationLine struct {
	Key         entity.BatchKey `json:"key"`
	Quantity    types.Quantity  `json:"quantity"`
	CostPrice   types.Money     `json:"costPrice"`
	StateValue  types.Money     `json:"stateValue"`
	LedgerValue types.Money     `json:"ledgerValue"`
	Difference  types.Money     `json:"difference"`
}

// ValuationReport totals stock value of a pharmacy.
type ValuationReport struct {
	PharmacyID       id.ID           `json:"pharmacyId"`
	Lines            []ValuationLine `json:"lines"`
	TotalStateValue  types.Money     `json:"totalStateValue"`
	TotalLedgerValue types.Money     `json:"totalLedgerValue"`
}

// GetBatch returns one batch with derived fields.
func (s *Service) GetBatch(ctx context.Context, key entity.BatchKey) (entity.BatchView, error) {
	if err := validateKey(key); err != nil {
		return entity.BatchView{}, err
	}
	if err := s.authz.Authorize(ctx, key.PharmacyID); err != nil {
		return entity.BatchView{}, err
	}

	var view entity.BatchView
	err := s.runner.ReadOnly(ctx, func(ctx context.Context, uow UnitOfWork) error {
		b, err := uow.Batches().Find(ctx, key)
		if err != nil {
			return err
		}
		view = s.derive(b)
		return nil
	})
	return view, err
}

// ListBatches returns the batches of a pharmacy with derived fields.
func (s *Service) ListBatches(ctx context.Context, pharmacyID id.ID, filter BatchFilter) ([]entity.BatchView, error) {
	batches, err := s.listBatches(ctx, pharmacyID, filter)
	if err != nil {
		return nil, err
	}
	views := make([]entity.BatchView, 0, len(batches))
	for _, b := range batches {
		views = append(views, s.derive(b))
	}
	return views, nil
}

// ExpiringSoon lists batches with stock expiring between today and today+days inclusive.
// days <= 0 uses the configured horizon.
func (s *Service) ExpiringSoon(ctx context.Context, pharmacyID id.ID, days int) ([]entity.BatchView, error) {
	if days <= 0 {
		days = s.cfg.ExpiringSoonDays
	}
	today := s.cfg.today()
	until := today.AddDays(days)
	batches, err := s.listBatches(ctx, pharmacyID, BatchFilter{ExpiringFrom: &today, ExpiringBy: &until})
	if err != nil {
		return nil, err
	}
	views := make([]entity.BatchView, 0, len(batches))
	for _, b := range batches {
		v := entity.Derive(b, today, days)
		views = append(views, v)
	}
	slices.SortStableFunc(views, func(a, b entity.BatchView) int {
		return a.ExpiryDate.Compare(b.ExpiryDate.Time)
	})
	return views, nil
}

// LowStock aggregates batches per drug and reports drugs at or below the
// highest reorder level set on any of their batches.
func (s *Service) LowStock(ctx context.Context, pharmacyID id.ID) ([]LowStockLine, error) {
	batches, err := s.listBatches(ctx, pharmacyID, BatchFilter{IncludeEmpty: true})
	if err != nil {
		return nil, err
	}

	today := s.cfg.today()
	byDrug := make(map[id.ID]*LowStockLine)
	var order []id.ID
	for _, b := range batches {
		line, ok := byDrug[b.DrugID]
		if !ok {
			line = &LowStockLine{
				DrugID:            b.DrugID,
				TotalQuantity:     types.Zero(),
				AvailableQuantity: types.Zero(),
				MinimumStockLevel: types.Zero(),
			}
			byDrug[b.DrugID] = line
			order = append(order, b.DrugID)
		}
		line.Batches++
		line.TotalQuantity = line.TotalQuantity.Add(b.Quantity)
		if b.IsSellable(today) {
			line.AvailableQuantity = line.AvailableQuantity.Add(b.Available())
		}
		if b.MinimumStockLevel.GreaterThan(line.MinimumStockLevel) {
			line.MinimumStockLevel = b.MinimumStockLevel
		}
	}

	var out []LowStockLine
	for _, drugID := range order {
		line := byDrug[drugID]
		if line.MinimumStockLevel.IsPositive() && line.TotalQuantity.LessThanOrEqual(line.MinimumStockLevel) {
			out = append(out, *line)
		}
	}
	return out, nil
}

// Availability is the sellable quantity of a drug across all its batches.
func (s *Service) Availability(ctx context.Context, pharmacyID, drugID id.ID) (types.Quantity, error) {
	if err := validateIDs(pharmacyID, drugID); err != nil {
		return types.Zero(), err
	}
	batches, err := s.listBatches(ctx, pharmacyID, BatchFilter{DrugID: &drugID})
	if err != nil {
		return types.Zero(), err
	}
	return totalAvailable(batches, s.cfg.today()), nil
}

// ListMovements returns ledger entries of a pharmacy, most recent first.
func (s *Service) ListMovements(ctx context.Context, pharmacyID id.ID, filter MovementFilter) ([]entity.StockMovement, error) {
	if id.IsNil(pharmacyID) {
		return nil, apperror.NewValidation("pharmacy id is required")
	}
	for _, t := range filter.Types {
		if !t.Valid() {
			return nil, apperror.NewValidation(fmt.Sprintf("unknown movement type %q", t))
		}
	}
	if err := s.authz.Authorize(ctx, pharmacyID); err != nil {
		return nil, err
	}

	switch {
	case filter.Limit <= 0:
		filter.Limit = s.cfg.DefaultMovementLimit
	case filter.Limit > s.cfg.MaxMovementLimit:
		filter.Limit = s.cfg.MaxMovementLimit
	}

	out := make([]entity.StockMovement, 0, filter.Limit)
	err := s.runner.ReadOnly(ctx, func(ctx context.Context, uow UnitOfWork) error {
		for m, err := range uow.Movements().List(ctx, pharmacyID, filter) {
			if err != nil {
				return fmt.Errorf("list movements: %w", err)
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Valuation reports stock value per batch, both as quantity × cost price and
// as the running value carried by the ledger.
func (s *Service) Valuation(ctx context.Context, pharmacyID id.ID) (ValuationReport, error) {
	if id.IsNil(pharmacyID) {
		return ValuationReport{}, apperror.NewValidation("pharmacy id is required")
	}
	if err := s.authz.Authorize(ctx, pharmacyID); err != nil {
		return ValuationReport{}, err
	}

	report := ValuationReport{
		PharmacyID:       pharmacyID,
		TotalStateValue:  types.Zero(),
		TotalLedgerValue: types.Zero(),
	}
	err := s.runner.ReadOnly(ctx, func(ctx context.Context, uow UnitOfWork) error {
		batches, err := uow.Batches().List(ctx, pharmacyID, BatchFilter{IncludeEmpty: true})
		if err != nil {
			return fmt.Errorf("list batches: %w", err)
		}
		for _, b := range batches {
			ledgerValue, err := previousValue(ctx, uow.Movements(), b.Key())
			if err != nil {
				return err
			}
			if b.Quantity.IsZero() && ledgerValue.IsZero() {
				continue
			}
			stateValue := b.Quantity.Mul(b.CostPrice)
			report.Lines = append(report.Lines, ValuationLine{
				Key:         b.Key(),
				Quantity:    b.Quantity,
				CostPrice:   b.CostPrice,
				StateValue:  stateValue,
				LedgerValue: ledgerValue,
				Difference:  ledgerValue.Sub(stateValue),
			})
			report.TotalStateValue = report.TotalStateValue.Add(stateValue)
			report.TotalLedgerValue = report.TotalLedgerValue.Add(ledgerValue)
		}
		return nil
	})
	if err != nil {
		return ValuationReport{}, err
	}
	return report, nil
}

func (s *Service) listBatches(ctx context.Context, pharmacyID id.ID, filter BatchFilter) ([]entity.StockBatch, error) {
	if id.IsNil(pharmacyID) {
		return nil, apperror.NewValidation("pharmacy id is required")
	}
	if err := s.authz.Authorize(ctx, pharmacyID); err != nil {
		return nil, err
	}

	var batches []entity.StockBatch
	err := s.runner.ReadOnly(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		batches, err = uow.Batches().List(ctx, pharmacyID, filter)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	return batches, nil
}

// PharmaciesWithStock lists pharmacies holding at least one batch. Background
// jobs use it to fan out; callers authorize each pharmacy separately.
func (s *Service) PharmaciesWithStock(ctx context.Context) ([]id.ID, error) {
	var ids []id.ID
	err := s.runner.ReadOnly(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var err error
		ids, err = uow.Batches().PharmaciesWithStock(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list pharmacies with stock: %w", err)
	}
	return ids, nil
}
