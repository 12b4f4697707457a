package stock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"pharmstock/internal/core/apperror"
	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/core/types"
	"pharmstock/pkg/logger"
	"pharmstock/pkg/numerator"
)

// Operation names, used in errors, logs and metrics.
const (
	OpReceive             = "receive"
	OpDispense            = "dispense"
	OpAdjust              = "adjust"
	OpTransfer            = "transfer"
	OpAllocate            = "allocate"
	OpRelease             = "release"
	OpRemoveExpired       = "remove_expired_stock"
	OpReconcile           = "reconcile"
	OpSetQuarantine       = "set_quarantine"
	OpUpdateBatchSettings = "update_batch_settings"
)

// ReportSink stores reconciliation reports after commit.
type ReportSink interface {
	SaveReconcileReport(ctx context.Context, report ReconcileReport) error
}

// Service is the stock operations engine. Every mutating method authorizes
// the caller, then runs in exactly one unit of work.
type Service struct {
	runner   UnitOfWorkRunner
	authz    security.Authorizer
	drugs    DrugCatalog
	cfg      Config
	observer Observer
	reports  ReportSink
}

// NewService creates the engine. observer and reports may be nil.
func NewService(
	runner UnitOfWorkRunner,
	authz security.Authorizer,
	drugs DrugCatalog,
	cfg Config,
	observer Observer,
	reports ReportSink,
) *Service {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{
		runner:   runner,
		authz:    authz,
		drugs:    drugs,
		cfg:      cfg.withDefaults(),
		observer: observer,
		reports:  reports,
	}
}

// Receive books a delivery into a batch, creating it on first receipt.
// Cost and selling price of an existing batch are overwritten (last price wins).
func (s *Service) Receive(ctx context.Context, req ReceiveRequest) (res ReceiveResult, err error) {
	defer s.finish(OpReceive, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.PharmacyID); err != nil {
		return res, err
	}
	drug, err := s.drugs.GetDrug(ctx, req.DrugID)
	if err != nil {
		return res, err
	}

	today := s.cfg.today()
	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		batch, err := uow.Batches().FindForUpdate(ctx, req.Key())
		created := false
		switch {
		case apperror.IsNotFound(err):
			if req.ExpiryDate.Before(today) {
				return apperror.NewValidation("expiry date of a new batch is in the past").
					WithDetail("expiry_date", req.ExpiryDate.String())
			}
			batch = entity.StockBatch{
				PharmacyID:        req.PharmacyID,
				DrugID:            req.DrugID,
				BatchNumber:       req.BatchNumber,
				Quantity:          types.Zero(),
				AllocatedQuantity: types.Zero(),
				MinimumStockLevel: types.Zero(),
				ExpiryDate:        req.ExpiryDate,
				SellingPrice:      drug.ReferencePrice,
			}
			created = true
		case err != nil:
			return err
		case !batch.ExpiryDate.Equal(req.ExpiryDate):
			return apperror.NewValidation("batch already exists with a different expiry date").
				WithDetail("batch", req.Key().String()).
				WithDetail("expiry_date", batch.ExpiryDate.String())
		}

		batch.Quantity = batch.Quantity.Add(req.Quantity)
		batch.CostPrice = req.CostPrice
		if req.SellingPrice != nil {
			batch.SellingPrice = *req.SellingPrice
		}
		if req.MinimumStockLevel != nil {
			batch.MinimumStockLevel = *req.MinimumStockLevel
		}
		if req.SupplierID != nil {
			batch.SupplierID = req.SupplierID
		}
		if req.SupplierName != "" {
			batch.SupplierName = req.SupplierName
		}
		if req.SupplierInvoice != "" {
			batch.SupplierInvoice = req.SupplierInvoice
		}
		if req.Notes != "" {
			batch.Notes = req.Notes
		}

		saved, err := uow.Batches().Upsert(ctx, batch)
		if err != nil {
			return fmt.Errorf("save batch: %w", err)
		}

		m := entity.NewMovement(entity.MovementPurchase, saved.Key(), req.Quantity, saved.Quantity)
		m.ReferenceType = defaultString(req.ReferenceType, "receipt")
		m.ReferenceNumber = req.ReferenceNumber
		if req.SupplierInvoice != "" {
			m.Metadata["supplierInvoice"] = req.SupplierInvoice
		}
		if created {
			m.Metadata["newBatch"] = true
		}
		m, err = s.record(ctx, uow, m, saved.CostPrice)
		if err != nil {
			return err
		}

		res = ReceiveResult{Batch: s.derive(saved), Movement: m, Created: created}
		return uow.Events().Publish(ctx, movementsEvent(EventReceived, req.PharmacyID, m.UserID, []entity.StockMovement{m}))
	})
	if err != nil {
		return ReceiveResult{}, err
	}

	s.observeMoved(res.Movement)
	logger.Info(ctx, "stock received",
		"pharmacy_id", req.PharmacyID,
		"drug_id", req.DrugID,
		"batch_number", req.BatchNumber,
		"quantity", req.Quantity.String(),
		"new_batch", res.Created,
	)
	return res, nil
}

// Dispense removes stock in FEFO order, one SALE movement per drawn batch.
// Either the whole quantity is dispensed or nothing is.
func (s *Service) Dispense(ctx context.Context, req DispenseRequest) (res DispenseResult, err error) {
	defer s.finish(OpDispense, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.PharmacyID); err != nil {
		return res, err
	}

	today := s.cfg.today()
	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		candidates, err := uow.Batches().FindAvailableForUpdate(ctx, req.PharmacyID, req.DrugID, today)
		if err != nil {
			return fmt.Errorf("find available batches: %w", err)
		}
		draws, err := PlanFEFO(candidates, req.Quantity, today)
		if err != nil {
			return annotate(err, "pharmacy_id", req.PharmacyID.String(), "drug_id", req.DrugID.String())
		}

		available := totalAvailable(candidates, today)
		movements := make([]entity.StockMovement, 0, len(draws))
		for _, d := range draws {
			b := d.Batch
			b.Quantity = b.Quantity.Sub(d.Quantity)
			saved, err := s.save(ctx, uow, b)
			if err != nil {
				return err
			}

			m := entity.NewMovement(entity.MovementSale, saved.Key(), d.Quantity.Neg(), saved.Quantity)
			m.ReferenceType = defaultString(req.ReferenceType, "sale")
			m.ReferenceNumber = req.ReferenceNumber
			if req.Notes != "" {
				m.Metadata["notes"] = req.Notes
			}
			m, err = s.record(ctx, uow, m, saved.CostPrice)
			if err != nil {
				return err
			}
			movements = append(movements, m)
		}

		res = DispenseResult{
			Movements:          movements,
			RemainingAvailable: available.Sub(req.Quantity),
		}
		return uow.Events().Publish(ctx, movementsEvent(EventDispensed, req.PharmacyID, appctx.GetUserID(ctx), movements))
	})
	if err != nil {
		return DispenseResult{}, err
	}

	s.observeMoved(res.Movements...)
	logger.Info(ctx, "stock dispensed",
		"pharmacy_id", req.PharmacyID,
		"drug_id", req.DrugID,
		"quantity", req.Quantity.String(),
		"batches", len(res.Movements),
	)
	return res, nil
}

// Adjust applies a signed correction to one batch. The result must stay
// at or above both zero and the allocated quantity.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (res AdjustResult, err error) {
	defer s.finish(OpAdjust, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.PharmacyID); err != nil {
		return res, err
	}

	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		b, err := uow.Batches().FindForUpdate(ctx, req.Key())
		if err != nil {
			return err
		}

		oldQty := b.Quantity
		newQty := oldQty.Add(req.Quantity)
		if newQty.IsNegative() {
			return apperror.NewInvalidAdjustment("adjustment would make quantity negative").
				WithDetail("batch", req.Key().String()).
				WithDetail("quantity", oldQty.String()).
				WithDetail("adjustment", req.Quantity.String())
		}
		if newQty.LessThan(b.AllocatedQuantity) {
			return apperror.NewInvalidAdjustment("adjustment would leave quantity below allocated").
				WithDetail("batch", req.Key().String()).
				WithDetail("new_quantity", newQty.String()).
				WithDetail("allocated", b.AllocatedQuantity.String())
		}

		b.Quantity = newQty
		saved, err := s.save(ctx, uow, b)
		if err != nil {
			return err
		}

		rate := saved.CostPrice
		if req.Rate != nil {
			rate = *req.Rate
		}
		m := entity.NewMovement(entity.MovementAdjustment, saved.Key(), req.Quantity, saved.Quantity)
		m.ReferenceType = entity.ReferenceAdjustment
		m.ReferenceNumber = req.ReferenceNumber
		m.Metadata["oldQuantity"] = oldQty.String()
		m.Metadata["newQuantity"] = newQty.String()
		m.Metadata["reason"] = req.Reason
		m, err = s.record(ctx, uow, m, rate)
		if err != nil {
			return err
		}

		res = AdjustResult{Batch: s.derive(saved), Movement: m}
		return uow.Events().Publish(ctx, movementsEvent(EventAdjusted, req.PharmacyID, m.UserID, []entity.StockMovement{m}))
	})
	if err != nil {
		return AdjustResult{}, err
	}

	s.observeMoved(res.Movement)
	logger.Info(ctx, "stock adjusted",
		"batch", req.Key().String(),
		"adjustment", req.Quantity.String(),
		"reason", req.Reason,
	)
	return res, nil
}

// Transfer moves quantity of one batch to the same batch number at another
// pharmacy, creating the destination batch when needed.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (res TransferResult, err error) {
	defer s.finish(OpTransfer, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.FromPharmacyID); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.ToPharmacyID); err != nil {
		return res, err
	}

	srcKey, dstKey := req.SourceKey(), req.DestinationKey()
	transferID := id.New().String()

	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		var (
			src, dst  entity.StockBatch
			dstExists bool
		)
		lockSource := func() (err error) {
			src, err = uow.Batches().FindForUpdate(ctx, srcKey)
			return err
		}
		lockDestination := func() error {
			b, err := uow.Batches().FindForUpdate(ctx, dstKey)
			switch {
			case apperror.IsNotFound(err):
				return nil
			case err != nil:
				return err
			}
			dst, dstExists = b, true
			return nil
		}

		// Both rows are locked in key order so opposite transfers cannot deadlock.
		first, second := lockSource, lockDestination
		if dstKey.Less(srcKey) {
			first, second = lockDestination, lockSource
		}
		if err := first(); err != nil {
			return err
		}
		if err := second(); err != nil {
			return err
		}

		if src.Available().LessThan(req.Quantity) {
			return apperror.NewInsufficientStock(req.Quantity, src.Available()).
				WithDetail("batch", srcKey.String())
		}

		src.Quantity = src.Quantity.Sub(req.Quantity)
		if dstExists {
			dst.Quantity = dst.Quantity.Add(req.Quantity)
		} else {
			dst = entity.StockBatch{
				PharmacyID:        req.ToPharmacyID,
				DrugID:            req.DrugID,
				BatchNumber:       req.BatchNumber,
				Quantity:          req.Quantity,
				AllocatedQuantity: types.Zero(),
				MinimumStockLevel: types.Zero(),
				ExpiryDate:        src.ExpiryDate,
				CostPrice:         src.CostPrice,
				SellingPrice:      src.SellingPrice,
				IsQuarantined:     src.IsQuarantined,
				SupplierID:        src.SupplierID,
				SupplierName:      src.SupplierName,
				SupplierInvoice:   src.SupplierInvoice,
			}
		}

		savedSrc, err := s.save(ctx, uow, src)
		if err != nil {
			return err
		}
		savedDst, err := s.save(ctx, uow, dst)
		if err != nil {
			return err
		}

		reference := req.ReferenceNumber
		if reference == "" {
			reference, err = numerator.Next(ctx, uow.Sequences(), s.cfg.TransferNumbering, appctx.GetTenantID(ctx), s.cfg.Now())
			if err != nil {
				return err
			}
		}

		out := entity.NewMovement(entity.MovementTransferOut, srcKey, req.Quantity.Neg(), savedSrc.Quantity)
		out.ReferenceType = entity.ReferenceTransfer
		out.ReferenceNumber = reference
		out.Metadata["transferId"] = transferID
		out.Metadata["toPharmacyId"] = req.ToPharmacyID.String()
		if out, err = s.record(ctx, uow, out, savedSrc.CostPrice); err != nil {
			return err
		}

		in := entity.NewMovement(entity.MovementTransferIn, dstKey, req.Quantity, savedDst.Quantity)
		in.ReferenceType = entity.ReferenceTransfer
		in.ReferenceNumber = reference
		in.Metadata["transferId"] = transferID
		in.Metadata["fromPharmacyId"] = req.FromPharmacyID.String()
		if !dstExists {
			in.Metadata["newBatch"] = true
		}
		if in, err = s.record(ctx, uow, in, savedDst.CostPrice); err != nil {
			return err
		}

		res = TransferResult{
			TransferID:      transferID,
			ReferenceNumber: reference,
			Source:          s.derive(savedSrc),
			Destination:     s.derive(savedDst),
			Out:             out,
			In:              in,
		}
		return uow.Events().Publish(ctx, movementsEvent(EventTransferred, req.FromPharmacyID, out.UserID, []entity.StockMovement{out, in}))
	})
	if err != nil {
		return TransferResult{}, err
	}

	s.observeMoved(res.Out)
	logger.Info(ctx, "stock transferred",
		"transfer_id", transferID,
		"from_pharmacy_id", req.FromPharmacyID,
		"to_pharmacy_id", req.ToPharmacyID,
		"drug_id", req.DrugID,
		"batch_number", req.BatchNumber,
		"quantity", req.Quantity.String(),
	)
	return res, nil
}

// Allocate reserves quantity in FEFO order without touching physical stock.
func (s *Service) Allocate(ctx context.Context, req ReservationRequest) (res ReservationResult, err error) {
	defer s.finish(OpAllocate, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.PharmacyID); err != nil {
		return res, err
	}

	today := s.cfg.today()
	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		candidates, err := uow.Batches().FindAvailableForUpdate(ctx, req.PharmacyID, req.DrugID, today)
		if err != nil {
			return fmt.Errorf("find available batches: %w", err)
		}
		draws, err := PlanFEFO(candidates, req.Quantity, today)
		if err != nil {
			return annotate(err, "pharmacy_id", req.PharmacyID.String(), "drug_id", req.DrugID.String())
		}

		movements, err := s.applyReservation(ctx, uow, entity.MovementAllocation, draws, req)
		if err != nil {
			return err
		}
		res = ReservationResult{Movements: movements}
		return uow.Events().Publish(ctx, movementsEvent(EventAllocated, req.PharmacyID, appctx.GetUserID(ctx), movements))
	})
	if err != nil {
		return ReservationResult{}, err
	}

	logger.Info(ctx, "stock allocated",
		"pharmacy_id", req.PharmacyID,
		"drug_id", req.DrugID,
		"quantity", req.Quantity.String(),
		"reference", req.ReferenceType+"/"+req.ReferenceNumber,
	)
	return res, nil
}

// Release returns reserved quantity, earliest expiry first.
func (s *Service) Release(ctx context.Context, req ReservationRequest) (res ReservationResult, err error) {
	defer s.finish(OpRelease, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return res, err
	}
	if err = s.authz.Authorize(ctx, req.PharmacyID); err != nil {
		return res, err
	}

	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		allocated, err := uow.Batches().FindAllocatedForUpdate(ctx, req.PharmacyID, req.DrugID)
		if err != nil {
			return fmt.Errorf("find allocated batches: %w", err)
		}
		draws, err := PlanRelease(allocated, req.Quantity)
		if err != nil {
			return annotate(err, "pharmacy_id", req.PharmacyID.String(), "drug_id", req.DrugID.String())
		}

		movements, err := s.applyReservation(ctx, uow, entity.MovementRelease, draws, req)
		if err != nil {
			return err
		}
		res = ReservationResult{Movements: movements}
		return uow.Events().Publish(ctx, movementsEvent(EventReleased, req.PharmacyID, appctx.GetUserID(ctx), movements))
	})
	if err != nil {
		return ReservationResult{}, err
	}

	logger.Info(ctx, "stock released",
		"pharmacy_id", req.PharmacyID,
		"drug_id", req.DrugID,
		"quantity", req.Quantity.String(),
		"reference", req.ReferenceType+"/"+req.ReferenceNumber,
	)
	return res, nil
}

// applyReservation changes allocated quantities and writes zero-quantity
// movements that carry the stock value forward unchanged.
func (s *Service) applyReservation(
	ctx context.Context,
	uow UnitOfWork,
	movementType entity.MovementType,
	draws []Draw,
	req ReservationRequest,
) ([]entity.StockMovement, error) {
	movements := make([]entity.StockMovement, 0, len(draws))
	for _, d := range draws {
		b := d.Batch
		before := b.AllocatedQuantity
		if movementType == entity.MovementAllocation {
			b.AllocatedQuantity = before.Add(d.Quantity)
		} else {
			b.AllocatedQuantity = before.Sub(d.Quantity)
		}
		saved, err := s.save(ctx, uow, b)
		if err != nil {
			return nil, err
		}

		m := entity.NewMovement(movementType, saved.Key(), types.Zero(), saved.Quantity)
		m.ReferenceType = req.ReferenceType
		m.ReferenceNumber = req.ReferenceNumber
		m.Metadata["reserved"] = d.Quantity.String()
		m.Metadata["allocatedBefore"] = before.String()
		m.Metadata["allocatedAfter"] = saved.AllocatedQuantity.String()
		m, err = s.record(ctx, uow, m, saved.CostPrice)
		if err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	return movements, nil
}

// RemoveExpiredStock writes off every batch whose expiry date has passed.
// Running it again the same day finds nothing to do.
func (s *Service) RemoveExpiredStock(ctx context.Context, pharmacyID id.ID) (res ExpiryResult, err error) {
	defer s.finish(OpRemoveExpired, time.Now(), &err)

	if id.IsNil(pharmacyID) {
		return res, apperror.NewValidation("pharmacy id is required")
	}
	if err = s.authz.Authorize(ctx, pharmacyID); err != nil {
		return res, err
	}

	today := s.cfg.today()
	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		expired, err := uow.Batches().FindExpiredForUpdate(ctx, pharmacyID, today)
		if err != nil {
			return fmt.Errorf("find expired batches: %w", err)
		}

		res = ExpiryResult{TotalLostValue: types.Zero()}
		for _, b := range expired {
			remaining := b.Quantity
			released := b.AllocatedQuantity
			if !remaining.IsPositive() {
				continue
			}

			b.Quantity = types.Zero()
			b.AllocatedQuantity = types.Zero()
			saved, err := s.save(ctx, uow, b)
			if err != nil {
				return err
			}

			lost := remaining.Mul(saved.CostPrice)
			m := entity.NewMovement(entity.MovementExpiry, saved.Key(), remaining.Neg(), saved.Quantity)
			m.ReferenceType = entity.ReferenceExpiry
			m.ReferenceNumber = today.String()
			m.Metadata["lostValue"] = lost.String()
			m.Metadata["expiryDate"] = saved.ExpiryDate.String()
			if released.IsPositive() {
				m.Metadata["allocatedReleased"] = released.String()
			}
			m, err = s.record(ctx, uow, m, saved.CostPrice)
			if err != nil {
				return err
			}

			res.Movements = append(res.Movements, m)
			res.Batches = append(res.Batches, ExpiredBatch{
				Key:               saved.Key(),
				ExpiryDate:        saved.ExpiryDate,
				Quantity:          remaining,
				LostValue:         lost,
				AllocatedReleased: released,
			})
			res.TotalLostValue = res.TotalLostValue.Add(lost)
		}

		if len(res.Movements) == 0 {
			return nil
		}
		return uow.Events().Publish(ctx, movementsEvent(EventExpiredRemoved, pharmacyID, appctx.GetUserID(ctx), res.Movements))
	})
	if err != nil {
		return ExpiryResult{}, err
	}

	s.observeMoved(res.Movements...)
	if len(res.Batches) > 0 {
		logger.Info(ctx, "expired stock removed",
			"pharmacy_id", pharmacyID,
			"batches", len(res.Batches),
			"lost_value", res.TotalLostValue.String(),
		)
	}
	return res, nil
}

// Reconcile re-derives every batch quantity from the ledger. Drift is
// repaired and reported, never returned as an error.
func (s *Service) Reconcile(ctx context.Context, pharmacyID id.ID) (report ReconcileReport, err error) {
	defer s.finish(OpReconcile, time.Now(), &err)

	if id.IsNil(pharmacyID) {
		return report, apperror.NewValidation("pharmacy id is required")
	}
	if err = s.authz.Authorize(ctx, pharmacyID); err != nil {
		return report, err
	}

	runAt := s.cfg.Now().UTC()
	var movements []entity.StockMovement
	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		batches, err := uow.Batches().ListForUpdate(ctx, pharmacyID)
		if err != nil {
			return fmt.Errorf("lock batches: %w", err)
		}
		sums, err := uow.Movements().SumByBatch(ctx, pharmacyID)
		if err != nil {
			return fmt.Errorf("sum ledger: %w", err)
		}

		report = ReconcileReport{PharmacyID: pharmacyID, RunAt: runAt, BatchesChecked: len(batches)}
		movements = movements[:0]
		for _, b := range batches {
			key := b.Key()
			ledger, ok := sums[key]
			if !ok {
				ledger = types.Zero()
			}
			delete(sums, key)

			if ledger.Equal(b.Quantity) {
				continue
			}
			if ledger.IsNegative() {
				logger.Error(ctx, "ledger total is negative, batch left untouched",
					"batch", key.String(),
					"ledger_quantity", ledger.String(),
				)
				report.Unrepaired = append(report.Unrepaired, key)
				continue
			}

			c := Correction{
				Key:          key,
				OldQuantity:  b.Quantity,
				NewQuantity:  ledger,
				OldAllocated: b.AllocatedQuantity,
				NewAllocated: types.Min(b.AllocatedQuantity, ledger),
			}
			b.Quantity = c.NewQuantity
			b.AllocatedQuantity = c.NewAllocated
			saved, err := s.save(ctx, uow, b)
			if err != nil {
				return err
			}

			// The ledger already holds the truth, so the correction adds nothing to it.
			m := entity.NewMovement(entity.MovementAdjustment, key, types.Zero(), saved.Quantity)
			m.ReferenceType = entity.ReferenceReconciliation
			m.ReferenceNumber = runAt.Format(time.RFC3339)
			m.Metadata["oldQuantity"] = c.OldQuantity.String()
			m.Metadata["newQuantity"] = c.NewQuantity.String()
			m.Metadata["oldAllocated"] = c.OldAllocated.String()
			m.Metadata["newAllocated"] = c.NewAllocated.String()
			m, err = s.record(ctx, uow, m, saved.CostPrice)
			if err != nil {
				return err
			}
			c.MovementID = m.ID
			movements = append(movements, m)
			report.Corrections = append(report.Corrections, c)

			logger.Warn(ctx, "stock quantity drift repaired",
				"batch", key.String(),
				"old_quantity", c.OldQuantity.String(),
				"new_quantity", c.NewQuantity.String(),
			)
		}

		for key := range sums {
			report.OrphanLedgerKeys = append(report.OrphanLedgerKeys, key)
		}
		slices.SortFunc(report.OrphanLedgerKeys, func(a, b entity.BatchKey) int {
			switch {
			case a.Less(b):
				return -1
			case b.Less(a):
				return 1
			}
			return 0
		})

		if len(movements) == 0 {
			return nil
		}
		return uow.Events().Publish(ctx, movementsEvent(EventReconciled, pharmacyID, appctx.GetUserID(ctx), movements))
	})
	if err != nil {
		return ReconcileReport{}, err
	}

	s.observer.AddReconcileCorrections(len(report.Corrections))
	if s.reports != nil {
		if err := s.reports.SaveReconcileReport(ctx, report); err != nil {
			logger.Error(ctx, "save reconcile report", "pharmacy_id", pharmacyID, "error", err)
		}
	}
	logger.Info(ctx, "stock reconciled",
		"pharmacy_id", pharmacyID,
		"batches", report.BatchesChecked,
		"corrections", len(report.Corrections),
		"orphans", len(report.OrphanLedgerKeys),
		"unrepaired", len(report.Unrepaired),
	)
	return report, nil
}

// SetQuarantine excludes a batch from FEFO selection, or lifts the exclusion.
func (s *Service) SetQuarantine(ctx context.Context, req QuarantineRequest) (view entity.BatchView, err error) {
	defer s.finish(OpSetQuarantine, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return view, err
	}
	if err = s.authz.Authorize(ctx, req.Key.PharmacyID); err != nil {
		return view, err
	}

	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		b, err := uow.Batches().FindForUpdate(ctx, req.Key)
		if err != nil {
			return err
		}
		if b.IsQuarantined == req.Quarantined {
			view = s.derive(b)
			return nil
		}

		b.IsQuarantined = req.Quarantined
		saved, err := s.save(ctx, uow, b)
		if err != nil {
			return err
		}
		view = s.derive(saved)

		eventType := EventBatchReleased
		if req.Quarantined {
			eventType = EventBatchQuarantined
		}
		return uow.Events().Publish(ctx, Event{
			Type:        eventType,
			AggregateID: req.Key.PharmacyID.String(),
			Payload:     BatchPayload{Batch: saved, UserID: appctx.GetUserID(ctx), Reason: req.Reason},
		})
	})
	if err != nil {
		return entity.BatchView{}, err
	}

	logger.Info(ctx, "batch quarantine changed",
		"batch", req.Key.String(),
		"quarantined", req.Quarantined,
		"reason", req.Reason,
	)
	return view, nil
}

// UpdateBatchSettings changes the reorder level, selling price or notes of a batch.
func (s *Service) UpdateBatchSettings(ctx context.Context, req BatchSettingsRequest) (view entity.BatchView, err error) {
	defer s.finish(OpUpdateBatchSettings, time.Now(), &err)

	if err = req.Validate(); err != nil {
		return view, err
	}
	if err = s.authz.Authorize(ctx, req.Key.PharmacyID); err != nil {
		return view, err
	}

	err = s.runner.Within(ctx, func(ctx context.Context, uow UnitOfWork) error {
		b, err := uow.Batches().FindForUpdate(ctx, req.Key)
		if err != nil {
			return err
		}
		if req.MinimumStockLevel != nil {
			b.MinimumStockLevel = *req.MinimumStockLevel
		}
		if req.SellingPrice != nil {
			b.SellingPrice = *req.SellingPrice
		}
		if req.Notes != nil {
			b.Notes = *req.Notes
		}
		saved, err := s.save(ctx, uow, b)
		if err != nil {
			return err
		}
		view = s.derive(saved)
		return uow.Events().Publish(ctx, Event{
			Type:        EventBatchSettingsSaved,
			AggregateID: req.Key.PharmacyID.String(),
			Payload:     BatchPayload{Batch: saved, UserID: appctx.GetUserID(ctx)},
		})
	})
	if err != nil {
		return entity.BatchView{}, err
	}
	return view, nil
}

// --- helpers ---

// save checks the batch invariant before writing.
func (s *Service) save(ctx context.Context, uow UnitOfWork, b entity.StockBatch) (entity.StockBatch, error) {
	if err := b.CheckInvariant(); err != nil {
		return entity.StockBatch{}, apperror.NewInternal(err)
	}
	saved, err := uow.Batches().Upsert(ctx, b)
	if err != nil {
		return entity.StockBatch{}, fmt.Errorf("save batch %s: %w", b.Key(), err)
	}
	return saved, nil
}

// record values m against the batch's running stock value and appends it.
func (s *Service) record(ctx context.Context, uow UnitOfWork, m entity.StockMovement, rate types.Money) (entity.StockMovement, error) {
	prev, err := previousValue(ctx, uow.Movements(), m.Key())
	if err != nil {
		return entity.StockMovement{}, err
	}
	Value(prev, m.Quantity, rate).Apply(&m)
	m.UserID = appctx.GetUserID(ctx)

	saved, err := uow.Movements().Append(ctx, m)
	if err != nil {
		return entity.StockMovement{}, fmt.Errorf("append %s movement: %w", m.Type, err)
	}
	return saved, nil
}

func (s *Service) derive(b entity.StockBatch) entity.BatchView {
	return entity.Derive(b, s.cfg.today(), s.cfg.ExpiringSoonDays)
}

func (s *Service) finish(op string, started time.Time, errp *error) {
	outcome := "ok"
	if *errp != nil {
		outcome = "error"
		if appErr, ok := apperror.AsAppError(*errp); ok {
			if _, set := appErr.Details["operation"]; !set {
				appErr.WithOperation(op)
			}
			outcome = strings.ToLower(appErr.Code)
		}
	}
	s.observer.ObserveOperation(op, outcome, time.Since(started))
}

func (s *Service) observeMoved(movements ...entity.StockMovement) {
	for _, m := range movements {
		s.observer.AddMovedQuantity(m.Type, m.Quantity.Abs().InexactFloat64())
	}
}

func totalAvailable(batches []entity.StockBatch, today types.Date) types.Quantity {
	total := types.Zero()
	for _, b := range batches {
		if b.IsSellable(today) {
			total = total.Add(b.Available())
		}
	}
	return total
}

// annotate adds identifiers to an AppError's details.
func annotate(err error, kv ...string) error {
	appErr, ok := apperror.AsAppError(err)
	if !ok {
		return err
	}
	for i := 0; i+1 < len(kv); i += 2 {
		appErr.WithDetail(kv[i], kv[i+1])
	}
	return err
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
