package stock

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

const maxBatchNumberLen = 64

// ReceiveRequest books incoming stock into a batch.
type ReceiveRequest struct {
	PharmacyID        id.ID
	DrugID            id.ID
	BatchNumber       string
	Quantity          types.Quantity
	ExpiryDate        types.Date
	CostPrice         types.Money
	SellingPrice      *types.Money
	MinimumStockLevel *types.Quantity
	SupplierID        *id.ID
	SupplierName      string
	SupplierInvoice   string
	Notes             string
	ReferenceType     string
	ReferenceNumber   string
}

func (r ReceiveRequest) Key() entity.BatchKey {
	return entity.BatchKey{PharmacyID: r.PharmacyID, DrugID: r.DrugID, BatchNumber: r.BatchNumber}
}

func (r ReceiveRequest) Validate() error {
	if err := validateKey(r.Key()); err != nil {
		return err
	}
	if err := requirePositive("quantity", r.Quantity); err != nil {
		return err
	}
	if r.ExpiryDate.IsZero() {
		return apperror.NewValidation("expiry date is required")
	}
	if err := requireNonNegative("cost price", &r.CostPrice, types.MoneyPlaces); err != nil {
		return err
	}
	if err := requireNonNegative("selling price", r.SellingPrice, types.MoneyPlaces); err != nil {
		return err
	}
	return requireNonNegative("minimum stock level", r.MinimumStockLevel, types.QuantityPlaces)
}

// ReceiveResult is the batch after the receipt and its PURCHASE movement.
type ReceiveResult struct {
	Batch    entity.BatchView     `json:"batch"`
	Movement entity.StockMovement `json:"movement"`
	Created  bool                 `json:"created"`
}

// DispenseRequest removes stock of a drug in FEFO order.
type DispenseRequest struct {
	PharmacyID      id.ID
	DrugID          id.ID
	Quantity        types.Quantity
	ReferenceType   string
	ReferenceNumber string
	Notes           string
}

func (r DispenseRequest) Validate() error {
	if err := validateIDs(r.PharmacyID, r.DrugID); err != nil {
		return err
	}
	return requirePositive("quantity", r.Quantity)
}

// DispenseResult lists one SALE movement per drawn batch.
type DispenseResult struct {
	Movements          []entity.StockMovement `json:"movements"`
	RemainingAvailable types.Quantity         `json:"remainingAvailable"`
}

// AdjustRequest changes a batch by a signed quantity.
type AdjustRequest struct {
	PharmacyID      id.ID
	DrugID          id.ID
	BatchNumber     string
	Quantity        types.Quantity
	Reason          string
	Rate            *types.Money
	ReferenceNumber string
}

func (r AdjustRequest) Key() entity.BatchKey {
	return entity.BatchKey{PharmacyID: r.PharmacyID, DrugID: r.DrugID, BatchNumber: r.BatchNumber}
}

func (r AdjustRequest) Validate() error {
	if err := validateKey(r.Key()); err != nil {
		return err
	}
	if r.Quantity.IsZero() {
		return apperror.NewValidation("adjustment quantity must not be zero")
	}
	if err := requirePlaces("adjustment quantity", r.Quantity.Abs(), types.QuantityPlaces); err != nil {
		return err
	}
	if strings.TrimSpace(r.Reason) == "" {
		return apperror.NewValidation("adjustment reason is required")
	}
	return requireNonNegative("valuation rate", r.Rate, types.MoneyPlaces)
}

// AdjustResult is the batch after the adjustment and its movement.
type AdjustResult struct {
	Batch    entity.BatchView     `json:"batch"`
	Movement entity.StockMovement `json:"movement"`
}

// TransferRequest moves stock of one batch between pharmacies.
type TransferRequest struct {
	FromPharmacyID  id.ID
	ToPharmacyID    id.ID
	DrugID          id.ID
	BatchNumber     string
	Quantity        types.Quantity
	ReferenceNumber string
	Notes           string
}

func (r TransferRequest) SourceKey() entity.BatchKey {
	return entity.BatchKey{PharmacyID: r.FromPharmacyID, DrugID: r.DrugID, BatchNumber: r.BatchNumber}
}

func (r TransferRequest) DestinationKey() entity.BatchKey {
	return entity.BatchKey{PharmacyID: r.ToPharmacyID, DrugID: r.DrugID, BatchNumber: r.BatchNumber}
}

func (r TransferRequest) Validate() error {
	if err := validateKey(r.SourceKey()); err != nil {
		return err
	}
	if id.IsNil(r.ToPharmacyID) {
		return apperror.NewValidation("destination pharmacy id is required")
	}
	if r.FromPharmacyID == r.ToPharmacyID {
		return apperror.NewValidation("source and destination pharmacy must differ")
	}
	return requirePositive("quantity", r.Quantity)
}

// TransferResult holds both sides of a transfer.
type TransferResult struct {
	TransferID      string               `json:"transferId"`
	ReferenceNumber string               `json:"referenceNumber"`
	Source          entity.BatchView     `json:"source"`
	Destination     entity.BatchView     `json:"destination"`
	Out             entity.StockMovement `json:"out"`
	In              entity.StockMovement `json:"in"`
}

// ReservationRequest is shared by Allocate and Release.
type ReservationRequest struct {
	PharmacyID      id.ID
	DrugID          id.ID
	Quantity        types.Quantity
	ReferenceType   string
	ReferenceNumber string
}

func (r ReservationRequest) Validate() error {
	if err := validateIDs(r.PharmacyID, r.DrugID); err != nil {
		return err
	}
	if err := requirePositive("quantity", r.Quantity); err != nil {
		return err
	}
	if strings.TrimSpace(r.ReferenceType) == "" || strings.TrimSpace(r.ReferenceNumber) == "" {
		return apperror.NewValidation("reference type and number are required for reservations")
	}
	return nil
}

// ReservationResult lists ALLOCATION or RELEASE movements.
type ReservationResult struct {
	Movements []entity.StockMovement `json:"movements"`
}

// ExpiredBatch describes one batch written off by RemoveExpiredStock.
type ExpiredBatch struct {
	Key               entity.BatchKey `json:"key"`
	ExpiryDate        types.Date      `json:"expiryDate"`
	Quantity          types.Quantity  `json:"quantity"`
	LostValue         types.Money     `json:"lostValue"`
	AllocatedReleased types.Quantity  `json:"allocatedReleased"`
}

// ExpiryResult summarises a RemoveExpiredStock run.
type ExpiryResult struct {
	Batches        []ExpiredBatch         `json:"batches"`
	Movements      []entity.StockMovement `json:"movements"`
	TotalLostValue types.Money            `json:"totalLostValue"`
}

// Correction is one batch fixed by Reconcile.
type Correction struct {
	Key          entity.BatchKey `json:"key"`
	OldQuantity  types.Quantity  `json:"oldQuantity"`
	NewQuantity  types.Quantity  `json:"newQuantity"`
	OldAllocated types.Quantity  `json:"oldAllocated"`
	NewAllocated types.Quantity  `json:"newAllocated"`
	MovementID   id.ID           `json:"movementId"`
}

// ReconcileReport is what Reconcile checked and fixed.
type ReconcileReport struct {
	PharmacyID     id.ID        `json:"pharmacyId"`
	RunAt          time.Time    `json:"runAt"`
	BatchesChecked int          `json:"batchesChecked"`
	Corrections    []Correction `json:"corrections"`

	// OrphanLedgerKeys have movements but no batch row; they are reported, not repaired.
	OrphanLedgerKeys []entity.BatchKey `json:"orphanLedgerKeys,omitempty"`

	// Unrepaired batches have a negative ledger total and need manual review.
	Unrepaired []entity.BatchKey `json:"unrepaired,omitempty"`
}

// QuarantineRequest toggles a batch in or out of quarantine.
type QuarantineRequest struct {
	Key         entity.BatchKey
	Quarantined bool
	Reason      string
}

func (r QuarantineRequest) Validate() error {
	if err := validateKey(r.Key); err != nil {
		return err
	}
	if r.Quarantined && strings.TrimSpace(r.Reason) == "" {
		return apperror.NewValidation("quarantine reason is required")
	}
	return nil
}

// BatchSettingsRequest updates non-quantity attributes of a batch.
type BatchSettingsRequest struct {
	Key               entity.BatchKey
	MinimumStockLevel *types.Quantity
	SellingPrice      *types.Money
	Notes             *string
}

func (r BatchSettingsRequest) Validate() error {
	if err := validateKey(r.Key); err != nil {
		return err
	}
	if r.MinimumStockLevel == nil && r.SellingPrice == nil && r.Notes == nil {
		return apperror.NewValidation("nothing to update")
	}
	if err := requireNonNegative("minimum stock level", r.MinimumStockLevel, types.QuantityPlaces); err != nil {
		return err
	}
	return requireNonNegative("selling price", r.SellingPrice, types.MoneyPlaces)
}

func validateIDs(pharmacyID, drugID id.ID) error {
	if id.IsNil(pharmacyID) {
		return apperror.NewValidation("pharmacy id is required")
	}
	if id.IsNil(drugID) {
		return apperror.NewValidation("drug id is required")
	}
	return nil
}

func validateKey(key entity.BatchKey) error {
	if err := validateIDs(key.PharmacyID, key.DrugID); err != nil {
		return err
	}
	bn := strings.TrimSpace(key.BatchNumber)
	if bn == "" {
		return apperror.NewValidation("batch number is required")
	}
	if bn != key.BatchNumber {
		return apperror.NewValidation("batch number must not have surrounding spaces")
	}
	if len(bn) > maxBatchNumberLen {
		return apperror.NewValidation(fmt.Sprintf("batch number longer than %d characters", maxBatchNumberLen))
	}
	return nil
}

func requirePositive(field string, q types.Quantity) error {
	if !q.IsPositive() {
		return apperror.NewValidation(field+" must be positive").WithDetail("field", field)
	}
	return requirePlaces(field, q, types.QuantityPlaces)
}

// requireNonNegative checks an optional price, rate or level.
func requireNonNegative(field string, d *decimal.Decimal, places int32) error {
	if d == nil {
		return nil
	}
	if d.IsNegative() {
		return apperror.NewValidation(field+" must not be negative").WithDetail("field", field)
	}
	return requirePlaces(field, *d, places)
}

// requirePlaces rejects values the NUMERIC columns would round.
func requirePlaces(field string, d decimal.Decimal, places int32) error {
	if !types.FitsPlaces(d, places) {
		return apperror.NewValidation(fmt.Sprintf("%s has more than %d fractional digits", field, places)).
			WithDetail("field", field)
	}
	return nil
}
