// Package entity provides core domain entities.
package entity

import (
	"fmt"
	"time"

	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

// DefaultExpiringSoonDays is the horizon used when none is configured.
const DefaultExpiringSoonDays = 90

// BatchKey identifies a physical lot of a drug at a pharmacy.
type BatchKey struct {
	PharmacyID  id.ID  `json:"pharmacyId"`
	DrugID      id.ID  `json:"drugId"`
	BatchNumber string `json:"batchNumber"`
}

func (k BatchKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.PharmacyID, k.DrugID, k.BatchNumber)
}

// Less orders keys deterministically. Rows are locked in this order
// whenever one transaction touches more than one batch.
func (k BatchKey) Less(other BatchKey) bool {
	if c := compareIDs(k.PharmacyID, other.PharmacyID); c != 0 {
		return c < 0
	}
	if c := compareIDs(k.DrugID, other.DrugID); c != 0 {
		return c < 0
	}
	return k.BatchNumber < other.BatchNumber
}

func compareIDs(a, b id.ID) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// StockBatch is the current-state row for one batch.
// Invariant: Quantity >= AllocatedQuantity >= 0.
// Rows are never deleted; a fully consumed batch stays at zero.
type StockBatch struct {
	ID                id.ID          `db:"id" json:"id"`
	PharmacyID        id.ID          `db:"pharmacy_id" json:"pharmacyId"`
	DrugID            id.ID          `db:"drug_id" json:"drugId"`
	BatchNumber       string         `db:"batch_number" json:"batchNumber"`
	Quantity          types.Quantity `db:"quantity" json:"quantity"`
	AllocatedQuantity types.Quantity `db:"allocated_quantity" json:"allocatedQuantity"`
	MinimumStockLevel types.Quantity `db:"minimum_stock_level" json:"minimumStockLevel"`
	ExpiryDate        types.Date     `db:"expiry_date" json:"expiryDate"`
	CostPrice         types.Money    `db:"cost_price" json:"costPrice"`
	SellingPrice      types.Money    `db:"selling_price" json:"sellingPrice"`
	IsQuarantined     bool           `db:"is_quarantined" json:"isQuarantined"`
	SupplierID        *id.ID         `db:"supplier_id" json:"supplierId,omitempty"`
	SupplierName      string         `db:"supplier_name" json:"supplierName,omitempty"`
	SupplierInvoice   string         `db:"supplier_invoice" json:"supplierInvoice,omitempty"`
	Notes             string         `db:"notes" json:"notes,omitempty"`
	CreatedAt         time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt         time.Time      `db:"updated_at" json:"updatedAt"`
}

// Key returns the batch's composite key.
func (b StockBatch) Key() BatchKey {
	return BatchKey{PharmacyID: b.PharmacyID, DrugID: b.DrugID, BatchNumber: b.BatchNumber}
}

// Available is quantity not reserved by allocations.
func (b StockBatch) Available() types.Quantity {
	return b.Quantity.Sub(b.AllocatedQuantity)
}

// IsExpiredOn reports expiry strictly before today.
func (b StockBatch) IsExpiredOn(today types.Date) bool {
	return b.ExpiryDate.Before(today)
}

// ExpiresWithin reports today <= expiry <= today+days.
func (b StockBatch) ExpiresWithin(today types.Date, days int) bool {
	return !b.ExpiryDate.Before(today) && !b.ExpiryDate.After(today.AddDays(days))
}

// IsSellable reports whether FEFO may draw from the batch.
func (b StockBatch) IsSellable(today types.Date) bool {
	return !b.IsQuarantined && !b.IsExpiredOn(today) && b.Available().IsPositive()
}

// CheckInvariant verifies quantity >= allocated >= 0.
func (b StockBatch) CheckInvariant() error {
	if b.AllocatedQuantity.IsNegative() {
		return fmt.Errorf("batch %s: allocated quantity %s is negative", b.Key(), b.AllocatedQuantity)
	}
	if b.Quantity.LessThan(b.AllocatedQuantity) {
		return fmt.Errorf("batch %s: quantity %s below allocated %s", b.Key(), b.Quantity, b.AllocatedQuantity)
	}
	return nil
}

// BatchView is a StockBatch with the fields derived on read.
type BatchView struct {
	StockBatch
	AvailableQuantity types.Quantity `json:"availableQuantity"`
	IsExpired         bool           `json:"isExpired"`
	IsExpiringSoon    bool           `json:"isExpiringSoon"`
}

// Derive computes the read-only fields of a batch for the given day.
func Derive(b StockBatch, today types.Date, horizonDays int) BatchView {
	return BatchView{
		StockBatch:        b,
		AvailableQuantity: b.Available(),
		IsExpired:         b.IsExpiredOn(today),
		IsExpiringSoon:    b.ExpiresWithin(today, horizonDays),
	}
}

// MovementType classifies ledger entries.
type MovementType string

const (
	MovementPurchase    MovementType = "PURCHASE"
	MovementSale        MovementType = "SALE"
	MovementAdjustment  MovementType = "ADJUSTMENT"
	MovementTransferIn  MovementType = "TRANSFER_IN"
	MovementTransferOut MovementType = "TRANSFER_OUT"
	MovementExpiry      MovementType = "EXPIRY"
	MovementAllocation  MovementType = "ALLOCATION"
	MovementRelease     MovementType = "RELEASE"
)

// Valid reports whether t is a known movement type.
func (t MovementType) Valid() bool {
	switch t {
	case MovementPurchase, MovementSale, MovementAdjustment, MovementTransferIn,
		MovementTransferOut, MovementExpiry, MovementAllocation, MovementRelease:
		return true
	}
	return false
}

// Reference types written by the engine itself.
const (
	ReferenceReconciliation = "reconciliation"
	ReferenceExpiry         = "expiry"
	ReferenceTransfer       = "transfer"
	ReferenceAdjustment     = "adjustment"
)

// Metadata is free-form movement context, stored as JSONB.
type Metadata map[string]any

// StockMovement is one immutable ledger entry.
// Sum of Quantity per batch equals StockBatch.Quantity.
type StockMovement struct {
	ID                   id.ID          `db:"id" json:"id"`
	Seq                  int64          `db:"seq" json:"seq"`
	Type                 MovementType   `db:"movement_type" json:"type"`
	PharmacyID           id.ID          `db:"pharmacy_id" json:"pharmacyId"`
	DrugID               id.ID          `db:"drug_id" json:"drugId"`
	BatchNumber          string         `db:"batch_number" json:"batchNumber"`
	Quantity             types.Quantity `db:"quantity" json:"quantity"`
	BalanceAfter         types.Quantity `db:"balance_after" json:"balanceAfter"`
	ValuationRate        types.Money    `db:"valuation_rate" json:"valuationRate"`
	StockValue           types.Money    `db:"stock_value" json:"stockValue"`
	StockValueDifference types.Money    `db:"stock_value_difference" json:"stockValueDifference"`
	ReferenceType        string         `db:"reference_type" json:"referenceType,omitempty"`
	ReferenceNumber      string         `db:"reference_number" json:"referenceNumber,omitempty"`
	UserID               string         `db:"user_id" json:"userId,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"createdAt"`
	Metadata             Metadata       `db:"metadata" json:"metadata,omitempty"`
}

// Key returns the composite key of the batch this movement belongs to.
func (m StockMovement) Key() BatchKey {
	return BatchKey{PharmacyID: m.PharmacyID, DrugID: m.DrugID, BatchNumber: m.BatchNumber}
}

// NewMovement starts a movement for the batch. Valuation fields are filled
// by the caller.
func NewMovement(t MovementType, key BatchKey, delta, balanceAfter types.Quantity) StockMovement {
	return StockMovement{
		ID:           id.New(),
		Type:         t,
		PharmacyID:   key.PharmacyID,
		DrugID:       key.DrugID,
		BatchNumber:  key.BatchNumber,
		Quantity:     delta,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
		Metadata:     Metadata{},
	}
}
