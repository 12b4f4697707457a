package dto

import (
	"strings"
	"time"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
)

// ReceiveRequest is the body of POST .../stock/receipts.
type ReceiveRequest struct {
	DrugID            string  `json:"drugId" binding:"required"`
	BatchNumber       string  `json:"batchNumber" binding:"required"`
	Quantity          string  `json:"quantity" binding:"required"`
	ExpiryDate        string  `json:"expiryDate" binding:"required"`
	CostPrice         string  `json:"costPrice"`
	SellingPrice      *string `json:"sellingPrice"`
	MinimumStockLevel *string `json:"minimumStockLevel"`
	SupplierID        *string `json:"supplierId"`
	SupplierName      string  `json:"supplierName"`
	SupplierInvoice   string  `json:"supplierInvoice"`
	Notes             string  `json:"notes"`
	ReferenceType     string  `json:"referenceType"`
	ReferenceNumber   string  `json:"referenceNumber"`
}

func (r ReceiveRequest) ToDomain(pharmacyID id.ID) (stock.ReceiveRequest, error) {
	var (
		out  = stock.ReceiveRequest{PharmacyID: pharmacyID}
		errs []error
		err  error
	)
	out.DrugID, err = parseID("drugId", r.DrugID)
	errs = append(errs, err)
	out.Quantity, err = parseQuantity("quantity", r.Quantity)
	errs = append(errs, err)
	out.ExpiryDate, err = types.ParseDate(r.ExpiryDate)
	if err != nil {
		errs = append(errs, invalidField("expiryDate", r.ExpiryDate, err))
	}
	out.CostPrice, err = parseMoney("costPrice", r.CostPrice)
	errs = append(errs, err)
	out.SellingPrice, err = parseOptionalMoney("sellingPrice", r.SellingPrice)
	errs = append(errs, err)
	out.MinimumStockLevel, err = parseOptionalQuantity("minimumStockLevel", r.MinimumStockLevel)
	errs = append(errs, err)
	if r.SupplierID != nil && *r.SupplierID != "" {
		supplierID, err := parseID("supplierId", *r.SupplierID)
		errs = append(errs, err)
		out.SupplierID = id.Ptr(supplierID)
	}
	if err := firstError(errs); err != nil {
		return stock.ReceiveRequest{}, err
	}

	out.BatchNumber = r.BatchNumber
	out.SupplierName = strings.TrimSpace(r.SupplierName)
	out.SupplierInvoice = strings.TrimSpace(r.SupplierInvoice)
	out.Notes = r.Notes
	out.ReferenceType = r.ReferenceType
	out.ReferenceNumber = r.ReferenceNumber
	return out, nil
}

// DispenseRequest is the body of POST .../stock/dispense.
type DispenseRequest struct {
	DrugID          string `json:"drugId" binding:"required"`
	Quantity        string `json:"quantity" binding:"required"`
	ReferenceType   string `json:"referenceType"`
	ReferenceNumber string `json:"referenceNumber"`
	Notes           string `json:"notes"`
}

func (r DispenseRequest) ToDomain(pharmacyID id.ID) (stock.DispenseRequest, error) {
	drugID, err := parseID("drugId", r.DrugID)
	if err != nil {
		return stock.DispenseRequest{}, err
	}
	qty, err := parseQuantity("quantity", r.Quantity)
	if err != nil {
		return stock.DispenseRequest{}, err
	}
	return stock.DispenseRequest{
		PharmacyID:      pharmacyID,
		DrugID:          drugID,
		Quantity:        qty,
		ReferenceType:   r.ReferenceType,
		ReferenceNumber: r.ReferenceNumber,
		Notes:           r.Notes,
	}, nil
}

// AdjustRequest is the body of POST .../stock/adjustments. Quantity is signed.
type AdjustRequest struct {
	DrugID          string  `json:"drugId" binding:"required"`
	BatchNumber     string  `json:"batchNumber" binding:"required"`
	Quantity        string  `json:"quantity" binding:"required"`
	Reason          string  `json:"reason" binding:"required"`
	Rate            *string `json:"rate"`
	ReferenceNumber string  `json:"referenceNumber"`
}

func (r AdjustRequest) ToDomain(pharmacyID id.ID) (stock.AdjustRequest, error) {
	drugID, err := parseID("drugId", r.DrugID)
	if err != nil {
		return stock.AdjustRequest{}, err
	}
	qty, err := parseQuantity("quantity", r.Quantity)
	if err != nil {
		return stock.AdjustRequest{}, err
	}
	rate, err := parseOptionalMoney("rate", r.Rate)
	if err != nil {
		return stock.AdjustRequest{}, err
	}
	return stock.AdjustRequest{
		PharmacyID:      pharmacyID,
		DrugID:          drugID,
		BatchNumber:     r.BatchNumber,
		Quantity:        qty,
		Reason:          r.Reason,
		Rate:            rate,
		ReferenceNumber: r.ReferenceNumber,
	}, nil
}

// TransferRequest is the body of POST .../stock/transfers; the path names the source.
type TransferRequest struct {
	ToPharmacyID    string `json:"toPharmacyId" binding:"required"`
	DrugID          string `json:"drugId" binding:"required"`
	BatchNumber     string `json:"batchNumber" binding:"required"`
	Quantity        string `json:"quantity" binding:"required"`
	ReferenceNumber string `json:"referenceNumber"`
	Notes           string `json:"notes"`
}

func (r TransferRequest) ToDomain(fromPharmacyID id.ID) (stock.TransferRequest, error) {
	toID, err := parseID("toPharmacyId", r.ToPharmacyID)
	if err != nil {
		return stock.TransferRequest{}, err
	}
	drugID, err := parseID("drugId", r.DrugID)
	if err != nil {
		return stock.TransferRequest{}, err
	}
	qty, err := parseQuantity("quantity", r.Quantity)
	if err != nil {
		return stock.TransferRequest{}, err
	}
	return stock.TransferRequest{
		FromPharmacyID:  fromPharmacyID,
		ToPharmacyID:    toID,
		DrugID:          drugID,
		BatchNumber:     r.BatchNumber,
		Quantity:        qty,
		ReferenceNumber: r.ReferenceNumber,
		Notes:           r.Notes,
	}, nil
}

// ReservationRequest is the body of allocations and releases.
type ReservationRequest struct {
	DrugID          string `json:"drugId" binding:"required"`
	Quantity        string `json:"quantity" binding:"required"`
	ReferenceType   string `json:"referenceType" binding:"required"`
	ReferenceNumber string `json:"referenceNumber" binding:"required"`
}

func (r ReservationRequest) ToDomain(pharmacyID id.ID) (stock.ReservationRequest, error) {
	drugID, err := parseID("drugId", r.DrugID)
	if err != nil {
		return stock.ReservationRequest{}, err
	}
	qty, err := parseQuantity("quantity", r.Quantity)
	if err != nil {
		return stock.ReservationRequest{}, err
	}
	return stock.ReservationRequest{
		PharmacyID:      pharmacyID,
		DrugID:          drugID,
		Quantity:        qty,
		ReferenceType:   r.ReferenceType,
		ReferenceNumber: r.ReferenceNumber,
	}, nil
}

// QuarantineRequest is the body of POST .../batches/:drugId/:batchNumber/quarantine.
type QuarantineRequest struct {
	Quarantined bool   `json:"quarantined"`
	Reason      string `json:"reason"`
}

func (r QuarantineRequest) ToDomain(key entity.BatchKey) stock.QuarantineRequest {
	return stock.QuarantineRequest{Key: key, Quarantined: r.Quarantined, Reason: r.Reason}
}

// BatchSettingsRequest is the body of PATCH .../batches/:drugId/:batchNumber.
type BatchSettingsRequest struct {
	MinimumStockLevel *string `json:"minimumStockLevel"`
	SellingPrice      *string `json:"sellingPrice"`
	Notes             *string `json:"notes"`
}

func (r BatchSettingsRequest) ToDomain(key entity.BatchKey) (stock.BatchSettingsRequest, error) {
	minLevel, err := parseOptionalQuantity("minimumStockLevel", r.MinimumStockLevel)
	if err != nil {
		return stock.BatchSettingsRequest{}, err
	}
	price, err := parseOptionalMoney("sellingPrice", r.SellingPrice)
	if err != nil {
		return stock.BatchSettingsRequest{}, err
	}
	return stock.BatchSettingsRequest{
		Key:               key,
		MinimumStockLevel: minLevel,
		SellingPrice:      price,
		Notes:             r.Notes,
	}, nil
}

// --- Query DTOs ---

// BatchQuery filters GET .../stock/batches.
type BatchQuery struct {
	DrugID          string `form:"drugId"`
	IncludeEmpty    bool   `form:"includeEmpty"`
	QuarantinedOnly bool   `form:"quarantinedOnly"`
}

func (q BatchQuery) ToFilter() (stock.BatchFilter, error) {
	f := stock.BatchFilter{IncludeEmpty: q.IncludeEmpty, QuarantinedOnly: q.QuarantinedOnly}
	if q.DrugID != "" {
		drugID, err := parseID("drugId", q.DrugID)
		if err != nil {
			return stock.BatchFilter{}, err
		}
		f.DrugID = id.Ptr(drugID)
	}
	return f, nil
}

// MovementQuery filters GET .../stock/movements. From is inclusive, To exclusive.
type MovementQuery struct {
	DrugID      string     `form:"drugId"`
	BatchNumber string     `form:"batchNumber"`
	Types       []string   `form:"type"`
	From        *time.Time `form:"from" time_format:"2006-01-02T15:04:05Z07:00"`
	To          *time.Time `form:"to" time_format:"2006-01-02T15:04:05Z07:00"`
	Limit       int        `form:"limit"`
}

func (q MovementQuery) ToFilter() (stock.MovementFilter, error) {
	f := stock.MovementFilter{BatchNumber: q.BatchNumber, From: q.From, To: q.To, Limit: q.Limit}
	if q.DrugID != "" {
		drugID, err := parseID("drugId", q.DrugID)
		if err != nil {
			return stock.MovementFilter{}, err
		}
		f.DrugID = id.Ptr(drugID)
	}
	for _, raw := range q.Types {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, entity.MovementType(strings.ToUpper(t)))
			}
		}
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return stock.MovementFilter{}, apperror.NewValidation("from must be before to")
	}
	return f, nil
}

// AvailabilityResponse is the body of GET .../stock/availability/:drugId.
type AvailabilityResponse struct {
	PharmacyID string         `json:"pharmacyId"`
	DrugID     string         `json:"drugId"`
	Available  types.Quantity `json:"available"`
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
