// Package demo holds the reference data and opening stock used by cmd/seed
// and by the in-memory storage driver.
package demo

import (
	"context"
	"fmt"

	"pharmstock/internal/core/apperror"
	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/security"
	"pharmstock/internal/core/types"
	"pharmstock/internal/domain/stock"
)

// TenantID owns every demo pharmacy.
const TenantID = "demo"

// Fixed ids so tokens printed by the seed stay valid across runs.
var (
	CentralPharmacy   = id.MustParse("0b5a4f0e-6d1c-4c1e-9d7e-1f0a2b3c4d01")
	RiversidePharmacy = id.MustParse("0b5a4f0e-6d1c-4c1e-9d7e-1f0a2b3c4d02")

	Amoxicillin = id.MustParse("7c1e2d3f-4a5b-4c6d-8e9f-0a1b2c3d4e01")
	Paracetamol = id.MustParse("7c1e2d3f-4a5b-4c6d-8e9f-0a1b2c3d4e02")
	Insulin     = id.MustParse("7c1e2d3f-4a5b-4c6d-8e9f-0a1b2c3d4e03")
)

// Pharmacies returns the demo pharmacies.
func Pharmacies() []entity.Pharmacy {
	return []entity.Pharmacy{
		{ID: CentralPharmacy, TenantID: TenantID, Code: "CENTRAL", Name: "Central Pharmacy", IsActive: true},
		{ID: RiversidePharmacy, TenantID: TenantID, Code: "RIVERSIDE", Name: "Riverside Pharmacy", IsActive: true},
	}
}

// Drugs returns the demo drug catalog.
func Drugs() []entity.Drug {
	return []entity.Drug{
		{ID: Amoxicillin, Code: "AMOX500", Name: "Amoxicillin 500mg capsule", ReferencePrice: types.MustMoney("0.45"), IsActive: true},
		{ID: Paracetamol, Code: "PARA500", Name: "Paracetamol 500mg tablet", ReferencePrice: types.MustMoney("0.08"), IsActive: true},
		{ID: Insulin, Code: "INSGLA100", Name: "Insulin glargine 100 IU/ml", ReferencePrice: types.MustMoney("24.90"), IsActive: true},
	}
}

// ReferenceWriter accepts reference rows; the memory store implements it.
type ReferenceWriter interface {
	AddPharmacy(p entity.Pharmacy)
	AddDrug(d entity.Drug)
}

// LoadReference registers the demo pharmacies and drugs.
func LoadReference(w ReferenceWriter) {
	for _, p := range Pharmacies() {
		w.AddPharmacy(p)
	}
	for _, d := range Drugs() {
		w.AddDrug(d)
	}
}

// Receipts returns the opening stock, dated relative to today so one batch
// is always close to expiry.
func Receipts(today types.Date) []stock.ReceiveRequest {
	line := func(pharmacyID, drugID id.ID, batch, qty string, expiresIn int, cost string) stock.ReceiveRequest {
		minLevel := types.MustQuantity("20")
		return stock.ReceiveRequest{
			PharmacyID:        pharmacyID,
			DrugID:            drugID,
			BatchNumber:       batch,
			Quantity:          types.MustQuantity(qty),
			ExpiryDate:        today.AddDays(expiresIn),
			CostPrice:         types.MustMoney(cost),
			MinimumStockLevel: &minLevel,
			SupplierName:      "Demo Wholesale",
			ReferenceType:     "seed",
			ReferenceNumber:   "OPENING",
		}
	}
	return []stock.ReceiveRequest{
		line(CentralPharmacy, Amoxicillin, "AMX-2401", "120", 45, "0.30"),
		line(CentralPharmacy, Amoxicillin, "AMX-2407", "300", 400, "0.28"),
		line(CentralPharmacy, Paracetamol, "PAR-2402", "1000", 700, "0.04"),
		line(CentralPharmacy, Insulin, "INS-2403", "12.5", 120, "18.75"),
		line(RiversidePharmacy, Amoxicillin, "AMX-2407", "80", 400, "0.28"),
		line(RiversidePharmacy, Paracetamol, "PAR-2402", "15", 700, "0.04"),
	}
}

// AdminUser is the demo tenant's administrator.
func AdminUser() appctx.UserContext {
	var pharmacies []string
	for _, p := range Pharmacies() {
		pharmacies = append(pharmacies, p.ID.String())
	}
	perms := []string{
		security.PermStockRead, security.PermStockReceive, security.PermStockDispense,
		security.PermStockAdjust, security.PermStockTransfer, security.PermStockAllocate,
		security.PermStockExpire, security.PermStockReconcile,
	}
	return appctx.UserContext{
		UserID:      "demo-admin",
		TenantID:    TenantID,
		Email:       "admin@demo.local",
		Roles:       []string{"admin"},
		Permissions: perms,
		PharmacyIDs: pharmacies,
		IsAdmin:     true,
	}
}

// SeedStock books the opening stock through the engine. Batches that already
// exist are left untouched, so running it twice does not double the stock.
func SeedStock(ctx context.Context, svc *stock.Service, today types.Date) (int, error) {
	admin := AdminUser()
	ctx = appctx.WithUser(ctx, &admin)

	created := 0
	for _, req := range Receipts(today) {
		_, err := svc.GetBatch(ctx, req.Key())
		switch {
		case err == nil:
			continue
		case !apperror.IsNotFound(err):
			return created, fmt.Errorf("check batch %s: %w", req.Key(), err)
		}
		if _, err := svc.Receive(ctx, req); err != nil {
			return created, fmt.Errorf("receive %s: %w", req.Key(), err)
		}
		created++
	}
	return created, nil
}
