package entity

import (
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

// Drug is read-only reference data owned by the catalog.
type Drug struct {
	ID             id.ID       `db:"id" json:"id"`
	Code           string      `db:"code" json:"code"`
	Name           string      `db:"name" json:"name"`
	ReferencePrice types.Money `db:"reference_price" json:"referencePrice"`
	IsActive       bool        `db:"is_active" json:"isActive"`
}

// Pharmacy is a stock-holding location belonging to one tenant.
type Pharmacy struct {
	ID       id.ID  `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenantId"`
	Code     string `db:"code" json:"code"`
	Name     string `db:"name" json:"name"`
	IsActive bool   `db:"is_active" json:"isActive"`
}
