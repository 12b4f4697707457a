package catalog_repo

import (
	"context"

	"github.com/Masterminds/squirrel"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/infrastructure/storage/postgres"
)

const pharmacyTable = "ref_pharmacies"

// PharmacyRepo reads pharmacies and their tenant ownership.
type PharmacyRepo struct {
	*BaseCatalogRepo[entity.Pharmacy]
}

// NewPharmacyRepo creates a new pharmacy repository.
func NewPharmacyRepo(txm *postgres.TxManager) *PharmacyRepo {
	return &PharmacyRepo{BaseCatalogRepo: NewBaseCatalogRepo[entity.Pharmacy](txm, pharmacyTable, "pharmacy")}
}

// GetPharmacy returns NotFound for unknown and inactive pharmacies.
func (r *PharmacyRepo) GetPharmacy(ctx context.Context, pharmacyID id.ID) (entity.Pharmacy, error) {
	p, err := r.GetByID(ctx, pharmacyID)
	if err != nil {
		return entity.Pharmacy{}, err
	}
	if !p.IsActive {
		return entity.Pharmacy{}, apperror.NewNotFound("pharmacy", pharmacyID.String()).WithDetail("reason", "inactive")
	}
	return p, nil
}

// TenantOf returns the tenant owning the pharmacy.
func (r *PharmacyRepo) TenantOf(ctx context.Context, pharmacyID id.ID) (string, error) {
	p, err := r.GetPharmacy(ctx, pharmacyID)
	if err != nil {
		return "", err
	}
	return p.TenantID, nil
}

// ListByTenant returns the active pharmacies of a tenant.
func (r *PharmacyRepo) ListByTenant(ctx context.Context, tenantID string) ([]entity.Pharmacy, error) {
	return r.List(ctx, squirrel.Eq{"tenant_id": tenantID, "is_active": true})
}
