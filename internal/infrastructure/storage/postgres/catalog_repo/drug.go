package catalog_repo

import (
	"context"

	"github.com/Masterminds/squirrel"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/infrastructure/storage/postgres"
)

const drugTable = "ref_drugs"

// DrugRepo reads the drug catalog.
type DrugRepo struct {
	*BaseCatalogRepo[entity.Drug]
}

// NewDrugRepo creates a new drug repository.
func NewDrugRepo(txm *postgres.TxManager) *DrugRepo {
	return &DrugRepo{BaseCatalogRepo: NewBaseCatalogRepo[entity.Drug](txm, drugTable, "drug")}
}

// GetDrug returns NotFound for unknown and inactive drugs.
func (r *DrugRepo) GetDrug(ctx context.Context, drugID id.ID) (entity.Drug, error) {
	d, err := r.GetByID(ctx, drugID)
	if err != nil {
		return entity.Drug{}, err
	}
	if !d.IsActive {
		return entity.Drug{}, apperror.NewNotFound("drug", drugID.String()).WithDetail("reason", "inactive")
	}
	return d, nil
}

// ListActive returns active drugs ordered by code.
func (r *DrugRepo) ListActive(ctx context.Context) ([]entity.Drug, error) {
	return r.List(ctx, squirrel.Eq{"is_active": true})
}
