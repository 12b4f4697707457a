package stock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

func batch(number, expiry, qty, allocated string) entity.StockBatch {
	return entity.StockBatch{
		PharmacyID:        id.MustParse("0190a000-0000-7000-8000-000000000001"),
		DrugID:            id.MustParse("0190a000-0000-7000-8000-000000000002"),
		BatchNumber:       number,
		ExpiryDate:        types.MustDate(expiry),
		Quantity:          types.MustQuantity(qty),
		AllocatedQuantity: types.MustQuantity(allocated),
		CostPrice:         types.MustMoney("1"),
	}
}

func TestPlanFEFO(t *testing.T) {
	today := types.MustDate("2025-03-01")

	quarantined := batch("Q", "2025-04-01", "100", "0")
	quarantined.IsQuarantined = true

	tests := []struct {
		name      string
		batches   []entity.StockBatch
		requested string
		want      map[string]string
		wantOrder []string
		wantCode  string
	}{
		{
			name:      "single batch",
			batches:   []entity.StockBatch{batch("A", "2026-01-01", "100", "0")},
			requested: "30",
			want:      map[string]string{"A": "30"},
			wantOrder: []string{"A"},
		},
		{
			name: "earliest expiry drained first",
			batches: []entity.StockBatch{
				batch("A", "2025-06-01", "10", "0"),
				batch("B", "2025-12-01", "50", "0"),
			},
			requested: "15",
			want:      map[string]string{"A": "10", "B": "5"},
			wantOrder: []string{"A", "B"},
		},
		{
			name: "stops once satisfied",
			batches: []entity.StockBatch{
				batch("A", "2025-05-01", "10", "0"),
				batch("B", "2025-06-01", "10", "0"),
				batch("C", "2025-07-01", "10", "0"),
			},
			requested: "12",
			want:      map[string]string{"A": "10", "B": "2"},
			wantOrder: []string{"A", "B"},
		},
		{
			name: "allocated quantity is not drawn",
			batches: []entity.StockBatch{
				batch("A", "2025-05-01", "10", "8"),
				batch("B", "2025-06-01", "10", "0"),
			},
			requested: "5",
			want:      map[string]string{"A": "2", "B": "3"},
			wantOrder: []string{"A", "B"},
		},
		{
			name: "quarantined and expired batches are skipped",
			batches: []entity.StockBatch{
				batch("X", "2025-02-28", "100", "0"),
				quarantined,
				batch("B", "2025-09-01", "20", "0"),
			},
			requested: "20",
			want:      map[string]string{"B": "20"},
			wantOrder: []string{"B"},
		},
		{
			name:      "expiring today is still sellable",
			batches:   []entity.StockBatch{batch("T", "2025-03-01", "5", "0")},
			requested: "5",
			want:      map[string]string{"T": "5"},
			wantOrder: []string{"T"},
		},
		{
			name:      "no batches",
			requested: "1",
			wantCode:  apperror.CodeNotFound,
		},
		{
			name:      "only unsellable batches",
			batches:   []entity.StockBatch{quarantined},
			requested: "1",
			wantCode:  apperror.CodeNotFound,
		},
		{
			name:      "not enough stock",
			batches:   []entity.StockBatch{batch("A", "2025-06-01", "5", "0")},
			requested: "8",
			wantCode:  apperror.CodeInsufficientStock,
		},
		{
			name:      "fractional quantities",
			batches:   []entity.StockBatch{batch("A", "2025-06-01", "0.5", "0"), batch("B", "2025-07-01", "2.25", "0")},
			requested: "1.75",
			want:      map[string]string{"A": "0.5", "B": "1.25"},
			wantOrder: []string{"A", "B"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			draws, err := PlanFEFO(tt.batches, types.MustQuantity(tt.requested), today)
			if tt.wantCode != "" {
				appErr, ok := apperror.AsAppError(err)
				require.True(t, ok, "expected AppError, got %v", err)
				assert.Equal(t, tt.wantCode, appErr.Code)
				return
			}
			require.NoError(t, err)

			var order []string
			for _, d := range draws {
				order = append(order, d.Batch.BatchNumber)
				assert.True(t, types.MustQuantity(tt.want[d.Batch.BatchNumber]).Equal(d.Quantity),
					"batch %s: got %s", d.Batch.BatchNumber, d.Quantity)
			}
			assert.Equal(t, tt.wantOrder, order)
		})
	}
}

func TestPlanFEFO_InsufficientStockDetails(t *testing.T) {
	_, err := PlanFEFO(
		[]entity.StockBatch{batch("A", "2025-06-01", "5", "0")},
		types.MustQuantity("8"),
		types.MustDate("2025-03-01"),
	)

	appErr, ok := apperror.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "8", appErr.Details["requested"])
	assert.Equal(t, "5", appErr.Details["available"])
	assert.Equal(t, "3", appErr.Details["shortage"])
}

func TestPlanRelease(t *testing.T) {
	batches := []entity.StockBatch{
		batch("A", "2025-05-01", "10", "4"),
		batch("B", "2025-06-01", "10", "0"),
		batch("C", "2025-07-01", "10", "6"),
	}

	draws, err := PlanRelease(batches, types.MustQuantity("7"))
	require.NoError(t, err)
	require.Len(t, draws, 2)
	assert.Equal(t, "A", draws[0].Batch.BatchNumber)
	assert.True(t, draws[0].Quantity.Equal(types.MustQuantity("4")))
	assert.Equal(t, "C", draws[1].Batch.BatchNumber)
	assert.True(t, draws[1].Quantity.Equal(types.MustQuantity("3")))

	_, err = PlanRelease(batches, types.MustQuantity("11"))
	assert.True(t, apperror.IsInsufficientStock(err))

	_, err = PlanRelease(nil, types.MustQuantity("1"))
	assert.True(t, apperror.IsInsufficientStock(err))
}
