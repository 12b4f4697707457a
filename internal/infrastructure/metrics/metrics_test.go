package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pharmstock/internal/core/entity"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestMetrics_StockObserver(t *testing.T) {
	m := New()

	m.ObserveOperation("dispense", "ok", 20*time.Millisecond)
	m.ObserveOperation("dispense", "insufficient_stock", 5*time.Millisecond)
	m.ObserveOperation("dispense", "ok", 10*time.Millisecond)
	m.AddMovedQuantity(entity.MovementSale, -8)
	m.AddMovedQuantity(entity.MovementSale, -2.5)
	m.AddReconcileCorrections(3)

	body := scrape(t, m)
	assert.Contains(t, body, `pharmstock_operations_total{operation="dispense",outcome="ok"} 2`)
	assert.Contains(t, body, `pharmstock_operations_total{operation="dispense",outcome="insufficient_stock"} 1`)
	assert.Contains(t, body, `pharmstock_operation_duration_seconds_count{operation="dispense"} 3`)
	assert.Contains(t, body, `pharmstock_quantity_moved_total{movement_type="SALE"} 10.5`)
	assert.Contains(t, body, `pharmstock_reconcile_corrections_total 3`)
}

func TestMetrics_HTTPAndOutbox(t *testing.T) {
	m := New()
	m.RecordHTTPRequest("POST", "/api/v1/pharmacies/:pharmacyId/stock/dispense", 201, time.Millisecond)
	m.RecordOutbox(true)
	m.RecordOutbox(false)

	body := scrape(t, m)
	assert.Contains(t, body, `pharmstock_http_requests_total{method="POST",route="/api/v1/pharmacies/:pharmacyId/stock/dispense",status="201"} 1`)
	assert.Contains(t, body, `pharmstock_outbox_relayed_total{outcome="ok"} 1`)
	assert.Contains(t, body, `pharmstock_outbox_relayed_total{outcome="error"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
