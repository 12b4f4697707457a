// Package v1 provides HTTP API version 1.
package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pharmstock/internal/core/security"
	"pharmstock/internal/infrastructure/http/v1/handlers"
	"pharmstock/internal/infrastructure/http/v1/middleware"
)

// route binds one endpoint to its handler and the permission it needs.
type route struct {
	method     string
	path       string
	permission string
	handle     gin.HandlerFunc
}

// stockRoutes lists the endpoints under /pharmacies/:pharmacyId/stock.
func stockRoutes(h *handlers.StockHandler) []route {
	return []route{
		{http.MethodPost, "/receipts", security.PermStockReceive, h.Receive},
		{http.MethodPost, "/dispense", security.PermStockDispense, h.Dispense},
		{http.MethodPost, "/adjustments", security.PermStockAdjust, h.Adjust},
		{http.MethodPost, "/transfers", security.PermStockTransfer, h.Transfer},
		{http.MethodPost, "/allocations", security.PermStockAllocate, h.Allocate},
		{http.MethodPost, "/releases", security.PermStockAllocate, h.Release},
		{http.MethodPost, "/expired/remove", security.PermStockExpire, h.RemoveExpired},
		{http.MethodPost, "/reconcile", security.PermStockReconcile, h.Reconcile},

		{http.MethodGet, "/batches", security.PermStockRead, h.ListBatches},
		{http.MethodGet, "/batches/:drugId/:batchNumber", security.PermStockRead, h.GetBatch},
		{http.MethodPatch, "/batches/:drugId/:batchNumber", security.PermStockAdjust, h.UpdateBatchSettings},
		{http.MethodPost, "/batches/:drugId/:batchNumber/quarantine", security.PermStockAdjust, h.SetQuarantine},

		{http.MethodGet, "/movements", security.PermStockRead, h.ListMovements},
		{http.MethodGet, "/low-stock", security.PermStockRead, h.LowStock},
		{http.MethodGet, "/expiring", security.PermStockRead, h.ExpiringSoon},
		{http.MethodGet, "/valuation", security.PermStockRead, h.Valuation},
		{http.MethodGet, "/availability/:drugId", security.PermStockRead, h.Availability},
	}
}

// registerRoutes wires every route with its permission check in front.
func registerRoutes(group *gin.RouterGroup, routes []route) {
	for _, r := range routes {
		group.Handle(r.method, r.path, middleware.RequirePermission(r.permission), r.handle)
	}
}
