package handlers

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/domain/stock"
	"pharmstock/internal/infrastructure/http/v1/dto"
)

// StockHandler exposes the stock engine under /pharmacies/:pharmacyId/stock.
type StockHandler struct {
	*BaseHandler
	service *stock.Service
}

// NewStockHandler creates a new stock handler.
func NewStockHandler(base *BaseHandler, service *stock.Service) *StockHandler {
	return &StockHandler{
		BaseHandler: base,
		service:     service,
	}
}

// Receive handles POST /pharmacies/:pharmacyId/stock/receipts
func (h *StockHandler) Receive(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var req dto.ReceiveRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.Receive(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	if res.Created {
		h.Created(c, res)
		return
	}
	h.OK(c, res)
}

// Dispense handles POST /pharmacies/:pharmacyId/stock/dispense
func (h *StockHandler) Dispense(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var req dto.DispenseRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.Dispense(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Adjust handles POST /pharmacies/:pharmacyId/stock/adjustments
func (h *StockHandler) Adjust(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var req dto.AdjustRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.Adjust(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Transfer handles POST /pharmacies/:pharmacyId/stock/transfers
func (h *StockHandler) Transfer(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var req dto.TransferRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := h.service.Transfer(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Allocate handles POST /pharmacies/:pharmacyId/stock/allocations
func (h *StockHandler) Allocate(c *gin.Context) {
	h.reservation(c, h.service.Allocate)
}

// Release handles POST /pharmacies/:pharmacyId/stock/releases
func (h *StockHandler) Release(c *gin.Context) {
	h.reservation(c, h.service.Release)
}

func (h *StockHandler) reservation(
	c *gin.Context,
	op func(context.Context, stock.ReservationRequest) (stock.ReservationResult, error),
) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var req dto.ReservationRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}

	res, err := op(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// RemoveExpired handles POST /pharmacies/:pharmacyId/stock/expired/remove
func (h *StockHandler) RemoveExpired(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	res, err := h.service.RemoveExpiredStock(c.Request.Context(), pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, res)
}

// Reconcile handles POST /pharmacies/:pharmacyId/stock/reconcile
func (h *StockHandler) Reconcile(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	report, err := h.service.Reconcile(c.Request.Context(), pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, report)
}

// ListBatches handles GET /pharmacies/:pharmacyId/stock/batches
func (h *StockHandler) ListBatches(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var q dto.BatchQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}

	batches, err := h.service.ListBatches(c.Request.Context(), pharmacyID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(batches))
}

// GetBatch handles GET /pharmacies/:pharmacyId/stock/batches/:drugId/:batchNumber
func (h *StockHandler) GetBatch(c *gin.Context) {
	key, ok := h.BatchKey(c)
	if !ok {
		return
	}
	view, err := h.service.GetBatch(c.Request.Context(), key)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, view)
}

// UpdateBatchSettings handles PATCH /pharmacies/:pharmacyId/stock/batches/:drugId/:batchNumber
func (h *StockHandler) UpdateBatchSettings(c *gin.Context) {
	key, ok := h.BatchKey(c)
	if !ok {
		return
	}
	var req dto.BatchSettingsRequest
	if !h.BindJSON(c, &req) {
		return
	}
	domainReq, err := req.ToDomain(key)
	if err != nil {
		h.Error(c, err)
		return
	}

	view, err := h.service.UpdateBatchSettings(c.Request.Context(), domainReq)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, view)
}

// SetQuarantine handles POST /pharmacies/:pharmacyId/stock/batches/:drugId/:batchNumber/quarantine
func (h *StockHandler) SetQuarantine(c *gin.Context) {
	key, ok := h.BatchKey(c)
	if !ok {
		return
	}
	var req dto.QuarantineRequest
	if !h.BindJSON(c, &req) {
		return
	}

	view, err := h.service.SetQuarantine(c.Request.Context(), req.ToDomain(key))
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, view)
}

// ListMovements handles GET /pharmacies/:pharmacyId/stock/movements
func (h *StockHandler) ListMovements(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	var q dto.MovementQuery
	if !h.BindQuery(c, &q) {
		return
	}
	filter, err := q.ToFilter()
	if err != nil {
		h.Error(c, err)
		return
	}

	movements, err := h.service.ListMovements(c.Request.Context(), pharmacyID, filter)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(movements))
}

// LowStock handles GET /pharmacies/:pharmacyId/stock/low-stock
func (h *StockHandler) LowStock(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	lines, err := h.service.LowStock(c.Request.Context(), pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(lines))
}

// ExpiringSoon handles GET /pharmacies/:pharmacyId/stock/expiring?days=N
func (h *StockHandler) ExpiringSoon(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	days := 0
	if raw := c.Query("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			h.Error(c, apperror.NewValidation("days must be a non-negative integer").WithDetail("value", raw))
			return
		}
		days = parsed
	}

	views, err := h.service.ExpiringSoon(c.Request.Context(), pharmacyID, days)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.NewListResponse(views))
}

// Valuation handles GET /pharmacies/:pharmacyId/stock/valuation
func (h *StockHandler) Valuation(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	report, err := h.service.Valuation(c.Request.Context(), pharmacyID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, report)
}

// Availability handles GET /pharmacies/:pharmacyId/stock/availability/:drugId
func (h *StockHandler) Availability(c *gin.Context) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return
	}
	drugID, ok := h.PathID(c, "drugId")
	if !ok {
		return
	}
	available, err := h.service.Availability(c.Request.Context(), pharmacyID, drugID)
	if err != nil {
		h.Error(c, err)
		return
	}
	h.OK(c, dto.AvailabilityResponse{
		PharmacyID: pharmacyID.String(),
		DrugID:     drugID.String(),
		Available:  available,
	})
}
