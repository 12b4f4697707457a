package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/entity"
	"pharmstock/internal/core/id"
)

// BaseHandler provides common handler utilities.
type BaseHandler struct{}

// NewBaseHandler creates a new base handler.
func NewBaseHandler() *BaseHandler {
	return &BaseHandler{}
}

// BindJSON binds and validates JSON request body.
func (h *BaseHandler) BindJSON(c *gin.Context, obj any) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		h.Error(c, apperror.NewValidation("invalid request body").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// BindQuery binds and validates query parameters.
func (h *BaseHandler) BindQuery(c *gin.Context, obj any) bool {
	if err := c.ShouldBindQuery(obj); err != nil {
		h.Error(c, apperror.NewValidation("invalid query parameters").WithDetail("error", err.Error()))
		return false
	}
	return true
}

// Error registers error on Gin context and aborts request.
// The JSON response is produced by middleware.ErrorHandler.
func (h *BaseHandler) Error(c *gin.Context, err error) {
	_ = c.Error(err)
	c.Abort()
}

// PathID parses a UUID path parameter.
func (h *BaseHandler) PathID(c *gin.Context, name string) (id.ID, bool) {
	raw := c.Param(name)
	v, err := id.ParseRequired(name, raw)
	if err != nil {
		h.Error(c, apperror.NewValidation(err.Error()).
			WithDetail("field", name).
			WithDetail("value", raw))
		return id.Nil(), false
	}
	return v, true
}

// BatchKey reads :pharmacyId, :drugId and :batchNumber.
func (h *BaseHandler) BatchKey(c *gin.Context) (entity.BatchKey, bool) {
	pharmacyID, ok := h.PathID(c, "pharmacyId")
	if !ok {
		return entity.BatchKey{}, false
	}
	drugID, ok := h.PathID(c, "drugId")
	if !ok {
		return entity.BatchKey{}, false
	}
	return entity.BatchKey{PharmacyID: pharmacyID, DrugID: drugID, BatchNumber: c.Param("batchNumber")}, true
}

// OK sends 200 response with data.
func (h *BaseHandler) OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, data)
}

// Created sends 201 response with data.
func (h *BaseHandler) Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, data)
}
