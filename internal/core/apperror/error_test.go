package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsufficientStockDetails(t *testing.T) {
	err := NewInsufficientStock(decimal.RequireFromString("5"), decimal.RequireFromString("2.5"))

	assert.Equal(t, http.StatusBadRequest, err.HTTPStatus)
	assert.Equal(t, "5", err.Details["requested"])
	assert.Equal(t, "2.5", err.Details["available"])
	assert.Equal(t, "2.5", err.Details["shortage"])
	assert.True(t, IsInsufficientStock(err))
}

func TestAppErrorUnwrapsThroughWrapping(t *testing.T) {
	cause := errors.New("lock timeout")
	wrapped := fmt.Errorf("dispense: %w", NewConcurrencyConflict("stock batch", cause))

	assert.True(t, IsConcurrencyConflict(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, http.StatusConflict, GetHTTPStatus(wrapped))

	appErr, ok := AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, true, appErr.Details["retryable"])
}

func TestGetHTTPStatusDefaultsTo500(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, GetHTTPStatus(errors.New("boom")))
	assert.False(t, IsAppError(errors.New("boom")))
}

func TestWithDetailAndOperation(t *testing.T) {
	err := NewForbidden("access to pharmacy denied").
		WithOperation("authorize").
		WithDetail("pharmacy_id", "p-1")

	assert.Equal(t, "authorize", err.Details["operation"])
	assert.Equal(t, "p-1", err.Details["pharmacy_id"])
	assert.True(t, IsForbidden(err))
	assert.False(t, IsNotFound(err))
	assert.Equal(t, "FORBIDDEN: access to pharmacy denied", err.Error())
}

func TestErrorIncludesCause(t *testing.T) {
	err := NewInternal(errors.New("connection reset"))
	assert.Contains(t, err.Error(), "caused by: connection reset")
}
