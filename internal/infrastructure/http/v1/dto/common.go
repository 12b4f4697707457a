// Package dto provides Data Transfer Objects for API requests/responses.
package dto

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"pharmstock/internal/core/apperror"
	"pharmstock/internal/core/id"
	"pharmstock/internal/core/types"
)

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

// NewListResponse never renders a null items array.
func NewListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// --- Decimal fields ---
//
// Quantities and money travel as JSON strings so no client rounds them
// through a float.

func parseQuantity(field, s string) (types.Quantity, error) {
	q, err := types.ParseQuantity(s)
	if err != nil {
		return decimal.Zero, invalidField(field, s, err)
	}
	return q, nil
}

func parseOptionalQuantity(field string, s *string) (*types.Quantity, error) {
	if s == nil {
		return nil, nil
	}
	q, err := parseQuantity(field, *s)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func parseMoney(field, s string) (types.Money, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	m, err := types.ParseMoney(s)
	if err != nil {
		return decimal.Zero, invalidField(field, s, err)
	}
	return m, nil
}

func parseOptionalMoney(field string, s *string) (*types.Money, error) {
	if s == nil {
		return nil, nil
	}
	m, err := parseMoney(field, *s)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func parseID(field, s string) (id.ID, error) {
	v, err := id.ParseRequired(field, s)
	if err != nil {
		return id.Nil(), invalidField(field, s, err)
	}
	return v, nil
}

func invalidField(field, value string, err error) error {
	return apperror.NewValidation(fmt.Sprintf("invalid %s", field)).
		WithDetail("field", field).
		WithDetail("value", value).
		WithCause(err)
}
