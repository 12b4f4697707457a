// Package security provides authorization and access control.
package security

import (
	"context"
	"slices"

	"pharmstock/internal/core/apperror"
	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/id"
)

// Permission names checked by the HTTP layer.
const (
	PermStockRead      = "stock:read"
	PermStockReceive   = "stock:receive"
	PermStockDispense  = "stock:dispense"
	PermStockAdjust    = "stock:adjust"
	PermStockTransfer  = "stock:transfer"
	PermStockAllocate  = "stock:allocate"
	PermStockExpire    = "stock:expire"
	PermStockReconcile = "stock:reconcile"
)

// AccessScope defines the boundaries of data visibility for the current request.
type AccessScope struct {
	TenantID string
	UserID   string

	// IsAdmin grants every pharmacy of the tenant.
	IsAdmin bool

	// IsSystem is set for scheduled jobs.
	IsSystem bool

	// AllowedPharmacyIDs limits access to specific pharmacies.
	// Empty = no access (unless IsAdmin).
	AllowedPharmacyIDs []string
}

// NewAccessScope creates AccessScope from context.
func NewAccessScope(ctx context.Context) *AccessScope {
	user := appctx.GetUser(ctx)
	if user == nil {
		return &AccessScope{}
	}
	return &AccessScope{
		TenantID:           user.TenantID,
		UserID:             user.UserID,
		IsAdmin:            user.IsAdmin,
		IsSystem:           user.IsSystem,
		AllowedPharmacyIDs: user.PharmacyIDs,
	}
}

// CanAccessPharmacy checks the pharmacy list, ignoring tenancy.
func (s *AccessScope) CanAccessPharmacy(pharmacyID string) bool {
	if s.IsAdmin || s.IsSystem {
		return true
	}
	return slices.Contains(s.AllowedPharmacyIDs, pharmacyID)
}

// PharmacyDirectory resolves which tenant owns a pharmacy.
type PharmacyDirectory interface {
	// TenantOf returns NotFound for unknown pharmacies.
	TenantOf(ctx context.Context, pharmacyID id.ID) (string, error)
}

// Authorizer is the pre-condition every stock operation runs first.
type Authorizer interface {
	Authorize(ctx context.Context, pharmacyID id.ID) error
}

// ScopeAuthorizer checks the caller's scope against the pharmacy's tenant.
type ScopeAuthorizer struct {
	directory PharmacyDirectory
}

// NewScopeAuthorizer creates an authorizer backed by directory.
func NewScopeAuthorizer(directory PharmacyDirectory) *ScopeAuthorizer {
	return &ScopeAuthorizer{directory: directory}
}

// Authorize returns AccessDenied unless the context may operate on pharmacyID.
// Only admin and system scopes learn that a pharmacy does not exist; everyone
// else gets the same denial for unknown and foreign pharmacies.
func (a *ScopeAuthorizer) Authorize(ctx context.Context, pharmacyID id.ID) error {
	scope := GetScope(ctx)
	if scope.TenantID == "" {
		return denied(pharmacyID, "no tenant in request context")
	}

	tenantID, err := a.directory.TenantOf(ctx, pharmacyID)
	if err != nil {
		if !apperror.IsNotFound(err) {
			return err
		}
		if scope.IsAdmin || scope.IsSystem {
			return apperror.NewNotFound("pharmacy", pharmacyID.String()).WithOperation("authorize")
		}
		return denied(pharmacyID, outOfScope)
	}
	if tenantID != scope.TenantID {
		return denied(pharmacyID, outOfScope)
	}
	if !scope.CanAccessPharmacy(pharmacyID.String()) {
		return denied(pharmacyID, outOfScope)
	}
	return nil
}

// outOfScope is the one reason given for unknown, foreign and unlisted pharmacies.
const outOfScope = "pharmacy is outside the caller's scope"

func denied(pharmacyID id.ID, reason string) error {
	return apperror.NewForbidden("access to pharmacy denied").
		WithOperation("authorize").
		WithDetail("pharmacy_id", pharmacyID.String()).
		WithDetail("reason", reason)
}

// --- Context-based scope access ---

type scopeKey struct{}

// WithScope adds AccessScope to context.
func WithScope(ctx context.Context, scope *AccessScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, scope)
}

// GetScope returns AccessScope from context.
func GetScope(ctx context.Context) *AccessScope {
	if v, ok := ctx.Value(scopeKey{}).(*AccessScope); ok {
		return v
	}
	return NewAccessScope(ctx)
}
