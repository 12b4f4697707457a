// Package context provides request-scoped values extraction.
package context

import (
	"context"
	"slices"
)

// SystemUserID identifies background jobs (expiry sweeps, reconciliation).
const SystemUserID = "system"

// UserContext contains authenticated user information.
type UserContext struct {
	UserID      string
	TenantID    string
	Email       string
	Roles       []string
	Permissions []string
	PharmacyIDs []string // pharmacies the user may operate on
	IsAdmin     bool
	IsSystem    bool
	SessionID   string
}

type userContextKey struct{}

// WithUser adds UserContext to context.
func WithUser(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

// WithSystemUser marks ctx as running on behalf of a scheduled job for tenantID.
func WithSystemUser(ctx context.Context, tenantID string) context.Context {
	return WithUser(ctx, &UserContext{
		UserID:   SystemUserID,
		TenantID: tenantID,
		IsSystem: true,
	})
}

// GetUser returns UserContext from context.
func GetUser(ctx context.Context) *UserContext {
	if v, ok := ctx.Value(userContextKey{}).(*UserContext); ok {
		return v
	}
	return nil
}

// GetUserID returns user ID from context or empty string.
func GetUserID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.UserID
	}
	return ""
}

// GetTenantID returns tenant ID from context or empty string.
func GetTenantID(ctx context.Context) string {
	if u := GetUser(ctx); u != nil {
		return u.TenantID
	}
	return ""
}

// HasRole checks if user has specific role.
func HasRole(ctx context.Context, role string) bool {
	u := GetUser(ctx)
	if u == nil {
		return false
	}
	return slices.Contains(u.Roles, role)
}

// HasPermission checks if user holds a permission like "stock:dispense".
func (u *UserContext) HasPermission(perm string) bool {
	if u == nil {
		return false
	}
	if u.IsAdmin || u.IsSystem {
		return true
	}
	return slices.Contains(u.Permissions, perm)
}
