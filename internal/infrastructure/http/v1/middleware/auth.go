package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"pharmstock/internal/core/apperror"
	appctx "pharmstock/internal/core/context"
	"pharmstock/internal/core/security"
)

const (
	// TenantHeader names the tenant the client believes it is talking to.
	TenantHeader = "X-Tenant-ID"
)

// JWTValidator interface for token validation.
type JWTValidator interface {
	ValidateToken(tokenString string) (*appctx.UserContext, error)
}

// Auth middleware validates JWT tokens and populates user context.
func Auth(validator JWTValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		user, err := validator.ValidateToken(strings.TrimSpace(parts[1]))
		if err != nil {
			_ = c.Error(apperror.NewUnauthorized("invalid token").WithCause(err))
			c.Abort()
			return
		}

		ctx := appctx.WithUser(c.Request.Context(), user)
		c.Request = c.Request.WithContext(ctx)

		c.Set("user_id", user.UserID)
		c.Set("tenant_id", user.TenantID)

		c.Next()
	}
}

// Tenant middleware requires X-Tenant-ID and rejects requests whose header
// disagrees with the tenant of the token. Must run after Auth.
func Tenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		headerTenant := strings.TrimSpace(c.GetHeader(TenantHeader))
		if headerTenant == "" {
			_ = c.Error(
				apperror.NewValidation("tenant is required").
					WithDetail("header", TenantHeader),
			)
			c.Abort()
			return
		}

		tokenTenant := appctx.GetTenantID(c.Request.Context())
		if tokenTenant != headerTenant {
			_ = c.Error(
				apperror.NewForbidden("tenant mismatch").
					WithDetail("header_tenant_id", headerTenant).
					WithDetail("token_tenant_id", tokenTenant),
			)
			c.Abort()
			return
		}
		c.Next()
	}
}

// UserContext resolves the caller's access scope once per request so the
// engine's authorizer reads it from the context.
func UserContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		scope := security.NewAccessScope(ctx)
		c.Request = c.Request.WithContext(security.WithScope(ctx, scope))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	_ = c.Error(apperror.NewUnauthorized(message))
	c.Abort()
}
