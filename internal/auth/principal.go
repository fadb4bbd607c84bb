package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles carried in access tokens.
const (
	RoleMember     = "member"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Principal is the authenticated caller as seen by the governance layer.
type Principal struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Role           string
}

// IsAdmin reports whether the caller administers its own organization.
// Super admins are admins everywhere.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin || p.Role == RoleSuperAdmin
}

func (p Principal) IsSuperAdmin() bool {
	return p.Role == RoleSuperAdmin
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role string) bool {
	switch role {
	case RoleMember, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

type contextKey string

const principalKey contextKey = "principal"

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by Middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}
