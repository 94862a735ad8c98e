package auth

import (
	"context"
	"slices"

	"escrowdesk/apperr"
)

var (
	// ErrUnauthenticated signals a request without a valid session.
	ErrUnauthenticated = apperr.New(apperr.KindUnauthorized, "auth: login required")
	// ErrForbidden signals an authenticated user lacking the required role.
	ErrForbidden = apperr.New(apperr.KindForbidden, "auth: insufficient permissions")
)

// Principal is the authenticated caller for the lifetime of one request.
type Principal struct {
	UserID    int64
	Name      string
	Email     string
	Role      Role
	SessionID string
}

// IsStaff reports whether the principal is an admin or support agent.
func (p Principal) IsStaff() bool {
	return p.Role.Staff()
}

// PrincipalFromUser builds a principal for user bound to sessionID.
func PrincipalFromUser(user User, sessionID string) Principal {
	return Principal{
		UserID:    user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Role:      user.Role,
		SessionID: sessionID,
	}
}

type ctxKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal stored in ctx, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok && p.UserID != 0
}

// Require returns the principal in ctx or ErrUnauthenticated.
func Require(ctx context.Context) (Principal, error) {
	p, ok := FromContext(ctx)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// RequireRole checks that p holds one of roles.
func RequireRole(p Principal, roles ...Role) error {
	if p.UserID == 0 {
		return ErrUnauthenticated
	}
	if slices.Contains(roles, p.Role) {
		return nil
	}
	return ErrForbidden
}

// RequireStaff checks that p is an admin or support agent.
func RequireStaff(p Principal) error {
	return RequireRole(p, RoleAdmin, RoleSupport)
}
