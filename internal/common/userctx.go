package common

import (
	"context"
)

// UserContext holds the authenticated caller's identity, resolved from the
// verified JWT by server middleware and carried through every operation the
// request triggers (enqueue, cancel, WebSocket attach).
type UserContext struct {
	UserID  string
	IsAdmin bool
}

type contextKey int

const userContextKey contextKey = iota

// WithUserContext stores a UserContext in the request context.
func WithUserContext(ctx context.Context, uc *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, uc)
}

// UserContextFromContext retrieves the UserContext from context, or nil if absent.
func UserContextFromContext(ctx context.Context) *UserContext {
	uc, _ := ctx.Value(userContextKey).(*UserContext)
	return uc
}

// ResolveUserID returns the UserID from context, or "" when no user context
// is present. Route handlers treat an empty result as unauthenticated.
func ResolveUserID(ctx context.Context) string {
	if uc := UserContextFromContext(ctx); uc != nil {
		return uc.UserID
	}
	return ""
}

// IsAdmin reports whether the context's caller holds admin privileges,
// required by the sync-interval and monitoring-status routes.
func IsAdmin(ctx context.Context) bool {
	if uc := UserContextFromContext(ctx); uc != nil {
		return uc.IsAdmin
	}
	return false
}
