package auth

import (
	"context"
)

type contextKey string

const authContextKey contextKey = "auth"

// WithContext attaches a to ctx
func WithContext(ctx context.Context, a *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, a)
}

// FromContext returns the caller's AuthContext. Nil means the request did
// not come through the HTTP middleware (stdio, tests) and is trusted.
func FromContext(ctx context.Context) *AuthContext {
	a, ok := ctx.Value(authContextKey).(*AuthContext)
	if !ok {
		return nil
	}
	return a
}
