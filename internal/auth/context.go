package auth

import "context"

type ctxKey struct{}

// WithContext returns a copy of parent carrying the verified identity.
// The HTTP middleware injects it; non-HTTP callers (background jobs,
// tests) can use it directly.
func WithContext(parent context.Context, ac *Context) context.Context {
	return context.WithValue(parent, ctxKey{}, ac)
}

// FromContext extracts the verified identity from a request context.
// Returns nil when the request was not authenticated.
func FromContext(ctx context.Context) *Context {
	ac, _ := ctx.Value(ctxKey{}).(*Context)
	return ac
}
