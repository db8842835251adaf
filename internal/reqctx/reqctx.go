// Package reqctx carries the authenticated-request value down into the
// orchestrator, replacing the source's dynamic per-request `user` payload
// with an explicit, structured context value (spec.md §9).
package reqctx

import "context"

type ctxKey struct{}

// Context describes the caller on whose behalf a dispatch is executed.
type Context struct {
	UserID    string
	IsAdmin   bool
	APIKeyID  string
	Unlimited bool
}

// With attaches a request Context to ctx.
func With(ctx context.Context, rc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// From retrieves the request Context, if any.
func From(ctx context.Context) (Context, bool) {
	rc, ok := ctx.Value(ctxKey{}).(Context)
	return rc, ok
}
