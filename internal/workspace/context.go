package workspace

import "context"

type contextKey struct{}

// ContextWith stores the request's workspace in ctx.
func ContextWith(ctx context.Context, ws *Workspace) context.Context {
	return context.WithValue(ctx, contextKey{}, ws)
}

// FromContext returns the workspace bound by the HTTP middleware, or nil.
func FromContext(ctx context.Context) *Workspace {
	ws, _ := ctx.Value(contextKey{}).(*Workspace)
	return ws
}
