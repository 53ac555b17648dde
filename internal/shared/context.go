package shared

import "context"

type browserSessionKey struct{}

// WithBrowserSession binds the cookie session of the current request to ctx.
func WithBrowserSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, browserSessionKey{}, sess)
}

// BrowserSession returns the session bound by WithBrowserSession, or nil.
func BrowserSession(ctx context.Context) *Session {
	sess, _ := ctx.Value(browserSessionKey{}).(*Session)
	return sess
}

// AddFlash queues a message for the next rendered page. It reports false
// when ctx carries no browser session.
func AddFlash(ctx context.Context, kind, message string) bool {
	sess := BrowserSession(ctx)
	if sess == nil {
		return false
	}
	sess.AddFlash(FlashMessage{Kind: kind, Message: message})
	return true
}

// PopFlash takes the pending flash message, if any.
func PopFlash(ctx context.Context) *FlashMessage {
	if sess := BrowserSession(ctx); sess != nil {
		return sess.PopFlash()
	}
	return nil
}
