// Package workspace wires the session components for one browser session.
package workspace

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/session"
)

// Workspace is the per-browser equivalent of a running dashboard tab: one
// credential store, one restorer, one lifecycle manager and an API client
// whose transport is the authenticated gateway.
type Workspace struct {
	ID       string
	Store    *session.Store
	Restorer *session.Restorer
	Manager  *session.Manager
	API      *bugbridge.Client

	cancel   context.CancelFunc
	lastUsed atomic.Int64

	mu     sync.Mutex
	notice string
}

// ToLogin records that the next page render must send the user to the
// login view. It implements session.Navigator.
func (w *Workspace) ToLogin(_ context.Context, reason session.LogoutReason) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notice = noticeFor(reason)
}

// SetNotice stores a message for the login page.
func (w *Workspace) SetNotice(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notice = msg
}

// TakeNotice returns and clears the pending login-page message.
func (w *Workspace) TakeNotice() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := w.notice
	w.notice = ""
	return msg
}

// Snapshot is shorthand for w.Store.Snapshot.
func (w *Workspace) Snapshot() session.State {
	return w.Store.Snapshot()
}

// WaitRestored blocks up to limit for restoration and reports whether it has finished.
func (w *Workspace) WaitRestored(ctx context.Context, limit time.Duration) bool {
	if !w.Restorer.Restoring() {
		return true
	}
	if limit <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()
	return w.Restorer.Wait(ctx) == nil
}

func (w *Workspace) touch(now time.Time) {
	w.lastUsed.Store(now.UnixNano())
}

func (w *Workspace) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastUsed.Load()))
}

func (w *Workspace) shutdown() {
	w.Manager.Stop()
	if w.cancel != nil {
		w.cancel()
	}
}

func noticeFor(reason session.LogoutReason) string {
	switch reason {
	case session.ReasonRevalidationFailed:
		return "Your session could not be verified. Please sign in again."
	default:
		return "Your session has expired. Please sign in again."
	}
}
