package session

import "context"

// RestoreOutcome summarises how a boot-time restoration ended. Superseded
// means a sign-in or sign-out landed first, or the workspace shut down, and
// the result was discarded.
type RestoreOutcome string

const (
	RestoreValidated  RestoreOutcome = "validated"
	RestoreRejected   RestoreOutcome = "rejected"
	RestoreAnonymous  RestoreOutcome = "anonymous"
	RestoreSuperseded RestoreOutcome = "superseded"
)

// LogoutReason labels why a session was ended without the user asking.
type LogoutReason string

const (
	ReasonUnauthorized       LogoutReason = "unauthorized"
	ReasonRevalidationFailed LogoutReason = "revalidation_failed"
)

// Observer receives lifecycle events, typically for metrics.
type Observer interface {
	Restored(outcome RestoreOutcome)
	Revalidated(err error)
	ForcedLogout(reason LogoutReason)
}

// Navigator moves the user to the login view after a forced logout.
type Navigator interface {
	ToLogin(ctx context.Context, reason LogoutReason)
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, reason LogoutReason)

// ToLogin calls f.
func (f NavigatorFunc) ToLogin(ctx context.Context, reason LogoutReason) {
	f(ctx, reason)
}

type nopObserver struct{}

func (nopObserver) Restored(RestoreOutcome)   {}
func (nopObserver) Revalidated(error)         {}
func (nopObserver) ForcedLogout(LogoutReason) {}

type nopNavigator struct{}

func (nopNavigator) ToLogin(context.Context, LogoutReason) {}
