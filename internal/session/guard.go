package session

// Verdict is the Guard's decision for a protected view.
type Verdict string

const (
	// VerdictLoading renders a loading affordance without navigating.
	VerdictLoading Verdict = "loading"
	// VerdictRedirect navigates to the login view.
	VerdictRedirect Verdict = "redirect"
	// VerdictDenied renders the access-denied affordance in place of the view.
	VerdictDenied Verdict = "denied"
	// VerdictAllow renders the wrapped view.
	VerdictAllow Verdict = "allow"
)

// GuardInput is everything Decide looks at.
type GuardInput struct {
	Restoring bool
	State     State
	// Roles lists the roles allowed on the view; empty means any authenticated user.
	Roles     []Role
	View      string
	LoginView string
}

// Decide evaluates the guard table in order; the first match wins.
func Decide(in GuardInput) Verdict {
	if in.Restoring {
		return VerdictLoading
	}
	if !in.State.IsAuthenticated || in.State.User == nil {
		if in.LoginView != "" && in.View == in.LoginView {
			return VerdictLoading
		}
		return VerdictRedirect
	}
	if !Permits(in.State.User, in.Roles...) {
		return VerdictDenied
	}
	return VerdictAllow
}

// Permits is the render-only guard: it reports whether user holds one of
// the allowed roles. An empty allow-list permits any identity.
func Permits(user *Identity, allowed ...Role) bool {
	if user == nil {
		return false
	}
	if len(allowed) == 0 {
		return true
	}
	for _, role := range allowed {
		if user.Role == role {
			return true
		}
	}
	return false
}
