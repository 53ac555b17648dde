package rbac

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/view"
	"github.com/bugbridge/dashboard/internal/workspace"
)

// DefaultRestoreWait bounds how long a guarded request waits for restoration.
const DefaultRestoreWait = 3 * time.Second

// Middleware wires the route guard into chi routes.
type Middleware struct {
	Templates   *view.Engine
	CSRF        *shared.CSRFManager
	Logger      *slog.Logger
	LoginView   string
	RestoreWait time.Duration
	// RefreshAfter is sent in the Refresh header of the loading page.
	RefreshAfter time.Duration
}

// RequireSession admits any authenticated identity.
func (m Middleware) RequireSession() func(http.Handler) http.Handler {
	return m.require(nil)
}

// RequireRole admits identities holding one of roles.
func (m Middleware) RequireRole(roles ...session.Role) func(http.Handler) http.Handler {
	return m.require(roles)
}

// RequireAdmin admits admins only.
func (m Middleware) RequireAdmin() func(http.Handler) http.Handler {
	return m.require([]session.Role{session.RoleAdmin})
}

func (m Middleware) require(roles []session.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ws := workspace.FromContext(r.Context())
			if ws == nil {
				m.logger().Error("rbac: workspace missing from context", slog.String("path", r.URL.Path))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			ws.WaitRestored(r.Context(), m.restoreWait())

			state := ws.Snapshot()
			verdict := session.Decide(session.GuardInput{
				Restoring: ws.Restorer.Restoring(),
				State:     state,
				Roles:     roles,
				View:      r.URL.Path,
				LoginView: m.loginView(),
			})
			switch verdict {
			case session.VerdictAllow:
				next.ServeHTTP(w, r)
			case session.VerdictRedirect:
				http.Redirect(w, r, LoginURL(m.loginView(), r.URL.RequestURI()), http.StatusSeeOther)
			case session.VerdictDenied:
				m.logger().Info("rbac: access denied",
					slog.String("path", r.URL.Path),
					slog.String("role", string(state.User.Role)))
				m.render(w, r, http.StatusForbidden, "pages/denied.html", "Access denied", state.User)
			default:
				w.Header().Set("Refresh", strconv.Itoa(m.refreshSeconds()))
				w.Header().Set("Cache-Control", "no-store")
				m.render(w, r, http.StatusOK, "pages/loading.html", "Loading", nil)
			}
		})
	}
}

func (m Middleware) render(w http.ResponseWriter, r *http.Request, status int, name, title string, user *session.Identity) {
	data := view.TemplateData{Title: title, CurrentPath: r.URL.Path, User: user}
	if m.CSRF != nil {
		if sess := shared.BrowserSession(r.Context()); sess != nil {
			data.CSRFToken, _ = m.CSRF.EnsureToken(r.Context(), sess)
		}
	}
	if m.Templates == nil {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if err := m.Templates.RenderStatus(w, status, name, data); err != nil {
		m.logger().Error("rbac: render", slog.String("template", name), slog.Any("error", err))
	}
}

// LoginURL builds the login redirect, remembering where the user was going.
func LoginURL(loginView, next string) string {
	if next == "" || next == "/" || next == loginView {
		return loginView
	}
	return loginView + "?next=" + url.QueryEscape(next)
}

// SafeNext returns next when it is a local path, otherwise "/".
func SafeNext(next string) string {
	if next == "" || next[0] != '/' || len(next) > 1 && (next[1] == '/' || next[1] == '\\') {
		return "/"
	}
	return next
}

func (m Middleware) loginView() string {
	if m.LoginView == "" {
		return "/login"
	}
	return m.LoginView
}

func (m Middleware) restoreWait() time.Duration {
	if m.RestoreWait <= 0 {
		return DefaultRestoreWait
	}
	return m.RestoreWait
}

func (m Middleware) refreshSeconds() int {
	secs := int(m.RefreshAfter / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger == nil {
		return slog.Default()
	}
	return m.Logger
}
