package rbac_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/rbac"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/testing/harness"
	"github.com/bugbridge/dashboard/internal/workspace"
	_ "github.com/bugbridge/dashboard/testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("protected"))
	})
}

func serve(ws *workspace.Workspace, h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if ws != nil {
		req = req.WithContext(workspace.ContextWith(req.Context(), ws))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newMiddleware(env *harness.Env) rbac.Middleware {
	return rbac.Middleware{Templates: env.Templates, CSRF: env.CSRF, RestoreWait: 20 * time.Millisecond}
}

func TestRequireSessionRedirectsAnonymous(t *testing.T) {
	env := harness.New(t)
	ws := env.Workspace(t, "browser-anon-0001")

	rec := serve(ws, newMiddleware(env).RequireSession()(okHandler()), "/feedback?page=2")
	require.Equal(t, http.StatusSeeOther, rec.Code)
	require.Equal(t, "/login?next=%2Ffeedback%3Fpage%3D2", rec.Header().Get("Location"))
}

func TestRequireSessionAllowsAuthenticated(t *testing.T) {
	env := harness.New(t)
	ws := env.Workspace(t, "browser-user-0001")
	env.SignIn(t, ws, "ada", "ada-pass")

	rec := serve(ws, newMiddleware(env).RequireSession()(okHandler()), "/feedback")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "protected", rec.Body.String())
}

func TestRequireAdminDeniesViewerWithoutRedirect(t *testing.T) {
	env := harness.New(t)
	ws := env.Workspace(t, "browser-user-0002")
	env.SignIn(t, ws, "ada", "ada-pass")

	rec := serve(ws, newMiddleware(env).RequireAdmin()(okHandler()), "/settings")
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, rec.Header().Get("Location"))
	require.Contains(t, rec.Body.String(), "Access denied")
	require.NotContains(t, rec.Body.String(), "protected")
}

func TestRequireAdminAllowsAdmin(t *testing.T) {
	env := harness.New(t)
	ws := env.Workspace(t, "browser-admin-001")
	env.SignIn(t, ws, "admin", "admin-pass")

	rec := serve(ws, newMiddleware(env).RequireRole(session.RoleAdmin)(okHandler()), "/settings")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGuardShowsLoadingWhileRestoring(t *testing.T) {
	release := make(chan struct{})
	env := harness.New(t, func(cfg *workspace.Config) {
		cfg.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.URL.Path == "/api/auth/me" {
				<-release
			}
			return http.DefaultTransport.RoundTrip(r)
		})
	})
	defer func() {
		select {
		case <-release:
		default:
			close(release)
		}
	}()

	token := env.API.IssueToken("ada")
	seed := session.NewStore(context.Background(), session.NewRedisStorage(env.Redis, "browser-slow-0001", 0), session.StoreOptions{})
	require.NoError(t, seed.Login(context.Background(), token, session.Identity{ID: "2", Username: "ada", Role: session.RoleViewer}))

	ws, err := env.Registry.Acquire(context.Background(), "browser-slow-0001")
	require.NoError(t, err)

	h := newMiddleware(env).RequireSession()(okHandler())
	rec := serve(ws, h, "/feedback")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Refresh"))
	require.Empty(t, rec.Header().Get("Location"))
	require.Contains(t, rec.Body.String(), "Restoring your session")

	close(release)
	require.True(t, ws.WaitRestored(context.Background(), 2*time.Second))
	rec = serve(ws, h, "/feedback")
	require.Equal(t, "protected", rec.Body.String())
}

func TestGuardWithoutWorkspaceFails(t *testing.T) {
	env := harness.New(t)
	rec := serve(nil, newMiddleware(env).RequireSession()(okHandler()), "/")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestSafeNext(t *testing.T) {
	require.Equal(t, "/feedback?page=2", rbac.SafeNext("/feedback?page=2"))
	require.Equal(t, "/", rbac.SafeNext("//evil.example"))
	require.Equal(t, "/", rbac.SafeNext("https://evil.example"))
	require.Equal(t, "/", rbac.SafeNext(""))
	require.Equal(t, "/login", rbac.LoginURL("/login", "/"))
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
