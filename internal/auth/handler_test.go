package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bugbridge/dashboard/internal/auth"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/testing/harness"
	"github.com/bugbridge/dashboard/internal/workspace"
	_ "github.com/bugbridge/dashboard/testing"
)

type authFixture struct {
	env     *harness.Env
	handler *auth.Handler
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	env := harness.New(t)
	handler := auth.NewHandler(nil, auth.NewService(nil), env.Registry, env.Templates, env.CSRF)
	return &authFixture{env: env, handler: handler}
}

// bind loads the browser session for req and attaches it and its workspace.
func (f *authFixture) bind(t *testing.T, req *http.Request) (*http.Request, *shared.Session, *workspace.Workspace) {
	t.Helper()
	sess, err := f.env.Sessions.Load(req.Context(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	ws := f.env.Workspace(t, sess.ID)
	ctx := shared.WithBrowserSession(req.Context(), sess)
	ctx = workspace.ContextWith(ctx, ws)
	return req.WithContext(ctx), sess, ws
}

func (f *authFixture) postLogin(t *testing.T, form url.Values) (*httptest.ResponseRecorder, *shared.Session, *workspace.Workspace) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req, sess, ws := f.bind(t, req)
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)
	return rr, sess, ws
}

func TestShowLoginRendersNotice(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/login?next=%2Ffeedback", nil)
	req, _, ws := f.bind(t, req)
	ws.SetNotice("Your session has expired. Please sign in again.")

	rr := httptest.NewRecorder()
	f.handler.ShowLoginForTest(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "Your session has expired") {
		t.Fatalf("expected notice in body")
	}
	if !strings.Contains(body, `value="/feedback"`) {
		t.Fatalf("expected next field in body")
	}
	if ws.TakeNotice() != "" {
		t.Fatalf("expected notice to be consumed")
	}
}

func TestShowLoginRedirectsWhenAuthenticated(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/login?next=https%3A%2F%2Fevil.example", nil)
	req, _, ws := f.bind(t, req)
	f.env.SignIn(t, ws, "ada", "ada-pass")

	rr := httptest.NewRecorder()
	f.handler.ShowLoginForTest(rr, req)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/" {
		t.Fatalf("expected redirect to /, got %q", loc)
	}
}

func TestHandleLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(url.Values{
		"username": {"admin"},
		"password": {"admin-pass"},
		"next":     {"/settings"},
	}.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req, sess, ws := f.bind(t, req)
	planted := sess.ID
	rr := httptest.NewRecorder()
	f.handler.HandleLoginForTest(rr, req)

	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected redirect, got %d: %s", rr.Code, rr.Body.String())
	}
	if loc := rr.Header().Get("Location"); loc != "/settings" {
		t.Fatalf("unexpected redirect %q", loc)
	}
	if sess.ID == planted {
		t.Fatalf("expected a fresh browser session id after sign-in")
	}
	if ws.Snapshot().IsAuthenticated {
		t.Fatalf("expected the pre-login workspace to stay anonymous")
	}
	if _, ok := f.env.Registry.Lookup(planted); ok {
		t.Fatalf("expected the pre-login workspace to be evicted")
	}
	signedIn, ok := f.env.Registry.Lookup(sess.ID)
	if !ok {
		t.Fatalf("expected a workspace for the new session id")
	}
	snap := signedIn.Snapshot()
	if !snap.IsAuthenticated || snap.User == nil || snap.User.Role != session.RoleAdmin {
		t.Fatalf("expected authenticated admin, got %+v", snap)
	}
	if err := f.env.CSRF.VerifyToken(context.Background(), sess, sess.Get(shared.CSRFSessionKey)); err != nil {
		t.Fatalf("expected csrf token bound to the new id: %v", err)
	}
	if !f.env.Miniredis.Exists(session.WorkspacePrefix(sess.ID) + "auth-storage") {
		t.Fatalf("expected durable session blob")
	}
	if f.env.Miniredis.Exists(session.WorkspacePrefix(planted) + "auth-token") {
		t.Fatalf("expected no credentials under the pre-login id")
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	rr, sess, ws := f.postLogin(t, url.Values{"username": {"admin"}, "password": {"nope"}})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if sess.ID != ws.ID {
		t.Fatalf("expected session id to be kept after a failed sign-in")
	}
	if f.env.Registry.Len() != 1 {
		t.Fatalf("expected the attempt's workspace to be evicted, got %d live", f.env.Registry.Len())
	}
	if !strings.Contains(rr.Body.String(), "Incorrect username or password") {
		t.Fatalf("expected API detail in body")
	}
	if ws.Snapshot().IsAuthenticated {
		t.Fatalf("expected anonymous session")
	}
}

func TestHandleLoginValidation(t *testing.T) {
	f := newAuthFixture(t)
	rr, _, _ := f.postLogin(t, url.Values{"username": {""}, "password": {""}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Username is required") {
		t.Fatalf("expected validation message")
	}
	if f.env.API.MeCalls() != 0 {
		t.Fatalf("unexpected API traffic")
	}
}

func TestHandleLoginAPIUnavailable(t *testing.T) {
	f := newAuthFixture(t)
	f.env.API.Close()
	rr, _, _ := f.postLogin(t, url.Values{"username": {"admin"}, "password": {"admin-pass"}})
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "unavailable") {
		t.Fatalf("expected unavailable message")
	}
}

func TestHandleLogoutClearsSession(t *testing.T) {
	f := newAuthFixture(t)
	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	req, sess, ws := f.bind(t, req)
	f.env.SignIn(t, ws, "ada", "ada-pass")
	signedIn := sess.ID

	rr := httptest.NewRecorder()
	f.handler.HandleLogoutForTest(rr, req)
	if rr.Code != http.StatusSeeOther || rr.Header().Get("Location") != "/login" {
		t.Fatalf("expected redirect to /login, got %d %q", rr.Code, rr.Header().Get("Location"))
	}
	if ws.Snapshot().IsAuthenticated {
		t.Fatalf("expected session cleared")
	}
	if f.env.API.LogoutCalls() != 1 {
		t.Fatalf("expected one remote logout, got %d", f.env.API.LogoutCalls())
	}
	token, err := session.ReadDurableToken(context.Background(), session.NewRedisStorage(f.env.Redis, signedIn, 0))
	if err != nil || token != "" {
		t.Fatalf("expected durable token removed, got %q %v", token, err)
	}
	if sess.ID == signedIn {
		t.Fatalf("expected a fresh browser session id after sign-out")
	}
	if _, ok := f.env.Registry.Lookup(signedIn); ok {
		t.Fatalf("expected the signed-out workspace to be evicted")
	}
	if flash := sess.PopFlash(); flash == nil || flash.Kind != "success" {
		t.Fatalf("expected success flash")
	}
}

func TestHandleLogoutBeforeRestorationFinishes(t *testing.T) {
	f := newAuthFixture(t)
	id := shared.NewSessionID()
	seed := f.env.Workspace(t, id)
	f.env.SignIn(t, seed, "ada", "ada-pass")
	f.env.Registry.Evict(id)

	// First request after an eviction: the workspace boots and restores
	// from Redis while the handler runs.
	ws, err := f.env.Registry.Acquire(context.Background(), id)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	sess := &shared.Session{ID: id}
	ctx := shared.WithBrowserSession(context.Background(), sess)
	ctx = workspace.ContextWith(ctx, ws)
	req := httptest.NewRequest(http.MethodPost, "/logout", nil).WithContext(ctx)

	f.handler.HandleLogoutForTest(httptest.NewRecorder(), req)
	ws.WaitRestored(context.Background(), 2*time.Second)

	if ws.Snapshot().IsAuthenticated {
		t.Fatalf("expected sign-out to win over restoration")
	}
	token, err := session.ReadDurableToken(context.Background(), session.NewRedisStorage(f.env.Redis, id, 0))
	if err != nil || token != "" {
		t.Fatalf("expected durable token removed, got %q %v", token, err)
	}
}
