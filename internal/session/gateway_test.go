package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/session"
)

type gatewayFixture struct {
	store     *session.Store
	navigator *recordingNavigator
	observer  *recordingObserver
	client    *http.Client
	server    *httptest.Server

	mu      sync.Mutex
	headers []string
}

func newGatewayFixture(t *testing.T, status map[string]int) *gatewayFixture {
	t.Helper()
	storage, _ := newRedisStorage(t, "ws1")
	f := &gatewayFixture{
		store:     session.NewStore(context.Background(), storage, session.StoreOptions{}),
		navigator: &recordingNavigator{},
		observer:  &recordingObserver{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.headers = append(f.headers, r.Header.Get("Authorization"))
		f.mu.Unlock()
		if code, ok := status[r.URL.Path]; ok {
			w.WriteHeader(code)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.server.Close)

	gateway := session.NewGateway(session.GatewayConfig{
		APIPath:   "/api/",
		Store:     f.store,
		LoginView: "/login",
		Navigator: f.navigator,
		Observer:  f.observer,
	})
	f.client = &http.Client{Transport: gateway}
	return f
}

func (f *gatewayFixture) get(t *testing.T, ctx context.Context, path string) int {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (f *gatewayFixture) lastHeader() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.headers[len(f.headers)-1]
}

func TestGatewayAttachesBearerToken(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Login(ctx, "tok-1", viewer()))

	require.Equal(t, http.StatusOK, f.get(t, ctx, "/api/feedback"))
	require.Equal(t, "Bearer tok-1", f.lastHeader())
}

func TestGatewaySendsAnonymousRequestsWithoutHeader(t *testing.T) {
	f := newGatewayFixture(t, nil)
	require.Equal(t, http.StatusOK, f.get(t, context.Background(), "/api/feedback"))
	require.Empty(t, f.lastHeader())
}

func TestGatewayKeepsExplicitAuthorization(t *testing.T) {
	f := newGatewayFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.Login(ctx, "tok-1", viewer()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/auth/me", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer explicit")
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "Bearer explicit", f.lastHeader())
}

func TestGatewayUnauthorizedForcesLogoutOnce(t *testing.T) {
	f := newGatewayFixture(t, map[string]int{"/api/feedback": http.StatusUnauthorized})
	ctx := session.WithView(context.Background(), "/feedback")
	require.NoError(t, f.store.Login(ctx, "tok-1", viewer()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/feedback", nil)
			if resp, err := f.client.Do(req); err == nil {
				resp.Body.Close()
			}
		}()
	}
	wg.Wait()

	require.False(t, f.store.IsAuthenticated())
	require.Equal(t, []session.LogoutReason{session.ReasonUnauthorized}, f.navigator.Reasons())
	require.Equal(t, []session.LogoutReason{session.ReasonUnauthorized}, f.observer.forced)
}

func TestGatewayAuthEndpointsAreExempt(t *testing.T) {
	f := newGatewayFixture(t, map[string]int{"/api/auth/login": http.StatusUnauthorized})
	ctx := session.WithView(context.Background(), "/feedback")
	require.NoError(t, f.store.Login(ctx, "tok-1", viewer()))

	require.Equal(t, http.StatusUnauthorized, f.get(t, ctx, "/api/auth/login"))
	require.True(t, f.store.IsAuthenticated())
	require.Empty(t, f.navigator.Reasons())
}

func TestGatewayLoginViewIsExempt(t *testing.T) {
	f := newGatewayFixture(t, map[string]int{"/api/feedback": http.StatusUnauthorized})
	ctx := session.WithView(context.Background(), "/login")
	require.NoError(t, f.store.Login(ctx, "tok-1", viewer()))

	require.Equal(t, http.StatusUnauthorized, f.get(t, ctx, "/api/feedback"))
	require.True(t, f.store.IsAuthenticated())
	require.Empty(t, f.navigator.Reasons())
}

func TestGatewayUnauthorizedWhileAnonymousDoesNotNavigate(t *testing.T) {
	f := newGatewayFixture(t, map[string]int{"/api/feedback": http.StatusUnauthorized})
	ctx := session.WithView(context.Background(), "/feedback")

	require.Equal(t, http.StatusUnauthorized, f.get(t, ctx, "/api/feedback"))
	require.Empty(t, f.navigator.Reasons())
}

func TestIsAuthEndpoint(t *testing.T) {
	require.True(t, session.IsAuthEndpoint("/api/", "/api/auth/login"))
	require.True(t, session.IsAuthEndpoint("", "/auth/me"))
	require.False(t, session.IsAuthEndpoint("/api/", "/api/feedback"))
	require.False(t, session.IsAuthEndpoint("/api/", "/api/authors"))

	// An API mounted below a path containing "auth" is not exempt.
	require.False(t, session.IsAuthEndpoint("/auth/api/", "/auth/api/feedback"))
	require.True(t, session.IsAuthEndpoint("/auth/api/", "/auth/api/auth/me"))
	require.False(t, session.IsAuthEndpoint("/api/", "/other/auth/me"))
}
