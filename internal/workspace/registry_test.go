package workspace_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/testing/fakeapi"
	"github.com/bugbridge/dashboard/internal/workspace"
	_ "github.com/bugbridge/dashboard/testing"
)

type fixture struct {
	api      *fakeapi.Server
	redis    *redis.Client
	mr       *miniredis.Miniredis
	registry *workspace.Registry
}

func newFixture(t *testing.T, mutate func(*workspace.Config)) *fixture {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	apiClient, err := bugbridge.New(api.BaseURL(), bugbridge.Options{})
	require.NoError(t, err)

	cfg := workspace.Config{
		Redis: client,
		API:   apiClient,
		Grace: time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	registry, err := workspace.NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(registry.Close)
	return &fixture{api: api, redis: client, mr: mr, registry: registry}
}

// seed writes a durable session the way a previous process would have left it.
func (f *fixture) seed(t *testing.T, id, token string, user session.Identity) {
	t.Helper()
	storage := session.NewRedisStorage(f.redis, id, 0)
	store := session.NewStore(context.Background(), storage, session.StoreOptions{})
	require.NoError(t, store.Login(context.Background(), token, user))
}

func acquireRestored(t *testing.T, registry *workspace.Registry, id string) *workspace.Workspace {
	t.Helper()
	ws, err := registry.Acquire(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ws.WaitRestored(context.Background(), 2*time.Second))
	return ws
}

func TestColdBootAdoptsServerRole(t *testing.T) {
	f := newFixture(t, nil)
	token := f.api.IssueToken("ada")
	f.seed(t, "browser-1", token, session.Identity{ID: "2", Username: "ada", Role: session.RoleViewer})
	f.api.SetRole("ada", session.RoleAdmin)

	ws := acquireRestored(t, f.registry, "browser-1")
	snap := ws.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, token, snap.Token)
	require.Equal(t, session.RoleAdmin, snap.User.Role)
	require.Equal(t, session.PhaseScheduled, waitPhase(t, ws, session.PhaseScheduled))
}

func TestColdBootWithRejectedTokenClearsStorage(t *testing.T) {
	f := newFixture(t, nil)
	f.seed(t, "browser-1", "revoked-token", session.Identity{ID: "2", Username: "ada", Role: session.RoleViewer})

	ws := acquireRestored(t, f.registry, "browser-1")
	require.False(t, ws.Snapshot().IsAuthenticated)
	require.False(t, f.mr.Exists("bugbridge:ws:browser-1:auth-token"))

	token, err := session.ReadDurableToken(context.Background(), session.NewRedisStorage(f.redis, "browser-1", 0))
	require.NoError(t, err)
	require.Empty(t, token)
	require.Equal(t, session.PhaseIdle, ws.Manager.Phase())
}

func TestAcquireBootsOncePerWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	token := f.api.IssueToken("ada")
	f.seed(t, "browser-1", token, session.Identity{ID: "2", Username: "ada", Role: session.RoleViewer})

	var wg sync.WaitGroup
	results := make([]*workspace.Workspace, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ws, err := f.registry.Acquire(context.Background(), "browser-1")
			if err == nil {
				results[i] = ws
			}
		}(i)
	}
	wg.Wait()

	for _, ws := range results {
		require.NotNil(t, ws)
		require.Same(t, results[0], ws)
	}
	require.True(t, results[0].WaitRestored(context.Background(), 2*time.Second))
	require.Equal(t, 1, f.api.MeCalls())
	require.Equal(t, 1, f.registry.Len())
}

func TestMidSessionUnauthorizedForcesSingleLogout(t *testing.T) {
	f := newFixture(t, nil)
	ws := acquireRestored(t, f.registry, "browser-1")

	res, err := ws.API.Login(context.Background(), "ada", "ada-pass")
	require.NoError(t, err)
	require.NoError(t, ws.Store.Login(context.Background(), res.Token.AccessToken, res.User))
	require.Equal(t, session.PhaseScheduled, waitPhase(t, ws, session.PhaseScheduled))

	f.api.RevokeAll()
	ctx := session.WithView(context.Background(), "/feedback")
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = ws.API.ListFeedback(ctx, bugbridge.FeedbackQuery{})
		}()
	}
	wg.Wait()

	require.False(t, ws.Snapshot().IsAuthenticated)
	require.Equal(t, session.PhaseIdle, ws.Manager.Phase())
	require.Equal(t, "Your session has expired. Please sign in again.", ws.TakeNotice())
	require.Empty(t, ws.TakeNotice())
}

func TestEvictAndSweep(t *testing.T) {
	f := newFixture(t, func(cfg *workspace.Config) { cfg.IdleTTL = time.Minute })
	var counts []int
	var mu sync.Mutex
	f2 := newFixture(t, func(cfg *workspace.Config) {
		cfg.IdleTTL = time.Minute
		cfg.OnCount = func(n int) {
			mu.Lock()
			defer mu.Unlock()
			counts = append(counts, n)
		}
	})

	acquireRestored(t, f.registry, "a")
	acquireRestored(t, f.registry, "b")
	require.Equal(t, 2, f.registry.Len())

	require.Zero(t, f.registry.Sweep(time.Now()))
	require.Equal(t, 2, f.registry.Sweep(time.Now().Add(2*time.Minute)))
	require.Zero(t, f.registry.Len())

	acquireRestored(t, f2.registry, "c")
	f2.registry.Evict("c")
	f2.registry.Evict("c")
	_, ok := f2.registry.Lookup("c")
	require.False(t, ok)
	mu.Lock()
	require.Equal(t, []int{1, 0}, counts)
	mu.Unlock()
}

func TestEvictedWorkspaceRestoresAgain(t *testing.T) {
	f := newFixture(t, nil)
	ws := acquireRestored(t, f.registry, "browser-1")
	res, err := ws.API.Login(context.Background(), "admin", "admin-pass")
	require.NoError(t, err)
	require.NoError(t, ws.Store.Login(context.Background(), res.Token.AccessToken, res.User))

	f.registry.Evict("browser-1")
	again := acquireRestored(t, f.registry, "browser-1")
	require.NotSame(t, ws, again)
	require.True(t, again.Snapshot().IsAuthenticated)
	require.Equal(t, session.RoleAdmin, again.Snapshot().User.Role)
}

func TestAcquireAfterCloseFails(t *testing.T) {
	f := newFixture(t, nil)
	f.registry.Close()
	f.registry.Close()
	_, err := f.registry.Acquire(context.Background(), "browser-1")
	require.ErrorIs(t, err, workspace.ErrClosed)
}

func TestAnonymousRequestsCarryNoBearer(t *testing.T) {
	seen := make(chan string, 1)
	f := newFixture(t, func(cfg *workspace.Config) {
		cfg.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.URL.Path == "/api/feedback" {
				seen <- r.Header.Get("Authorization")
			}
			return http.DefaultTransport.RoundTrip(r)
		})
	})
	ws := acquireRestored(t, f.registry, "browser-1")

	_, err := ws.API.ListFeedback(context.Background(), bugbridge.FeedbackQuery{})
	require.ErrorIs(t, err, bugbridge.ErrUnauthorized)
	require.Empty(t, <-seen)
}

func waitPhase(t *testing.T, ws *workspace.Workspace, want session.Phase) session.Phase {
	t.Helper()
	require.Eventually(t, func() bool { return ws.Manager.Phase() == want }, 2*time.Second, 5*time.Millisecond)
	return ws.Manager.Phase()
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
