// Package harness assembles the dashboard's collaborators for handler tests.
package harness

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/testing/fakeapi"
	"github.com/bugbridge/dashboard/internal/view"
	"github.com/bugbridge/dashboard/internal/workspace"
)

// Env bundles a fake API, Redis and a workspace registry.
type Env struct {
	API       *fakeapi.Server
	Miniredis *miniredis.Miniredis
	Redis     *redis.Client
	Client    *bugbridge.Client
	Registry  *workspace.Registry
	Templates *view.Engine
	Sessions  *shared.SessionManager
	CSRF      *shared.CSRFManager
}

// New builds an Env torn down with t.
func New(t testing.TB, mutate ...func(*workspace.Config)) *Env {
	t.Helper()
	api := fakeapi.New()
	t.Cleanup(api.Close)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	apiClient, err := bugbridge.New(api.BaseURL(), bugbridge.Options{})
	require.NoError(t, err)
	cfg := workspace.Config{Redis: client, API: apiClient, Grace: time.Millisecond}
	for _, fn := range mutate {
		fn(&cfg)
	}
	registry, err := workspace.NewRegistry(cfg)
	require.NoError(t, err)
	t.Cleanup(registry.Close)

	templates, err := view.NewEngine()
	require.NoError(t, err)

	return &Env{
		API:       api,
		Miniredis: mr,
		Redis:     client,
		Client:    apiClient,
		Registry:  registry,
		Templates: templates,
		Sessions:  shared.NewSessionManager(client, shared.SessionOptions{Secret: "secret", TTL: time.Hour}),
		CSRF:      shared.NewCSRFManager("csrf-secret"),
	}
}

// Workspace acquires id and waits for its restoration.
func (e *Env) Workspace(t testing.TB, id string) *workspace.Workspace {
	t.Helper()
	ws, err := e.Registry.Acquire(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ws.WaitRestored(context.Background(), 2*time.Second), "restoration did not finish")
	return ws
}

// SignIn logs username in through the fake API and stores the session.
func (e *Env) SignIn(t testing.TB, ws *workspace.Workspace, username, password string) {
	t.Helper()
	res, err := ws.API.Login(context.Background(), username, password)
	require.NoError(t, err)
	require.NoError(t, ws.Store.Login(context.Background(), res.Token.AccessToken, res.User))
}
