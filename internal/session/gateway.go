package session

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

type viewContextKey struct{}

// WithView records the view a request is being made on behalf of.
func WithView(ctx context.Context, path string) context.Context {
	return context.WithValue(ctx, viewContextKey{}, path)
}

// ViewFromContext returns the view recorded by WithView.
func ViewFromContext(ctx context.Context) string {
	view, _ := ctx.Value(viewContextKey{}).(string)
	return view
}

// GatewayConfig collects Gateway dependencies.
type GatewayConfig struct {
	Base http.RoundTripper
	// APIPath is the URL path of the API root, e.g. "/api/".
	APIPath   string
	Store     *Store
	LoginView string
	Navigator Navigator
	Observer  Observer
	Logger    *slog.Logger
}

// Gateway is the http.RoundTripper every API call of a workspace goes through.
type Gateway struct {
	base      http.RoundTripper
	apiPath   string
	store     *Store
	loginView string
	navigator Navigator
	observer  Observer
	logger    *slog.Logger
}

// NewGateway builds a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	g := &Gateway{
		base:      cfg.Base,
		apiPath:   cfg.APIPath,
		store:     cfg.Store,
		loginView: cfg.LoginView,
		navigator: cfg.Navigator,
		observer:  cfg.Observer,
		logger:    cfg.Logger,
	}
	if g.base == nil {
		g.base = http.DefaultTransport
	}
	if g.loginView == "" {
		g.loginView = "/login"
	}
	if g.navigator == nil {
		g.navigator = nopNavigator{}
	}
	if g.observer == nil {
		g.observer = nopObserver{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// RoundTrip attaches the bearer token and turns a 401 from a non-auth
// endpoint into a forced logout.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	if req.Header.Get("Authorization") == "" {
		token, err := g.store.BearerToken(ctx)
		if err != nil {
			g.logger.Warn("gateway token lookup", slog.Any("error", err))
		}
		if token != "" {
			req = req.Clone(ctx)
			(&oauth2.Token{AccessToken: token, TokenType: "Bearer"}).SetAuthHeader(req)
		}
	}

	resp, err := g.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && g.shouldExpire(req) {
		if g.store.Logout(ctx) {
			g.logger.Info("session expired by api", slog.String("path", req.URL.Path))
			g.observer.ForcedLogout(ReasonUnauthorized)
			g.navigator.ToLogin(ctx, ReasonUnauthorized)
		}
	}
	return resp, nil
}

func (g *Gateway) shouldExpire(req *http.Request) bool {
	if IsAuthEndpoint(g.apiPath, req.URL.Path) {
		return false
	}
	return ViewFromContext(req.Context()) != g.loginView
}

// IsAuthEndpoint reports whether path targets the /auth/ endpoints of the
// API rooted at apiPath. Segments of apiPath itself never count.
func IsAuthEndpoint(apiPath, path string) bool {
	rel, ok := strings.CutPrefix(path, strings.TrimSuffix(apiPath, "/"))
	if !ok {
		return false
	}
	return strings.HasPrefix(rel, "/auth/")
}

var _ http.RoundTripper = (*Gateway)(nil)
