package app

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/bugbridge/dashboard/internal/observability"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/workspace"
)

const (
	defaultRequestTimeout = 30 * time.Second
	requestsPerMinute     = 60
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger         *slog.Logger
	Config         *Config
	SessionManager *shared.SessionManager
	CSRFManager    *shared.CSRFManager
	Registry       *workspace.Registry
	Metrics        *observability.Metrics
}

// MiddlewareStack returns the dashboard middleware chain, outermost first.
// The browser session is loaded before the workspace is acquired because the
// session ID names the workspace.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	timeout := defaultRequestTimeout
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	stack := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		browserSessions(cfg.SessionManager, cfg.Logger),
		middleware.Recoverer,
		workspaces(cfg.Registry, cfg.Logger),
		middleware.Timeout(timeout),
		securityHeaders(cfg.Config, cfg.Logger),
		middleware.Compress(5),
		httprate.Limit(requestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
		cfg.CSRFManager.Protect(cfg.Logger),
	}
	if cfg.Metrics != nil {
		stack = append(stack, cfg.Metrics.Middleware)
	}
	return stack
}

// browserSessions loads the cookie session and saves it just before the
// response header is sent, so handlers may set flashes and tokens until
// their first write.
func browserSessions(manager *shared.SessionManager, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := manager.Load(r.Context(), r)
			if err != nil {
				logger.Error("load browser session", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			r = r.WithContext(shared.WithBrowserSession(r.Context(), sess))
			cw := &commitWriter{ResponseWriter: w, commit: func() {
				if err := manager.Commit(r.Context(), w, r, sess); err != nil {
					logger.Error("save browser session", slog.Any("error", err))
				}
			}}
			next.ServeHTTP(cw, r)
			cw.flushCommit()
		})
	}
}

type commitWriter struct {
	http.ResponseWriter
	commit    func()
	committed bool
}

func (w *commitWriter) flushCommit() {
	if !w.committed {
		w.committed = true
		w.commit()
	}
}

func (w *commitWriter) WriteHeader(code int) {
	w.flushCommit()
	w.ResponseWriter.WriteHeader(code)
}

func (w *commitWriter) Write(b []byte) (int, error) {
	w.flushCommit()
	return w.ResponseWriter.Write(b)
}

func (w *commitWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// workspaces binds the caller's workspace to the request context.
func workspaces(registry *workspace.Registry, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess := shared.BrowserSession(r.Context())
			if registry == nil || sess == nil || skipWorkspace(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}
			ws, err := registry.Acquire(r.Context(), sess.ID)
			if err != nil {
				logger.Error("acquire workspace", slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
				return
			}
			next.ServeHTTP(w, r.WithContext(workspace.ContextWith(r.Context(), ws)))
		})
	}
}

func securityHeaders(cfg *Config, logger *slog.Logger) func(http.Handler) http.Handler {
	headers := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		ReferrerPolicy:        "same-origin",
		PermissionsPolicy:     "camera=(), microphone=(), geolocation=()",
		ContentSecurityPolicy: "default-src 'self'; form-action 'self'; frame-ancestors 'none'",
		SSLRedirect:           cfg != nil && cfg.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := headers.Process(w, r); err != nil {
				logger.Warn("secure headers blocked request", slog.Any("error", err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// skipWorkspace reports paths that never touch credentials.
func skipWorkspace(path string) bool {
	switch path {
	case "/healthz", "/metrics", "/favicon.ico":
		return true
	}
	return strings.HasPrefix(path, "/static/") || strings.HasPrefix(path, "/jobs/")
}
