// Package dashboard serves the signed-in pages of the BugBridge dashboard.
package dashboard

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/platform/httpx"
	"github.com/bugbridge/dashboard/internal/rbac"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/view"
	"github.com/bugbridge/dashboard/internal/workspace"
)

const defaultPageSize = 20

// Handler manages the dashboard pages.
type Handler struct {
	logger    *slog.Logger
	templates *view.Engine
	csrf      *shared.CSRFManager
	rbac      rbac.Middleware
	loginView string
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, guard rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	loginView := guard.LoginView
	if loginView == "" {
		loginView = "/login"
	}
	return &Handler{logger: logger, templates: templates, csrf: csrf, rbac: guard, loginView: loginView}
}

// MountRoutes registers dashboard routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireSession())
		r.Get("/", h.home)
		r.Get("/feedback", h.listFeedback)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAdmin())
		r.Get("/settings", h.settings)
	})
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.sessionJSON)
		r.With(h.rbac.RequireSession()).Get("/feedback", h.feedbackJSON)
	})
}

type feedbackPageData struct {
	Items      []bugbridge.Feedback
	Search     string
	Pagination shared.Pagination
}

func (h *Handler) home(w http.ResponseWriter, r *http.Request) {
	h.render(w, r, "pages/home.html", "Overview", nil, http.StatusOK)
}

func (h *Handler) listFeedback(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	query := feedbackQuery(r)
	ctx := session.WithView(r.Context(), r.URL.Path)
	page, err := ws.API.ListFeedback(ctx, query)
	if err != nil {
		h.apiFailure(w, r, "list feedback", err)
		return
	}
	pageSize := page.PageSize
	if pageSize <= 0 {
		pageSize = query.PageSize
	}
	data := feedbackPageData{
		Items:      page.Items,
		Search:     query.Search,
		Pagination: shared.NewPagination(query.Page, pageSize, page.Total),
	}
	h.render(w, r, "pages/feedback.html", "Feedback", data, http.StatusOK)
}

func (h *Handler) settings(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	ctx := session.WithView(r.Context(), r.URL.Path)
	cfg, err := ws.API.GetConfig(ctx)
	if err != nil {
		h.apiFailure(w, r, "get config", err)
		return
	}
	h.render(w, r, "pages/settings.html", "Settings", cfg, http.StatusOK)
}

type sessionResponse struct {
	Restoring       bool              `json:"restoring"`
	IsAuthenticated bool              `json:"is_authenticated"`
	User            *session.Identity `json:"user,omitempty"`
	Phase           session.Phase     `json:"refresh_phase"`
	RefreshAt       string            `json:"refresh_at,omitempty"`
}

func (h *Handler) sessionJSON(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	if ws == nil {
		httpx.RespondError(w, errors.New("workspace missing"))
		return
	}
	state := ws.Snapshot()
	resp := sessionResponse{
		Restoring:       ws.Restorer.Restoring(),
		IsAuthenticated: state.IsAuthenticated,
		User:            state.User,
		Phase:           ws.Manager.Phase(),
	}
	if at := ws.Manager.NextFireAt(); !at.IsZero() {
		resp.RefreshAt = at.UTC().Format(time.RFC3339)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) feedbackJSON(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	ctx := session.WithView(r.Context(), r.URL.Path)
	page, err := ws.API.ListFeedback(ctx, feedbackQuery(r))
	if err != nil {
		h.logger.Warn("dashboard: api feedback", slog.Any("error", err))
		httpx.RespondError(w, problemFor(err))
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

// apiFailure sends the browser to the login view when the API rejected the
// credentials and renders the retry page for anything else.
func (h *Handler) apiFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	if errors.Is(err, bugbridge.ErrUnauthorized) {
		http.Redirect(w, r, rbac.LoginURL(h.loginView, r.URL.RequestURI()), http.StatusSeeOther)
		return
	}
	h.logger.Warn("dashboard: "+op, slog.Any("error", err))
	h.renderWithPath(w, r, "pages/unavailable.html", "Data not available", nil, http.StatusBadGateway, r.URL.RequestURI())
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, template, title string, data any, status int) {
	h.renderWithPath(w, r, template, title, data, status, r.URL.Path)
}

func (h *Handler) renderWithPath(w http.ResponseWriter, r *http.Request, template, title string, data any, status int, path string) {
	csrfToken, _ := h.csrf.EnsureToken(r.Context(), shared.BrowserSession(r.Context()))
	flash := shared.PopFlash(r.Context())
	viewData := view.TemplateData{Title: title, CSRFToken: csrfToken, Flash: flash, CurrentPath: path, Data: data}
	if ws := workspace.FromContext(r.Context()); ws != nil {
		viewData.User = ws.Snapshot().User
	}
	if err := h.templates.RenderStatus(w, status, template, viewData); err != nil {
		h.logger.Error("render template", slog.Any("error", err))
	}
}

func feedbackQuery(r *http.Request) bugbridge.FeedbackQuery {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	if page < 1 {
		page = 1
	}
	size, _ := strconv.Atoi(q.Get("page_size"))
	if size < 1 || size > 100 {
		size = defaultPageSize
	}
	return bugbridge.FeedbackQuery{Page: page, PageSize: size, Search: strings.TrimSpace(q.Get("search"))}
}

func problemFor(err error) error {
	switch {
	case errors.Is(err, bugbridge.ErrUnauthorized):
		return httpx.ErrUnauthorized
	case errors.Is(err, bugbridge.ErrUnavailable):
		return httpx.ErrUpstream
	default:
		return err
	}
}
