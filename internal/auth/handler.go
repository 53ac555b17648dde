package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/bugbridge/dashboard/internal/rbac"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/internal/view"
	"github.com/bugbridge/dashboard/internal/workspace"
)

// Workspaces is the part of the workspace registry the auth flows use.
type Workspaces interface {
	Acquire(ctx context.Context, id string) (*workspace.Workspace, error)
	Evict(id string)
}

// Handler wires HTTP endpoints for authentication flows.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	workspaces  Workspaces
	templates   *view.Engine
	csrfManager *shared.CSRFManager
	validator   *validator.Validate
	loginLimit  int
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, workspaces Workspaces, templates *view.Engine, csrf *shared.CSRFManager) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		workspaces:  workspaces,
		templates:   templates,
		csrfManager: csrf,
		validator:   validator.New(),
		loginLimit:  10,
	}
}

// MountRoutes registers auth routes on provided router.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/login", h.showLogin)
	r.With(httprate.Limit(h.loginLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).Post("/login", h.handleLogin)
	r.Post("/logout", h.handleLogout)
}

type loginForm struct {
	Username string `validate:"required,max=150"`
	Password string `validate:"required,max=256"`
}

type loginPageData struct {
	Form   loginForm
	Errors map[string]string
	Notice string
	Next   string
}

func (h *Handler) showLogin(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	if ws == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	next := rbac.SafeNext(r.URL.Query().Get("next"))
	if ws.WaitRestored(r.Context(), rbac.DefaultRestoreWait) && ws.Store.IsAuthenticated() {
		http.Redirect(w, r, next, http.StatusSeeOther)
		return
	}
	h.renderLogin(w, r, http.StatusOK, loginPageData{Notice: ws.TakeNotice(), Next: next})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	ws := workspace.FromContext(r.Context())
	sess := shared.BrowserSession(r.Context())
	if ws == nil || sess == nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	form := loginForm{
		Username: r.PostFormValue("username"),
		Password: r.PostFormValue("password"),
	}
	next := rbac.SafeNext(r.PostFormValue("next"))
	errs := make(map[string]string)
	if err := h.validator.Struct(form); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fieldErr := range verrs {
				errs[fieldErr.Field()] = fieldMessage(fieldErr)
			}
		}
	}
	if len(errs) > 0 {
		form.Password = ""
		h.renderLogin(w, r, http.StatusBadRequest, loginPageData{Form: form, Errors: errs, Next: next})
		return
	}

	// The signed-in session lives under a browser session ID the client has
	// not seen before.
	freshID := shared.NewSessionID()
	fresh, err := h.workspaces.Acquire(r.Context(), freshID)
	if err != nil {
		h.logger.Error("auth: acquire workspace", slog.Any("error", err))
		form.Password = ""
		errs["general"] = "The dashboard is unavailable. Please try again."
		h.renderLogin(w, r, http.StatusServiceUnavailable, loginPageData{Form: form, Errors: errs, Next: next})
		return
	}
	fresh.WaitRestored(r.Context(), rbac.DefaultRestoreWait)

	ctx := session.WithView(r.Context(), r.URL.Path)
	user, detail, err := h.service.Authenticate(ctx, fresh, form.Username, form.Password)
	if err != nil {
		h.workspaces.Evict(freshID)
		form.Password = ""
		if errors.Is(err, ErrInvalidCredentials) {
			if detail == "" {
				detail = "Invalid username or password"
			}
			errs["general"] = detail
			h.renderLogin(w, r, http.StatusUnauthorized, loginPageData{Form: form, Errors: errs, Next: next})
			return
		}
		h.logger.Error("auth: login", slog.Any("error", err))
		errs["general"] = "The BugBridge API is unavailable. Please try again."
		h.renderLogin(w, r, http.StatusBadGateway, loginPageData{Form: form, Errors: errs, Next: next})
		return
	}

	ws.Store.Logout(r.Context())
	h.workspaces.Evict(ws.ID)
	sess.Renew(freshID)
	if _, err := h.csrfManager.RotateToken(r.Context(), sess); err != nil {
		h.logger.Warn("auth: rotate csrf", slog.Any("error", err))
	}
	shared.AddFlash(r.Context(), "success", "Welcome back, "+user.Username)
	h.logger.Info("auth: signed in", slog.String("username", user.Username), slog.String("role", string(user.Role)))
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ws := workspace.FromContext(r.Context())
	if ws != nil {
		ws.WaitRestored(r.Context(), rbac.DefaultRestoreWait)
		ctx := session.WithView(r.Context(), r.URL.Path)
		signedOut := h.service.SignOut(ctx, ws)
		h.workspaces.Evict(ws.ID)
		if sess := shared.BrowserSession(r.Context()); sess != nil {
			sess.Renew(shared.NewSessionID())
		}
		if signedOut {
			shared.AddFlash(r.Context(), "success", "You have been signed out.")
		}
	}
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (h *Handler) renderLogin(w http.ResponseWriter, r *http.Request, status int, data loginPageData) {
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), shared.BrowserSession(r.Context()))
	flash := shared.PopFlash(r.Context())
	if data.Errors == nil {
		data.Errors = map[string]string{}
	}
	viewData := view.TemplateData{
		Title:       "Sign in",
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if err := h.templates.RenderStatus(w, status, "pages/login.html", viewData); err != nil {
		h.logger.Error("render login", slog.Any("error", err))
	}
}

func fieldMessage(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return err.Field() + " is required"
	case "max":
		return err.Field() + " is too long"
	default:
		return err.Field() + " is invalid"
	}
}

// ShowLoginForTest exposes the GET handler for tests.
func (h *Handler) ShowLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.showLogin(w, r)
}

// HandleLoginForTest exposes the POST handler for tests.
func (h *Handler) HandleLoginForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogin(w, r)
}

// HandleLogoutForTest exposes the logout handler for tests.
func (h *Handler) HandleLogoutForTest(w http.ResponseWriter, r *http.Request) {
	h.handleLogout(w, r)
}
