package view

import (
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/shared"
	"github.com/bugbridge/dashboard/web"
)

// Engine renders HTML templates.
type Engine struct {
	templates *template.Template
	nav       []NavEntry
}

// TemplateData contains values shared across templates.
type TemplateData struct {
	Title       string
	CSRFToken   string
	Flash       *shared.FlashMessage
	CurrentPath string
	User        *session.Identity
	Nav         []NavEntry
	Data        any
}

var titleCaser = cases.Title(language.English)

// NewEngine parses the embedded templates and navigation manifest.
func NewEngine() (*Engine, error) {
	nav, err := ParseNav(web.Nav)
	if err != nil {
		return nil, err
	}
	funcMap := template.FuncMap{
		"formatDate": formatDate,
		"roleLabel":  RoleLabel,
		"can": func(user *session.Identity, roles ...string) bool {
			allowed := make([]session.Role, 0, len(roles))
			for _, r := range roles {
				allowed = append(allowed, session.Role(r))
			}
			return session.Permits(user, allowed...)
		},
		"active": func(current, path string) bool {
			if path == "/" {
				return current == "/"
			}
			return current == path || strings.HasPrefix(current, path+"/") || strings.HasPrefix(current, path+"?")
		},
	}
	tpl, err := template.New("root").Funcs(funcMap).ParseFS(web.Templates, "templates/layouts/*.html", "templates/partials/*.html", "templates/pages/*.html")
	if err != nil {
		return nil, err
	}
	return &Engine{templates: tpl, nav: nav}, nil
}

// Render executes a named template with TemplateData. The navigation is
// filtered for data.User before rendering.
func (e *Engine) Render(w http.ResponseWriter, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	if data.Nav == nil {
		data.Nav = FilterNav(e.nav, data.User)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return e.templates.ExecuteTemplate(w, name, data)
}

// RenderStatus is Render with an explicit status code.
func (e *Engine) RenderStatus(w http.ResponseWriter, status int, name string, data TemplateData) error {
	if e == nil {
		return fmt.Errorf("template engine not initialised")
	}
	if data.Nav == nil {
		data.Nav = FilterNav(e.nav, data.User)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	return e.templates.ExecuteTemplate(w, name, data)
}

// RoleLabel renders a role for display.
func RoleLabel(role session.Role) string {
	if role == "" {
		return ""
	}
	return titleCaser.String(string(role))
}

func formatDate(v any) string {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return ""
		}
		return t.Format("02 Jan 2006 15:04")
	case string:
		if t == "" {
			return ""
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.Format("02 Jan 2006 15:04")
			}
		}
		return t
	default:
		return ""
	}
}
