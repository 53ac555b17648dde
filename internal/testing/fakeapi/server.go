// Package fakeapi runs an in-process BugBridge API for tests.
package fakeapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bugbridge/dashboard/internal/session"
)

const signingKey = "fakeapi-secret"

type account struct {
	password string
	identity session.Identity
}

// Server is a fake BugBridge API mounted under /api.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	accounts     map[string]*account
	tokens       map[string]string
	tokenTTL     time.Duration
	seq          int
	meCalls      int
	logoutCalls  int
	feedbackCode int
	feedback     []map[string]any
	config       map[string]any
}

// New starts a server with one admin and one viewer account.
func New() *Server {
	s := &Server{
		accounts: map[string]*account{
			"admin": {password: "admin-pass", identity: session.Identity{ID: "1", Username: "admin", Email: "admin@example.com", Role: session.RoleAdmin, CreatedAt: "2024-01-01T00:00:00Z"}},
			"ada":   {password: "ada-pass", identity: session.Identity{ID: "2", Username: "ada", Role: session.RoleViewer, CreatedAt: "2024-02-01T00:00:00Z"}},
		},
		tokens:   make(map[string]string),
		tokenTTL: time.Hour,
		feedback: []map[string]any{
			{"id": "fb-1", "title": "Crash on save", "sentiment": "negative", "category": "bug", "priority_score": 8.5, "created_at": "2024-03-01T10:00:00Z"},
			{"id": "fb-2", "title": "Dark mode please", "sentiment": "neutral", "category": "feature_request", "priority_score": 4.0, "created_at": "2024-03-02T10:00:00Z"},
		},
		config: map[string]any{"jira_project_key": "BB", "auto_ticket_threshold": 7},
	}
	s.Server = httptest.NewServer(s.routes())
	return s
}

// BaseURL is the API root clients should be configured with.
func (s *Server) BaseURL() string {
	return s.URL + "/api"
}

// IssueToken creates a valid token for username without going through login.
func (s *Server) IssueToken(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

// SetRole changes the role the API reports for username.
func (s *Server) SetRole(username string, role session.Role) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.accounts[username]; ok {
		acc.identity.Role = role
	}
}

// SetTokenTTL changes the lifetime of tokens issued afterwards.
func (s *Server) SetTokenTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenTTL = ttl
}

// RevokeAll invalidates every issued token.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]string)
}

// FailFeedback makes GET /feedback answer with code; zero restores normal behaviour.
func (s *Server) FailFeedback(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feedbackCode = code
}

// MeCalls reports how many times GET /auth/me was served.
func (s *Server) MeCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meCalls
}

// LogoutCalls reports how many times POST /auth/logout was served.
func (s *Server) LogoutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logoutCalls
}

func (s *Server) issueLocked(username string) string {
	acc, ok := s.accounts[username]
	if !ok {
		return ""
	}
	s.seq++
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(s.tokenTTL).Unix(),
		"jti": strconv.Itoa(s.seq),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(signingKey))
	if err != nil {
		return ""
	}
	s.tokens[token] = acc.identity.Username
	return token
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", s.handleLogin)
	mux.HandleFunc("/api/auth/me", s.handleMe)
	mux.HandleFunc("/api/auth/logout", s.handleLogout)
	mux.HandleFunc("/api/feedback", s.handleFeedback)
	mux.HandleFunc("/api/config", s.handleConfig)
	return mux
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"detail": "invalid body"})
		return
	}
	s.mu.Lock()
	acc, ok := s.accounts[req.Username]
	if !ok || acc.password != req.Password {
		s.mu.Unlock()
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Incorrect username or password"})
		return
	}
	token := s.issueLocked(req.Username)
	ttl := s.tokenTTL
	user := acc.identity
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int64(ttl / time.Second),
		"user":         user,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.meCalls++
	s.mu.Unlock()
	user, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Could not validate credentials"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.logoutCalls++
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"detail": "ok"})
}

func (s *Server) handleFeedback(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Not authenticated"})
		return
	}
	s.mu.Lock()
	code := s.feedbackCode
	items := append([]map[string]any(nil), s.feedback...)
	s.mu.Unlock()
	if code != 0 {
		writeJSON(w, code, map[string]any{"detail": http.StatusText(code)})
		return
	}
	if search := strings.ToLower(r.URL.Query().Get("search")); search != "" {
		filtered := items[:0]
		for _, item := range items {
			if title, _ := item["title"].(string); strings.Contains(strings.ToLower(title), search) {
				filtered = append(filtered, item)
			}
		}
		items = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":     items,
		"total":     len(items),
		"page":      1,
		"page_size": 20,
	})
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	user, ok := s.authenticate(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"detail": "Not authenticated"})
		return
	}
	if user.Role != session.RoleAdmin {
		writeJSON(w, http.StatusForbidden, map[string]any{"detail": "Admin role required"})
		return
	}
	s.mu.Lock()
	cfg := s.config
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) authenticate(r *http.Request) (session.Identity, bool) {
	header := r.Header.Get("Authorization")
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" || token == header {
		return session.Identity{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	username, ok := s.tokens[token]
	if !ok {
		return session.Identity{}, false
	}
	acc, ok := s.accounts[username]
	if !ok {
		return session.Identity{}, false
	}
	return acc.identity, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
