package shared

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultCookieName = "bb_session"
	defaultSessionTTL = 30 * 24 * time.Hour
	browserKeyPrefix  = "bugbridge:browser:"
)

// FlashMessage is a one-time notification shown on the next rendered page.
type FlashMessage struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// SessionOptions configures the browser session cookie.
type SessionOptions struct {
	CookieName string
	// Secret signs cookie values so clients cannot choose their session ID.
	Secret string
	TTL    time.Duration
	Secure bool
}

// SessionManager issues the browser session cookie. The session ID doubles
// as the workspace ID under which the dashboard keeps its credentials, so
// an ID outlives the Redis payload it points at.
type SessionManager struct {
	client     *redis.Client
	cookieName string
	ttl        time.Duration
	secure     bool
	secret     []byte
}

// Session holds per-request browser session data.
type Session struct {
	ID        string
	values    map[string]string
	flashes   []FlashMessage
	isNew     bool
	dirty     bool
	// retired is the ID this session carried before Renew.
	retired string
}

type sessionPayload struct {
	Values  map[string]string `json:"values"`
	Flashes []FlashMessage    `json:"flashes,omitempty"`
}

// NewSessionManager constructs a SessionManager.
func NewSessionManager(client *redis.Client, opts SessionOptions) *SessionManager {
	if opts.CookieName == "" {
		opts.CookieName = defaultCookieName
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultSessionTTL
	}
	return &SessionManager{
		client:     client,
		cookieName: opts.CookieName,
		ttl:        opts.TTL,
		secure:     opts.Secure,
		secret:     []byte(opts.Secret),
	}
}

// Load returns the browser session named by the request cookie. Missing,
// malformed or unsigned cookies start a fresh session; a correctly signed
// ID whose payload has expired is kept so its workspace can be restored.
func (sm *SessionManager) Load(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		if errors.Is(err, http.ErrNoCookie) {
			return newSession(uuid.NewString()), nil
		}
		return nil, err
	}
	id, ok := sm.verifyCookie(cookie.Value)
	if !ok {
		return newSession(uuid.NewString()), nil
	}

	raw, err := sm.client.Get(ctx, browserKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("shared: load session: %w", err)
	}
	var stored sessionPayload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return newSession(id), nil
	}
	sess := &Session{ID: id, values: stored.Values, flashes: stored.Flashes}
	if sess.values == nil {
		sess.values = make(map[string]string)
	}
	return sess, nil
}

// Commit persists changes, slides the expiry of untouched sessions and
// refreshes the cookie.
func (sm *SessionManager) Commit(ctx context.Context, w http.ResponseWriter, _ *http.Request, sess *Session) error {
	if sess == nil {
		return nil
	}
	key := browserKeyPrefix + sess.ID
	if sess.retired != "" {
		if err := sm.client.Del(ctx, browserKeyPrefix+sess.retired).Err(); err != nil {
			return fmt.Errorf("shared: retire session: %w", err)
		}
		sess.retired = ""
	}

	switch {
	case sess.dirty || sess.isNew:
		data, err := json.Marshal(sessionPayload{Values: sess.values, Flashes: sess.flashes})
		if err != nil {
			return err
		}
		if err := sm.client.Set(ctx, key, data, sm.ttl).Err(); err != nil {
			return fmt.Errorf("shared: save session: %w", err)
		}
		sess.dirty, sess.isNew = false, false
	default:
		if err := sm.client.Expire(ctx, key, sm.ttl).Err(); err != nil {
			return fmt.Errorf("shared: touch session: %w", err)
		}
	}
	sm.writeCookie(w, sm.signCookie(sess.ID), int(sm.ttl/time.Second))
	return nil
}

func (sm *SessionManager) writeCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (sm *SessionManager) signCookie(id string) string {
	mac := hmac.New(sha256.New, sm.secret)
	_, _ = mac.Write([]byte(id))
	return id + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)[:18])
}

func (sm *SessionManager) verifyCookie(value string) (string, bool) {
	id, _, ok := strings.Cut(value, ".")
	if !ok || !validSessionID(id) {
		return "", false
	}
	if !hmac.Equal([]byte(value), []byte(sm.signCookie(id))) {
		return "", false
	}
	return id, true
}

func newSession(id string) *Session {
	return &Session{ID: id, values: make(map[string]string), isNew: true}
}

// NewSessionID returns an unused browser session ID.
func NewSessionID() string {
	return uuid.NewString()
}

// Renew moves the session to id. Values and flashes carry over except the
// CSRF token, which is bound to the old ID. The old Redis payload is removed
// on the next Commit.
func (s *Session) Renew(id string) {
	if id == "" || id == s.ID {
		return
	}
	if s.retired == "" {
		s.retired = s.ID
	}
	s.ID = id
	delete(s.values, CSRFSessionKey)
	s.dirty = true
}

// Set stores a value.
func (s *Session) Set(key, value string) {
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[key] = value
	s.dirty = true
}

// Get retrieves a value.
func (s *Session) Get(key string) string {
	return s.values[key]
}

// AddFlash queues a flash message.
func (s *Session) AddFlash(msg FlashMessage) {
	s.flashes = append(s.flashes, msg)
	s.dirty = true
}

// PopFlash removes and returns the oldest flash message.
func (s *Session) PopFlash() *FlashMessage {
	if len(s.flashes) == 0 {
		return nil
	}
	msg := s.flashes[0]
	s.flashes = s.flashes[1:]
	s.dirty = true
	return &msg
}

// validSessionID keeps cookie-supplied IDs inside the Redis key space.
func validSessionID(id string) bool {
	if len(id) < 16 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
