package shared

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// CSRFSessionKey is the browser-session value holding the current token.
	CSRFSessionKey = "csrf_token"
	// CSRFFormField is the form field name carrying the CSRF token.
	CSRFFormField = "csrf_token"
	// CSRFHeader carries the token for fetch-style requests.
	CSRFHeader = "X-CSRF-Token"
)

// CSRFManager issues and verifies CSRF tokens bound to a browser session.
// A token is "<nonce>.<mac>" where mac signs the session ID and the nonce.
type CSRFManager struct {
	secret []byte
}

// NewCSRFManager returns a CSRFManager using the provided secret key.
func NewCSRFManager(secret string) *CSRFManager {
	return &CSRFManager{secret: []byte(secret)}
}

// EnsureToken returns the session token, issuing one when absent.
func (m *CSRFManager) EnsureToken(ctx context.Context, sess *Session) (string, error) {
	if sess == nil {
		return "", ErrNoBrowserSession
	}
	if token := sess.Get(CSRFSessionKey); token != "" {
		return token, nil
	}
	return m.RotateToken(ctx, sess)
}

// RotateToken replaces the session token. Call it whenever the signed-in
// identity changes.
func (m *CSRFManager) RotateToken(_ context.Context, sess *Session) (string, error) {
	if sess == nil {
		return "", ErrNoBrowserSession
	}
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	token := nonce + "." + m.sign(sess.ID, nonce)
	sess.Set(CSRFSessionKey, token)
	return token, nil
}

// VerifyToken checks that token is the session's current token and that it
// was issued for this session ID.
func (m *CSRFManager) VerifyToken(_ context.Context, sess *Session, token string) error {
	if sess == nil || token == "" {
		return ErrCSRFMissing
	}
	expected := sess.Get(CSRFSessionKey)
	if expected == "" {
		return ErrCSRFMissing
	}
	if !hmac.Equal([]byte(expected), []byte(token)) {
		return ErrCSRFMismatch
	}
	nonce, mac, ok := strings.Cut(token, ".")
	if !ok || !hmac.Equal([]byte(mac), []byte(m.sign(sess.ID, nonce))) {
		return ErrCSRFMismatch
	}
	return nil
}

// Protect rejects state-changing requests without a valid token.
func (m *CSRFManager) Protect(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}
			if err := m.VerifyToken(r.Context(), BrowserSession(r.Context()), TokenFromRequest(r)); err != nil {
				logger.Warn("csrf validation failed", slog.String("path", r.URL.Path), slog.Any("error", err))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenFromRequest reads the token from the header, then the form.
func TokenFromRequest(r *http.Request) string {
	if token := r.Header.Get(CSRFHeader); token != "" {
		return token
	}
	return r.PostFormValue(CSRFFormField)
}

func (m *CSRFManager) sign(sessionID, nonce string) string {
	mac := hmac.New(sha256.New, m.secret)
	_, _ = mac.Write([]byte(sessionID))
	_, _ = mac.Write([]byte{'|'})
	_, _ = mac.Write([]byte(nonce))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
