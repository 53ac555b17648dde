package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bugbridge/dashboard/internal/bugbridge"
	"github.com/bugbridge/dashboard/internal/session"
	"github.com/bugbridge/dashboard/internal/workspace"
)

// ErrInvalidCredentials indicates the API rejected the username/password pair.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// Service wraps sign-in and sign-out against a workspace.
type Service struct {
	logger *slog.Logger
}

// NewService constructs a new Service.
func NewService(logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{logger: logger}
}

// Authenticate exchanges credentials for a token and establishes the
// session in ws. The returned detail is the API's message for a rejected login.
func (s *Service) Authenticate(ctx context.Context, ws *workspace.Workspace, username, password string) (session.Identity, string, error) {
	res, err := ws.API.Login(ctx, username, password)
	if err != nil {
		var apiErr *bugbridge.Error
		if errors.Is(err, bugbridge.ErrInvalidCredentials) {
			detail := ""
			if errors.As(err, &apiErr) {
				detail = apiErr.Detail
			}
			return session.Identity{}, detail, ErrInvalidCredentials
		}
		return session.Identity{}, "", fmt.Errorf("auth: login: %w", err)
	}
	if err := ws.Store.Login(ctx, res.Token.AccessToken, res.User); err != nil {
		s.logger.Warn("auth: persist session", slog.Any("error", err))
	}
	return res.User, "", nil
}

// SignOut tells the API the token is being discarded, then clears the
// local session regardless of the API's answer.
func (s *Service) SignOut(ctx context.Context, ws *workspace.Workspace) bool {
	if ws.Store.IsAuthenticated() {
		if err := ws.API.Logout(ctx); err != nil {
			s.logger.Info("auth: remote logout", slog.Any("error", err))
		}
	}
	return ws.Store.Logout(ctx)
}
