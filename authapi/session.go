package authapi

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

// Session runs the login, signup and logout flows. Together with the refresh
// coordinator it is the only writer of the token store.
type Session struct {
	api   *Client
	store *tokenstore.Store
	log   *slog.Logger
}

// NewSession binds api to store.
func NewSession(api *Client, store *tokenstore.Store, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{api: api, store: store, log: log}
}

// Login authenticates and persists the returned pair.
func (s *Session) Login(ctx context.Context, email, password string) (*User, error) {
	res, err := s.api.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}
	return s.persist(res)
}

// Signup creates an account and persists its pair.
func (s *Session) Signup(ctx context.Context, signup Signup) (*User, error) {
	res, err := s.api.Signup(ctx, signup)
	if err != nil {
		return nil, fmt.Errorf("signup failed: %w", err)
	}
	return s.persist(res)
}

func (s *Session) persist(res *AuthResult) (*User, error) {
	if err := s.store.SetTokens(&res.Tokens); err != nil {
		return nil, fmt.Errorf("failed to save tokens: %w", err)
	}
	s.log.Info("session_started", slog.String("user_id", res.User.ID))
	user := res.User
	return &user, nil
}

// Logout notifies the server and clears local tokens. The server call is
// best effort: local tokens are cleared even when it fails.
func (s *Session) Logout(ctx context.Context) error {
	if pair := s.store.Tokens(); pair != nil {
		if err := s.api.Logout(ctx, pair.AccessToken); err != nil {
			s.log.Warn("logout_request_failed", slog.String("err", err.Error()))
		}
	}
	if err := s.store.ClearTokens(); err != nil {
		return err
	}
	s.log.Info("session_ended")
	return nil
}
