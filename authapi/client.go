// Package authapi talks to the marketplace auth endpoints (login, signup,
// refresh, logout) and runs the top-level session flows that write the
// token store.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"golang.org/x/oauth2"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

// Timeout configuration for the auth endpoints
const (
	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
	logoutTimeout  = 5 * time.Second
)

// Endpoint paths relative to the API base URL.
const (
	PathLogin   = "/auth/login"
	PathSignup  = "/auth/signup"
	PathRefresh = "/auth/refresh"
	PathLogout  = "/auth/logout"
)

// minAccessTokenLength rejects obviously truncated tokens.
const minAccessTokenLength = 10

// ErrRefreshTokenExpired indicates that the refresh token has expired or is invalid
var ErrRefreshTokenExpired = errors.New("refresh token expired or invalid")

// User is the identity returned by login and signup.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// AuthResult is the login/signup outcome.
type AuthResult struct {
	User   User
	Tokens tokenstore.TokenPair
}

// Signup holds the fields of a new account.
type Signup struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

// errorBody is the marketplace error envelope.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type tokenResponse struct {
	User         *User  `json:"user,omitempty"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Client calls the auth endpoints through a retrying HTTP client.
type Client struct {
	baseURL string
	retry   *retry.Client
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	retryClient *retry.Client
	httpClient  *http.Client
}

// WithRetryClient uses rc for every auth call.
func WithRetryClient(rc *retry.Client) Option {
	return func(o *clientOptions) { o.retryClient = rc }
}

// WithHTTPClient wraps hc with the default background retry policy.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// NewClient creates an auth endpoint client for the API at baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("base URL cannot be empty")
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	rc := o.retryClient
	if rc == nil {
		var retryOpts []retry.Option
		if o.httpClient != nil {
			retryOpts = append(retryOpts, retry.WithHTTPClient(o.httpClient))
		}
		var err error
		rc, err = retry.NewBackgroundClient(retryOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create retry client: %w", err)
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		retry:   rc,
	}, nil
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	payload := map[string]string{"email": email, "password": password}
	return c.authenticate(ctx, PathLogin, payload)
}

// Signup creates an account and returns its first token pair.
func (c *Client) Signup(ctx context.Context, s Signup) (*AuthResult, error) {
	return c.authenticate(ctx, PathSignup, s)
}

func (c *Client) authenticate(ctx context.Context, path string, payload any) (*AuthResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	body, err := c.post(reqCtx, path, payload, "")
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}
	if err := validateTokenResponse(resp.AccessToken, resp.RefreshToken); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	result := &AuthResult{
		Tokens: tokenstore.TokenPair{
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
		},
	}
	if resp.User != nil {
		result.User = *resp.User
	}
	return result, nil
}

// Refresh trades refreshToken for a new pair. Servers that do not rotate
// refresh tokens may omit it, in which case the old one is kept.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenPair, error) {
	if refreshToken == "" {
		return nil, ErrRefreshTokenExpired
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	body, err := c.post(reqCtx, PathRefresh, map[string]string{"refreshToken": refreshToken}, "")
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) && isRefreshRejection(rErr) {
			return nil, ErrRefreshTokenExpired
		}
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}

	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse token response: %w", err)
	}

	newRefreshToken := resp.RefreshToken
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	if err := validateTokenResponse(resp.AccessToken, newRefreshToken); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	return &tokenstore.TokenPair{
		AccessToken:  resp.AccessToken,
		RefreshToken: newRefreshToken,
	}, nil
}

// Logout revokes the session identified by accessToken.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	reqCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	if _, err := c.post(reqCtx, PathLogout, nil, accessToken); err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}
	return nil
}

// post sends a JSON POST and returns the body of a 2xx response. Other
// statuses come back as *oauth2.RetrieveError carrying the raw body.
func (c *Client) post(ctx context.Context, path string, payload any, bearer string) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		(&oauth2.Token{AccessToken: bearer}).SetAuthHeader(req)
	}

	resp, err := c.retry.DoWithContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rErr := &oauth2.RetrieveError{Response: resp, Body: body}
		var eb errorBody
		if jsonErr := json.Unmarshal(body, &eb); jsonErr == nil && eb.Error.Code != "" {
			rErr.ErrorCode = eb.Error.Code
			rErr.ErrorDescription = eb.Error.Message
		}
		return nil, rErr
	}
	return body, nil
}

// isRefreshRejection reports whether the server refused the refresh token
// itself, as opposed to failing for an unrelated reason.
func isRefreshRejection(rErr *oauth2.RetrieveError) bool {
	switch rErr.ErrorCode {
	case "INVALID_REFRESH_TOKEN", "REFRESH_TOKEN_EXPIRED", "TOKEN_EXPIRED", "invalid_grant":
		return true
	}
	return rErr.Response != nil && rErr.Response.StatusCode == http.StatusUnauthorized
}

// validateTokenResponse validates the tokens returned by an auth endpoint
func validateTokenResponse(accessToken, refreshToken string) error {
	if accessToken == "" {
		return errors.New("accessToken is empty")
	}
	if len(accessToken) < minAccessTokenLength {
		return fmt.Errorf("accessToken is too short (length: %d)", len(accessToken))
	}
	if refreshToken == "" {
		return errors.New("refreshToken is empty")
	}
	return nil
}
