package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	retry "github.com/appleboy/go-httpretry"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	rc, err := retry.NewClient()
	require.NoError(t, err)

	c, err := NewClient(srv.URL, WithRetryClient(rc))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient("  ")
	assert.Error(t, err)
}

func TestLogin(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathLogin, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		if body["email"] != "ann@example.com" || body["password"] != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"error": map[string]string{"code": "INVALID_CREDENTIALS", "message": "bad login"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"user":         map[string]string{"id": "u-1", "email": "ann@example.com", "name": "Ann"},
			"accessToken":  "access-token-123456",
			"refreshToken": "refresh-token-123456",
		})
	})
	c := newTestClient(t, r)

	res, err := c.Login(context.Background(), "ann@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", res.User.ID)
	assert.Equal(t, "Ann", res.User.Name)
	assert.Equal(t, "access-token-123456", res.Tokens.AccessToken)
	assert.Equal(t, "refresh-token-123456", res.Tokens.RefreshToken)

	_, err = c.Login(context.Background(), "ann@example.com", "wrong")
	require.Error(t, err)
	var rErr *oauth2.RetrieveError
	require.ErrorAs(t, err, &rErr)
	assert.Equal(t, "INVALID_CREDENTIALS", rErr.ErrorCode)
	assert.Equal(t, http.StatusUnauthorized, rErr.Response.StatusCode)
}

func TestSignup(t *testing.T) {
	r := chi.NewRouter()
	r.Post(PathSignup, func(w http.ResponseWriter, r *http.Request) {
		var s Signup
		require.NoError(t, json.NewDecoder(r.Body).Decode(&s))
		writeJSON(w, http.StatusCreated, map[string]any{
			"user":         map[string]string{"id": "u-2", "email": s.Email, "name": s.Name},
			"accessToken":  "access-token-abcdef",
			"refreshToken": "refresh-token-abcdef",
		})
	})
	c := newTestClient(t, r)

	res, err := c.Signup(context.Background(), Signup{Email: "bo@example.com", Password: "pw", Name: "Bo"})
	require.NoError(t, err)
	assert.Equal(t, "bo@example.com", res.User.Email)
	assert.Equal(t, "access-token-abcdef", res.Tokens.AccessToken)
}

func TestRefresh_RotationMode(t *testing.T) {
	tests := []struct {
		name                 string
		responseRefreshToken string
		expectedRefreshToken string
	}{
		{
			name:                 "rotation mode - server returns new refresh token",
			responseRefreshToken: "new-refresh-token",
			expectedRefreshToken: "new-refresh-token",
		},
		{
			name:                 "fixed mode - server doesn't return refresh token",
			responseRefreshToken: "",
			expectedRefreshToken: "old-refresh-token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Post(PathRefresh, func(w http.ResponseWriter, r *http.Request) {
				var body map[string]string
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				assert.Equal(t, "old-refresh-token", body["refreshToken"])

				resp := map[string]any{"accessToken": "new-access-token"}
				if tt.responseRefreshToken != "" {
					resp["refreshToken"] = tt.responseRefreshToken
				}
				writeJSON(w, http.StatusOK, resp)
			})
			c := newTestClient(t, r)

			pair, err := c.Refresh(context.Background(), "old-refresh-token")
			require.NoError(t, err)
			assert.Equal(t, "new-access-token", pair.AccessToken)
			assert.Equal(t, tt.expectedRefreshToken, pair.RefreshToken)
		})
	}
}

func TestRefresh_Rejections(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        any
		wantExpired bool
		errContains string
	}{
		{
			name:        "invalid refresh token code",
			status:      http.StatusBadRequest,
			body:        map[string]any{"error": map[string]string{"code": "INVALID_REFRESH_TOKEN"}},
			wantExpired: true,
		},
		{
			name:        "plain 401",
			status:      http.StatusUnauthorized,
			body:        map[string]any{},
			wantExpired: true,
		},
		{
			name:        "unrelated client error",
			status:      http.StatusBadRequest,
			body:        map[string]any{"error": map[string]string{"code": "BAD_REQUEST"}},
			errContains: "refresh request failed",
		},
		{
			name:        "empty access token",
			status:      http.StatusOK,
			body:        map[string]any{"accessToken": "", "refreshToken": "r-1234567890"},
			errContains: "accessToken is empty",
		},
		{
			name:        "access token too short",
			status:      http.StatusOK,
			body:        map[string]any{"accessToken": "short", "refreshToken": "r-1234567890"},
			errContains: "accessToken is too short",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}))

			_, err := c.Refresh(context.Background(), "old-refresh-token")
			require.Error(t, err)
			assert.Equal(t, tt.wantExpired, errors.Is(err, ErrRefreshTokenExpired))
			if tt.errContains != "" {
				assert.Contains(t, err.Error(), tt.errContains)
			}
		})
	}
}

func TestRefresh_EmptyRefreshToken(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))

	_, err := c.Refresh(context.Background(), "")
	assert.ErrorIs(t, err, ErrRefreshTokenExpired)
	assert.Zero(t, calls.Load())
}

func TestLogout_SendsBearer(t *testing.T) {
	var gotAuth atomic.Value
	r := chi.NewRouter()
	r.Post(PathLogout, func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusNoContent)
	})
	c := newTestClient(t, r)

	require.NoError(t, c.Logout(context.Background(), "access-token-xyz"))
	assert.Equal(t, "Bearer access-token-xyz", gotAuth.Load())
}

func TestValidateTokenResponse(t *testing.T) {
	tests := []struct {
		name         string
		accessToken  string
		refreshToken string
		errContains  string
	}{
		{name: "valid", accessToken: "valid-access-token-123456", refreshToken: "r"},
		{name: "empty access token", refreshToken: "r", errContains: "accessToken is empty"},
		{name: "short access token", accessToken: "short", refreshToken: "r", errContains: "too short"},
		{name: "empty refresh token", accessToken: "valid-access-token-123456", errContains: "refreshToken is empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTokenResponse(tt.accessToken, tt.refreshToken)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestSession_LoginAndLogout(t *testing.T) {
	var logouts atomic.Int32
	r := chi.NewRouter()
	r.Post(PathLogin, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"user":         map[string]string{"id": "u-1"},
			"accessToken":  "access-token-123456",
			"refreshToken": "refresh-token-123456",
		})
	})
	r.Post(PathLogout, func(w http.ResponseWriter, r *http.Request) {
		logouts.Add(1)
		writeJSON(w, http.StatusForbidden, map[string]any{})
	})
	c := newTestClient(t, r)

	store := tokenstore.New(tokenstore.NewMemoryBackend())
	s := NewSession(c, store, nil)

	user, err := s.Login(context.Background(), "ann@example.com", "secret")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
	require.NotNil(t, store.Tokens())
	assert.Equal(t, "access-token-123456", store.Tokens().AccessToken)

	// A failing logout endpoint still ends the local session.
	require.NoError(t, s.Logout(context.Background()))
	assert.Nil(t, store.Tokens())
	assert.Equal(t, int32(1), logouts.Load())

	// Logging out twice is harmless.
	require.NoError(t, s.Logout(context.Background()))
}
