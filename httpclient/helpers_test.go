package httpclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

var tokenSeq atomic.Int64

// mintToken signs a JWT; every call yields a distinct token.
func mintToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        strconv.FormatInt(tokenSeq.Add(1), 10),
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

// fakeRefresher counts calls and optionally blocks until gate is closed.
type fakeRefresher struct {
	calls atomic.Int32
	gate  chan struct{}
	next  func(call int32, refreshToken string) (*tokenstore.TokenPair, error)
}

func (f *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*tokenstore.TokenPair, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.next(n, refreshToken)
}

func refreshTo(pair *tokenstore.TokenPair) func(int32, string) (*tokenstore.TokenPair, error) {
	return func(int32, string) (*tokenstore.TokenPair, error) {
		cp := *pair
		return &cp, nil
	}
}

func refreshFails(err error) func(int32, string) (*tokenstore.TokenPair, error) {
	return func(int32, string) (*tokenstore.TokenPair, error) {
		return nil, err
	}
}

// recorder captures notifications and navigations.
type recorder struct {
	mu          sync.Mutex
	notified    []*Error
	navigations []string
}

func (r *recorder) Notify(err *Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, err)
}

func (r *recorder) Navigate(location string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.navigations = append(r.navigations, location)
}

func (r *recorder) notifications() []*Error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Error(nil), r.notified...)
}

func (r *recorder) locations() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.navigations...)
}

// clock is a settable time source for expiry checks.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

type testEnv struct {
	client    *Client
	store     *tokenstore.Store
	refresher *fakeRefresher
	rec       *recorder
	server    *httptest.Server
}

func newTestEnv(t *testing.T, handler http.Handler, refresher *fakeRefresher, storeOpts []tokenstore.Option, opts ...Option) *testEnv {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := tokenstore.New(tokenstore.NewMemoryBackend(), storeOpts...)
	if refresher == nil {
		refresher = &fakeRefresher{next: refreshFails(context.Canceled)}
	}
	rec := &recorder{}

	all := append([]Option{WithNotifier(rec), WithNavigator(rec)}, opts...)
	c, err := New(srv.URL, store, refresher, all...)
	require.NoError(t, err)

	return &testEnv{client: c, store: store, refresher: refresher, rec: rec, server: srv}
}
