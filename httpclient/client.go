// Package httpclient is the authenticated HTTP client used by the
// marketplace application.
//
// Every call runs through a request pipeline (bearer token attachment,
// proactive refresh of near-expiry tokens, request tagging) and a response
// pipeline (retry after 429, refresh-and-retry after an expired-token 401,
// error normalization and user notification). Concurrent refresh demand is
// collapsed by a Coordinator into a single network call.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-authgate/marketplace-client/tokenstore"
)

// Defaults for the response pipeline.
const (
	DefaultRetryAfter          = 2 * time.Second
	DefaultMaxRetryAfter       = 5 * time.Minute
	DefaultMaxRateLimitRetries = 5
	DefaultLoginPath           = "/login"
	defaultUserAgent           = "marketplace-client"
)

// Client is the facade application code calls.
type Client struct {
	base        *url.URL
	http        *http.Client
	store       *tokenstore.Store
	coordinator *Coordinator
	pending     *pendingTracker
	log         *slog.Logger
	notifier    Notifier
	navigator   Navigator
	metrics     *Metrics

	loginPath           string
	retryAfter          time.Duration
	maxRetryAfter       time.Duration
	maxRateLimitRetries int

	headersMu sync.RWMutex
	headers   http.Header

	unsubscribe func()
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the transport. Redirects and timeouts follow hc.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithNotifier sets where user-visible errors go.
func WithNotifier(n Notifier) Option {
	return func(c *Client) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithNavigator sets the navigation target for session expiry.
func WithNavigator(n Navigator) Option {
	return func(c *Client) {
		if n != nil {
			c.navigator = n
		}
	}
}

// WithMetrics records counters in m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLoginPath overrides DefaultLoginPath.
func WithLoginPath(path string) Option {
	return func(c *Client) {
		if path != "" {
			c.loginPath = path
		}
	}
}

// WithDefaultRetryAfter sets the delay used when a 429 has no Retry-After.
func WithDefaultRetryAfter(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.retryAfter = d
		}
	}
}

// WithMaxRetryAfter caps the wait a server can request through Retry-After.
func WithMaxRetryAfter(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.maxRetryAfter = d
		}
	}
}

// WithMaxRateLimitRetries caps consecutive 429 retries per call.
func WithMaxRateLimitRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRateLimitRetries = n
		}
	}
}

// WithUserAgent sets the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.headers.Set("User-Agent", ua)
		}
	}
}

// New creates a Client for the API at baseURL. The client keeps its default
// Authorization header in sync with store from the start, so the first
// request is already authenticated. Credentials are only ever sent to the
// origin of baseURL.
func New(baseURL string, store *tokenstore.Store, refresher Refresher, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL must be absolute, got %q", baseURL)
	}
	if store == nil {
		return nil, errors.New("token store is required")
	}

	c := &Client{
		base:                base,
		http:                &http.Client{Timeout: 30 * time.Second},
		store:               store,
		pending:             newPendingTracker(pendingWindow),
		log:                 slog.Default(),
		notifier:            nopNotifier{},
		navigator:           nopNavigator{},
		loginPath:           DefaultLoginPath,
		retryAfter:          DefaultRetryAfter,
		maxRetryAfter:       DefaultMaxRetryAfter,
		maxRateLimitRetries: DefaultMaxRateLimitRetries,
		headers: http.Header{
			"Accept":     []string{"application/json"},
			"User-Agent": []string{defaultUserAgent},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.coordinator = NewCoordinator(store, refresher, c.log, c.metrics)

	c.unsubscribe = store.Subscribe(c.syncAuthHeader)
	return c, nil
}

// Close detaches the client from its token store. The client stays usable
// but its default Authorization header no longer follows the store.
func (c *Client) Close() {
	c.unsubscribe()
}

// Coordinator returns the refresh coordinator shared by both pipelines.
func (c *Client) Coordinator() *Coordinator {
	return c.coordinator
}

// syncAuthHeader mirrors the stored access token into the default headers.
func (c *Client) syncAuthHeader(pair *tokenstore.TokenPair) {
	c.headersMu.Lock()
	defer c.headersMu.Unlock()

	if pair == nil || pair.AccessToken == "" {
		c.headers.Del("Authorization")
		return
	}
	c.headers.Set("Authorization", "Bearer "+pair.AccessToken)
}

// DefaultHeader returns a copy of the headers applied to every request.
func (c *Client) DefaultHeader() http.Header {
	c.headersMu.RLock()
	defer c.headersMu.RUnlock()
	return c.headers.Clone()
}

// RequestOption adjusts a single call.
type RequestOption func(*descriptor)

// RequiresAuth forces the stored access token onto the request, replacing
// any Authorization header it would otherwise carry. It has no effect on
// requests to another origin.
func RequiresAuth() RequestOption {
	return func(d *descriptor) { d.requiresAuth = true }
}

// WithQuery adds query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(d *descriptor) {
		for k, vs := range q {
			for _, v := range vs {
				d.query.Add(k, v)
			}
		}
	}
}

// WithHeader sets a request header.
func WithHeader(key, value string) RequestOption {
	return func(d *descriptor) { d.header.Set(key, value) }
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodGet, path, nil, opts...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, opts...)
}

// Post issues a POST request with data as the body.
func (c *Client) Post(ctx context.Context, path string, data any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPost, path, data, opts...)
}

// Put issues a PUT request with data as the body.
func (c *Client) Put(ctx context.Context, path string, data any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPut, path, data, opts...)
}

// Patch issues a PATCH request with data as the body.
func (c *Client) Patch(ctx context.Context, path string, data any, opts ...RequestOption) (*Response, error) {
	return c.Do(ctx, http.MethodPatch, path, data, opts...)
}

// Do issues a request. data may be nil, []byte, string, io.Reader or any
// JSON-marshalable value. Failures are always *Error.
func (c *Client) Do(ctx context.Context, method, path string, data any, opts ...RequestOption) (*Response, error) {
	d, err := c.newDescriptor(method, path, data, opts)
	if err != nil {
		return nil, &Error{Code: CodeInvalidRequest, Message: err.Error(), err: err}
	}
	return c.do(ctx, d)
}

// descriptor is built once per call; each attempt derives a fresh
// *http.Request from it.
type descriptor struct {
	method       string
	url          *url.URL
	key          string
	body         []byte
	header       http.Header
	query        url.Values
	requiresAuth bool

	// sameOrigin is set when url shares scheme and host with the base URL;
	// only such requests carry credentials or trigger a refresh.
	sameOrigin bool

	// bearer overrides the Authorization header after a refresh.
	bearer string
}

func (c *Client) newDescriptor(method, path string, data any, opts []RequestOption) (*descriptor, error) {
	d := &descriptor{
		method: strings.ToUpper(method),
		header: make(http.Header),
		query:  make(url.Values),
	}
	for _, opt := range opts {
		opt(d)
	}

	u, err := c.resolve(path)
	if err != nil {
		return nil, err
	}
	if len(d.query) > 0 {
		q := u.Query()
		for k, vs := range d.query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	d.url = u
	d.key = requestKey(d.method, u)
	d.sameOrigin = sameOrigin(u, c.base)

	body, isJSON, err := encodeBody(data)
	if err != nil {
		return nil, err
	}
	d.body = body
	if isJSON && d.header.Get("Content-Type") == "" {
		d.header.Set("Content-Type", "application/json")
	}
	return d, nil
}

// resolve joins path onto the base URL; absolute URLs are used as-is.
func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return ref, nil
	}

	u := *c.base
	u.Path = strings.TrimRight(c.base.Path, "/") + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	u.Fragment = ""
	return &u, nil
}

func sameOrigin(u, base *url.URL) bool {
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

func encodeBody(data any) ([]byte, bool, error) {
	switch v := data.(type) {
	case nil:
		return nil, false, nil
	case []byte:
		return v, false, nil
	case string:
		return []byte(v), false, nil
	case io.Reader:
		b, err := io.ReadAll(v)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read request body: %w", err)
		}
		return b, false, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode request body: %w", err)
		}
		return b, true, nil
	}
}

// newAttempt builds the outgoing request for one attempt.
func (c *Client) newAttempt(ctx context.Context, d *descriptor) (*http.Request, error) {
	var body io.Reader
	if d.body != nil {
		body = bytes.NewReader(d.body)
	}
	req, err := http.NewRequestWithContext(ctx, d.method, d.url.String(), body)
	if err != nil {
		return nil, err
	}

	c.headersMu.RLock()
	for k, vs := range c.headers {
		if k == "Authorization" && !d.sameOrigin {
			continue
		}
		req.Header[k] = append([]string(nil), vs...)
	}
	c.headersMu.RUnlock()

	for k, vs := range d.header {
		req.Header[k] = append([]string(nil), vs...)
	}
	if d.bearer != "" {
		setBearer(req, d.bearer)
	}
	return req, nil
}

// do runs attempts for d until the response pipeline stops retrying.
func (c *Client) do(ctx context.Context, d *descriptor) (*Response, error) {
	var st retryState
	for {
		req, err := c.newAttempt(ctx, d)
		if err != nil {
			return nil, &Error{Code: CodeInvalidRequest, Message: err.Error(), err: err}
		}
		req = c.prepareRequest(ctx, req, d)

		resp, err := c.send(req)
		if resp != nil {
			c.metrics.observeRequest(d.method, resp.StatusCode)
		} else {
			c.metrics.observeRequest(d.method, 0)
		}

		v := c.handleResponse(ctx, d, &st, resp, err)
		switch v.action {
		case retryAfterDelay:
			st.rateLimited++
			if err := sleepContext(ctx, v.delay); err != nil {
				return nil, normalizeTransport(err)
			}
		case retryWithToken:
			st.refreshed = true
			d.bearer = v.bearer
		default:
			return v.resp, v.err
		}
	}
}

// send performs one round trip and buffers the body.
func (c *Client) send(req *http.Request) (*Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		RequestID:  req.Header.Get(headerRequestID),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loginLocation is where the user is sent when the session cannot be renewed.
func (c *Client) loginLocation() string {
	q := url.Values{}
	q.Set("error", "session_expired")
	return c.loginPath + "?" + q.Encode()
}
