package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// RequestID is the X-Request-Id the attempt was sent with.
	RequestID string
}

// OK reports a non-error status. Redirects the transport did not follow,
// such as 304 Not Modified, count as success.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 400
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

type action int

const (
	finish action = iota
	retryAfterDelay
	retryWithToken
)

// verdict is the response pipeline's decision for one attempt.
type verdict struct {
	action action
	resp   *Response
	err    error
	delay  time.Duration
	bearer string
}

// retryState is carried across the attempts of one call.
type retryState struct {
	rateLimited int
	refreshed   bool
}

// handleResponse is the response pipeline.
func (c *Client) handleResponse(ctx context.Context, d *descriptor, st *retryState, resp *Response, sendErr error) verdict {
	l := c.log.With(
		slog.String("method", d.method),
		slog.String("url", d.url.Redacted()),
	)
	if resp != nil {
		l = l.With(slog.String("request_id", resp.RequestID))
	}
	startedAt, tracked := c.pending.startedAt(d.key)

	if sendErr == nil && resp.OK() {
		if tracked {
			l.Debug("response_received",
				slog.Int("status", resp.StatusCode),
				slog.Duration("dur", time.Since(startedAt)),
			)
		}
		return verdict{resp: resp}
	}

	if sendErr == nil && resp.StatusCode == http.StatusTooManyRequests &&
		st.rateLimited < c.maxRateLimitRetries {
		delay := parseRetryAfter(resp.Header.Get("Retry-After"), c.retryAfter, c.maxRetryAfter, time.Now())
		l.Info("rate_limited",
			slog.Duration("retry_after", delay),
			slog.Int("attempt", st.rateLimited+1),
		)
		c.metrics.observeRetry(retryRateLimited)
		return verdict{action: retryAfterDelay, delay: delay}
	}

	var apiErr *Error
	if sendErr != nil {
		apiErr = normalizeTransport(sendErr)
	} else {
		apiErr = normalizeResponse(resp)
	}

	if d.sameOrigin && !st.refreshed &&
		apiErr.Status == http.StatusUnauthorized && apiErr.Code == CodeTokenExpired {
		pair, err := c.coordinator.Refresh(ctx)
		if err != nil {
			return verdict{err: normalizeTransport(err)}
		}
		if pair != nil {
			l.Info("token_expired_retrying")
			c.metrics.observeRetry(retryTokenExpire)
			return verdict{action: retryWithToken, bearer: pair.AccessToken}
		}
		location := c.loginLocation()
		l.Warn("session_expired", slog.String("location", location))
		c.navigator.Navigate(location)
		return verdict{err: apiErr}
	}

	if tracked {
		l.Debug("request_failed",
			slog.Int("status", apiErr.Status),
			slog.String("code", apiErr.Code),
			slog.Duration("dur", time.Since(startedAt)),
		)
	}
	if shouldNotify(apiErr) {
		c.notifier.Notify(apiErr)
	}
	return verdict{err: apiErr}
}

// maxRetryAfterSeconds is the largest Retry-After that fits a Duration.
const maxRetryAfterSeconds = math.MaxInt64 / int64(time.Second)

// parseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
// Unusable values yield fallback; the result never exceeds limit.
func parseRetryAfter(value string, fallback, limit time.Duration, now time.Time) time.Duration {
	d := fallback
	value = strings.TrimSpace(value)
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs >= 0 && secs <= maxRetryAfterSeconds {
			d = time.Duration(secs) * time.Second
		}
	} else if at, err := http.ParseTime(value); err == nil {
		d = max(at.Sub(now), 0)
	}
	if limit > 0 && d > limit {
		d = limit
	}
	return d
}
