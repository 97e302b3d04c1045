package httpclient

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const headerRequestID = "X-Request-Id"

// prepareRequest is the request pipeline. It never fails: when tokens cannot
// be obtained the request goes out as it is. Requests to another origin are
// tagged but never given credentials.
func (c *Client) prepareRequest(ctx context.Context, req *http.Request, d *descriptor) *http.Request {
	if req.Header.Get(headerRequestID) == "" {
		req.Header.Set(headerRequestID, uuid.NewString())
	}

	l := c.log.With(
		slog.String("request_id", req.Header.Get(headerRequestID)),
		slog.String("method", d.method),
		slog.String("url", d.url.Redacted()),
	)
	if c.pending.track(d.key) {
		l.Debug("request_dispatched")
	} else {
		l.Debug("request_duplicate")
	}

	if !d.sameOrigin {
		return req
	}

	pair := c.store.Tokens()
	switch {
	case pair == nil:
		// unauthenticated
	case c.store.NeedsRefresh(pair.AccessToken):
		next, err := c.coordinator.Refresh(ctx)
		if err != nil {
			l.Debug("token_refresh_abandoned", slog.String("err", err.Error()))
			break
		}
		if next != nil {
			setBearer(req, next.AccessToken)
		}
	case d.requiresAuth || req.Header.Get("Authorization") == "":
		setBearer(req, pair.AccessToken)
	}
	return req
}

func setBearer(req *http.Request, accessToken string) {
	(&oauth2.Token{AccessToken: accessToken}).SetAuthHeader(req)
}
