package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes produced or interpreted by the client. Server codes other than
// these pass through unchanged.
const (
	CodeTokenExpired       = "TOKEN_EXPIRED"
	CodeInvalidCredentials = "INVALID_CREDENTIALS"
	CodeNetwork            = "NETWORK_ERROR"
	CodeCanceled           = "REQUEST_CANCELED"
	CodeTimeout            = "REQUEST_TIMEOUT"
	CodeInvalidRequest     = "INVALID_REQUEST"
)

// Error is the normalized shape of every failure returned by Client.
// Status is 0 when no response was received.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`

	// RequestID is the X-Request-Id of the failed attempt, if any.
	RequestID string `json:"requestId,omitempty"`

	err error
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap exposes the transport error, if any.
func (e *Error) Unwrap() error {
	return e.err
}

// IsTokenExpired reports whether err is a 401 carrying TOKEN_EXPIRED.
func IsTokenExpired(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusUnauthorized && e.Code == CodeTokenExpired
}

// errorBody accepts both {"error":{"code","message"}} and flat
// {"code","message"} bodies, and {"error":"..."} strings.
type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// normalizeResponse builds an Error from a non-2xx response.
func normalizeResponse(resp *Response) *Error {
	e := &Error{
		Status:    resp.StatusCode,
		RequestID: resp.RequestID,
	}

	var body errorBody
	if len(resp.Body) > 0 && json.Unmarshal(resp.Body, &body) == nil {
		e.Code, e.Message = body.Code, body.Message
		if len(body.Error) > 0 {
			var detail errorDetail
			var text string
			switch {
			case json.Unmarshal(body.Error, &detail) == nil:
				e.Code = firstNonEmpty(detail.Code, e.Code)
				e.Message = firstNonEmpty(detail.Message, e.Message)
			case json.Unmarshal(body.Error, &text) == nil:
				e.Message = firstNonEmpty(e.Message, text)
			}
		}
	}

	if e.Code == "" {
		e.Code = "HTTP_" + strings.ReplaceAll(strings.ToUpper(http.StatusText(resp.StatusCode)), " ", "_")
		if e.Code == "HTTP_" {
			e.Code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
	}
	if e.Message == "" {
		e.Message = firstNonEmpty(http.StatusText(resp.StatusCode), "request failed")
	}
	return e
}

// normalizeTransport builds an Error for a request that got no response.
func normalizeTransport(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Code: CodeCanceled, Message: "request canceled", err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Code: CodeTimeout, Message: "request timed out", err: err}
	default:
		return &Error{Code: CodeNetwork, Message: err.Error(), err: err}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
