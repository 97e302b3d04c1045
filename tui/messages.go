package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgTokensFound signals that a stored session was found.
type MsgTokensFound struct{}

// MsgTokenValid signals that the stored access token is still usable.
type MsgTokenValid struct{}

// MsgTokenExpired signals that the stored access token is expired or about to expire.
type MsgTokenExpired struct{}

// MsgTokensNotFound signals that no session is stored.
type MsgTokensNotFound struct{}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that the session could not be renewed.
type MsgRefreshFailed struct{}

// MsgLoggingIn signals that a password login is in progress.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ Name string }

// MsgTokenSaved signals that the session was written to disk.
type MsgTokenSaved struct{ Path string }

// MsgRequesting signals that an API request is in flight.
type MsgRequesting struct {
	Method string
	Path   string
}

// MsgNotice carries a user-visible error raised by the client.
type MsgNotice struct{ Err error }

// MsgSessionExpired signals that the client sent the user to the login screen.
type MsgSessionExpired struct{ Location string }

// MsgReAuthRequired signals that a fresh login is about to be attempted.
type MsgReAuthRequired struct{}

// MsgRetrying signals that the request is being retried after re-authentication.
type MsgRetrying struct{}

// MsgLoggedOut signals that the stored session was cleared.
type MsgLoggedOut struct{ Path string }

// MsgDone signals successful completion of the request.
type MsgDone struct {
	Status    int
	RequestID string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
