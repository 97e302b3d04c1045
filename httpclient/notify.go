package httpclient

import "net/http"

// Notifier surfaces errors to the user. It is called in addition to, never
// instead of, returning the error to the caller.
type Notifier interface {
	Notify(err *Error)
}

// Navigator performs application navigation; the client uses it to send the
// user to the login screen when the session cannot be renewed.
type Navigator interface {
	Navigate(location string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(err *Error)

func (f NotifierFunc) Notify(err *Error) { f(err) }

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(location string)

func (f NavigatorFunc) Navigate(location string) { f(location) }

type nopNotifier struct{}

func (nopNotifier) Notify(*Error) {}

type nopNavigator struct{}

func (nopNavigator) Navigate(string) {}

// shouldNotify hides routine 401s; failed logins and every other error are
// shown. Cancellations are the caller's own doing and are never shown.
func shouldNotify(e *Error) bool {
	if e.Code == CodeCanceled {
		return false
	}
	if e.Status == http.StatusUnauthorized {
		return e.Code == CodeInvalidCredentials
	}
	return true
}
