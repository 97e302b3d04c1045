package tui

import (
	"fmt"
	"io"
	"net/http"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all human-facing output of the CLI.
type Displayer interface {
	Banner()
	TokensFound()
	TokenValid()
	TokenExpired()
	TokensNotFound()
	Refreshing()
	RefreshOK()
	RefreshFailed()
	LoggingIn(email string)
	LoginOK(name string)
	TokenSaved(path string)
	Requesting(method, path string)
	Notice(err error)
	SessionExpired(location string)
	ReAuthRequired()
	Retrying()
	LoggedOut(path string)
	Done(status int, requestID string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Marketplace API Client ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) TokensFound() {
	fmt.Fprintln(p.w, "Found stored session")
}

func (p *PlainDisplayer) TokenValid() {
	fmt.Fprintln(p.w, "Access token is still valid, using it...")
}

func (p *PlainDisplayer) TokenExpired() {
	fmt.Fprintln(p.w, "Access token expires soon, refreshing...")
}

func (p *PlainDisplayer) TokensNotFound() {
	fmt.Fprintln(p.w, "No stored session found")
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed() {
	fmt.Fprintln(p.w, "Session could not be renewed")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(name string) {
	if name == "" {
		fmt.Fprintln(p.w, "Login successful!")
		return
	}
	fmt.Fprintf(p.w, "Login successful, welcome %s!\n", name)
}

func (p *PlainDisplayer) TokenSaved(path string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", path)
}

func (p *PlainDisplayer) Requesting(method, path string) {
	fmt.Fprintf(p.w, "%s %s\n", method, path)
}

func (p *PlainDisplayer) Notice(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

func (p *PlainDisplayer) SessionExpired(location string) {
	fmt.Fprintf(p.w, "Session expired, please log in again (%s)\n", location)
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Re-authenticating...")
}

func (p *PlainDisplayer) Retrying() {
	fmt.Fprintln(p.w, "Retrying request with new session...")
}

func (p *PlainDisplayer) LoggedOut(path string) {
	fmt.Fprintf(p.w, "Logged out, session removed from %s\n", path)
}

func (p *PlainDisplayer) Done(status int, requestID string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "Status: %d %s\n", status, http.StatusText(status))
	fmt.Fprintf(p.w, "Request ID: %s\n", requestID)
	if expiresIn > 0 {
		fmt.Fprintf(p.w, "Session Expires In: %s\n", expiresIn.Round(time.Second))
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner()                               {}
func (NoopDisplayer) TokensFound()                          {}
func (NoopDisplayer) TokenValid()                           {}
func (NoopDisplayer) TokenExpired()                         {}
func (NoopDisplayer) TokensNotFound()                       {}
func (NoopDisplayer) Refreshing()                           {}
func (NoopDisplayer) RefreshOK()                            {}
func (NoopDisplayer) RefreshFailed()                        {}
func (NoopDisplayer) LoggingIn(_ string)                    {}
func (NoopDisplayer) LoginOK(_ string)                      {}
func (NoopDisplayer) TokenSaved(_ string)                   {}
func (NoopDisplayer) Requesting(_, _ string)                {}
func (NoopDisplayer) Notice(_ error)                        {}
func (NoopDisplayer) SessionExpired(_ string)               {}
func (NoopDisplayer) ReAuthRequired()                       {}
func (NoopDisplayer) Retrying()                             {}
func (NoopDisplayer) LoggedOut(_ string)                    {}
func (NoopDisplayer) Done(_ int, _ string, _ time.Duration) {}
func (NoopDisplayer) Fatal(_ error)                         {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokenValid() {
	t.p.Send(MsgTokenValid{})
}

func (t *ProgramDisplayer) TokenExpired() {
	t.p.Send(MsgTokenExpired{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed() {
	t.p.Send(MsgRefreshFailed{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(name string) {
	t.p.Send(MsgLoginOK{Name: name})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) Requesting(method, path string) {
	t.p.Send(MsgRequesting{Method: method, Path: path})
}

func (t *ProgramDisplayer) Notice(err error) {
	t.p.Send(MsgNotice{Err: err})
}

func (t *ProgramDisplayer) SessionExpired(location string) {
	t.p.Send(MsgSessionExpired{Location: location})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) Retrying() {
	t.p.Send(MsgRetrying{})
}

func (t *ProgramDisplayer) LoggedOut(path string) {
	t.p.Send(MsgLoggedOut{Path: path})
}

func (t *ProgramDisplayer) Done(status int, requestID string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Status: status, RequestID: requestID, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
