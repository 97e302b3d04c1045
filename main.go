package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/go-authgate/marketplace-client/authapi"
	"github.com/go-authgate/marketplace-client/httpclient"
	"github.com/go-authgate/marketplace-client/tokenstore"
	"github.com/go-authgate/marketplace-client/tui"
)

// version is set at build time.
var version = "dev"

const (
	requestTimeout = 30 * time.Second
	logoutTimeout  = 10 * time.Second
)

// errNoCredentials means a login is needed but none is configured.
var errNoCredentials = errors.New(
	"no credentials configured: set MARKET_EMAIL and MARKET_PASSWORD (env, .env or config file)",
)

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	cfg, args, err := loadConfig(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	warnPlaintext(os.Stderr, cfg.APIURL)

	tty := isTTY()
	logger, closeLog, err := newLogger(cfg, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	stopMetrics := serveMetrics(cfg.MetricsAddr, reg, logger)
	defer stopMetrics()

	var runErr error
	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr = start(ctx, cfg, args, d, logger, reg)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		runErr = start(ctx, cfg, args, d, logger, reg)
	}

	if runErr != nil {
		stopMetrics()
		closeLog()
		os.Exit(1)
	}
}

func start(
	ctx context.Context,
	cfg *config,
	args []string,
	d tui.Displayer,
	logger *slog.Logger,
	reg prometheus.Registerer,
) error {
	a, err := newApp(cfg, d, logger, reg, os.Stdout)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer a.client.Close()
	return a.run(ctx, args)
}

// newLogger builds the diagnostics logger. In TUI mode diagnostics are
// discarded unless a log file is configured.
func newLogger(cfg *config, tty bool) (*slog.Logger, func(), error) {
	lvl, err := cfg.level()
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	switch {
	case cfg.LogFile != "":
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	case tty:
		w = io.Discard
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
	return logger.With(slog.String("component", "marketplace-cli")), closeFn, nil
}

// serveMetrics exposes reg on addr until the returned stop function runs.
func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) func() {
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics_listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics_server_failed", slog.String("err", err.Error()))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
}

// app wires the token store, auth endpoints and API client for one run.
type app struct {
	cfg     *config
	log     *slog.Logger
	d       tui.Displayer
	out     io.Writer
	backend *tokenstore.FileBackend
	store   *tokenstore.Store
	session *authapi.Session
	client  *httpclient.Client

	// expired is set when the client navigated to the login screen.
	expired atomic.Bool
}

func newApp(
	cfg *config,
	d tui.Displayer,
	logger *slog.Logger,
	reg prometheus.Registerer,
	out io.Writer,
) (*app, error) {
	baseHTTPClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}

	// Auth endpoints go through go-httpretry; the API client has its own
	// 429 handling and uses the plain client.
	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	api, err := authapi.NewClient(cfg.APIURL, authapi.WithRetryClient(retryClient))
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, log: logger, d: d, out: out}
	a.backend = tokenstore.NewFileBackend(cfg.TokenFile, cfg.Profile, tokenstore.WithFileLogger(logger))
	a.store = tokenstore.New(a.backend,
		tokenstore.WithLookahead(time.Duration(cfg.RefreshLookaheadSeconds)*time.Second),
		tokenstore.WithLogger(logger),
	)
	a.session = authapi.NewSession(api, a.store, logger)

	a.client, err = httpclient.New(cfg.APIURL, a.store, api,
		httpclient.WithHTTPClient(baseHTTPClient),
		httpclient.WithLogger(logger),
		httpclient.WithMetrics(httpclient.NewMetrics(reg)),
		httpclient.WithUserAgent("marketplace-cli/"+version),
		httpclient.WithNotifier(httpclient.NotifierFunc(func(e *httpclient.Error) {
			d.Notice(e)
		})),
		httpclient.WithNavigator(httpclient.NavigatorFunc(func(location string) {
			a.expired.Store(true)
			d.SessionExpired(location)
		})),
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) run(ctx context.Context, args []string) error {
	if len(args) == 1 && args[0] == "logout" {
		return a.logout(ctx)
	}

	method, path, body, err := parseRequest(args)
	if err != nil {
		a.d.Fatal(err)
		return err
	}

	if err := a.ensureSession(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}

	resp, err := a.call(ctx, method, path, body)
	if err != nil && a.expired.Swap(false) {
		// Refresh token expired or invalid, re-authenticate and retry once
		a.d.ReAuthRequired()
		if err := a.login(ctx); err != nil {
			a.d.Fatal(err)
			return err
		}
		a.d.Retrying()
		resp, err = a.call(ctx, method, path, body)
	}
	if err != nil {
		a.d.Fatal(err)
		return err
	}

	if _, err := a.out.Write(resp.Body); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	a.d.Done(resp.StatusCode, resp.RequestID, a.sessionExpiresIn())
	return nil
}

// ensureSession makes sure a usable session exists before the request goes
// out: stored tokens are reused, renewed through the client's coordinator,
// or replaced by a password login.
func (a *app) ensureSession(ctx context.Context) error {
	pair := a.store.Tokens()
	if pair == nil {
		a.d.TokensNotFound()
		return a.loginIfConfigured(ctx)
	}
	a.d.TokensFound()

	if !a.store.NeedsRefresh(pair.AccessToken) {
		a.d.TokenValid()
		return nil
	}

	a.d.TokenExpired()
	a.d.Refreshing()
	next, err := a.client.Coordinator().Refresh(ctx)
	if err != nil {
		return err
	}
	if next != nil {
		a.d.RefreshOK()
		a.d.TokenSaved(a.backend.Path())
		return nil
	}

	a.d.RefreshFailed()
	return a.loginIfConfigured(ctx)
}

// loginIfConfigured logs in when credentials exist and otherwise lets the
// request go out unauthenticated.
func (a *app) loginIfConfigured(ctx context.Context) error {
	err := a.login(ctx)
	if errors.Is(err, errNoCredentials) {
		a.log.Info("anonymous_request", slog.String("reason", "no credentials configured"))
		return nil
	}
	return err
}

func (a *app) login(ctx context.Context) error {
	if !a.cfg.hasCredentials() {
		return errNoCredentials
	}

	a.d.LoggingIn(a.cfg.Email)
	user, err := a.session.Login(ctx, a.cfg.Email, a.cfg.Password)
	if err != nil {
		return err
	}
	a.d.LoginOK(user.Name)
	a.d.TokenSaved(a.backend.Path())
	return nil
}

func (a *app) logout(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	if err := a.session.Logout(ctx); err != nil {
		a.d.Fatal(err)
		return err
	}
	a.d.LoggedOut(a.backend.Path())
	return nil
}

func (a *app) call(ctx context.Context, method, path string, body any) (*httpclient.Response, error) {
	a.d.Requesting(method, path)
	return a.client.Do(ctx, method, path, body)
}

// sessionExpiresIn reports how long the stored access token remains valid.
func (a *app) sessionExpiresIn() time.Duration {
	pair := a.store.Tokens()
	if pair == nil {
		return 0
	}
	exp, ok := tokenstore.ExpiresAt(pair.AccessToken)
	if !ok {
		return 0
	}
	return time.Until(exp)
}

var methods = map[string]bool{
	http.MethodGet:    true,
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// parseRequest reads METHOD PATH [JSON-BODY]; no arguments means GET /me.
func parseRequest(args []string) (method, path string, body any, err error) {
	switch len(args) {
	case 0:
		return http.MethodGet, "/me", nil, nil
	case 2, 3:
	default:
		return "", "", nil, fmt.Errorf("expected METHOD PATH [JSON-BODY], got %d arguments", len(args))
	}

	method = strings.ToUpper(args[0])
	if !methods[method] {
		return "", "", nil, fmt.Errorf("unsupported method: %s", args[0])
	}

	path = args[1]
	if !strings.HasPrefix(path, "/") {
		return "", "", nil, fmt.Errorf("path must start with /, got: %s", path)
	}

	if len(args) == 3 {
		raw := json.RawMessage(args[2])
		if !json.Valid(raw) {
			return "", "", nil, errors.New("request body is not valid JSON")
		}
		body = raw
	}
	return method, path, body, nil
}
