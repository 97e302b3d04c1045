package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/marketplace/config.toml"

// config holds the CLI settings.
// Priority: flag > env (.env included) > TOML file > default.
type config struct {
	APIURL      string `toml:"api_url"      env:"API_URL"         env-default:"http://localhost:8080"`
	TokenFile   string `toml:"token_file"   env:"TOKEN_FILE"      env-default:".marketplace-tokens.json"`
	Profile     string `toml:"profile"      env:"PROFILE"         env-default:"default"`
	Email       string `toml:"email"        env:"MARKET_EMAIL"`
	Password    string `toml:"password"     env:"MARKET_PASSWORD"`
	LogLevel    string `toml:"log_level"    env:"LOG_LEVEL"       env-default:"info"`
	LogFile     string `toml:"log_file"     env:"LOG_FILE"`
	MetricsAddr string `toml:"metrics_addr" env:"METRICS_ADDR"`

	RefreshLookaheadSeconds int `toml:"refresh_lookahead_seconds" env:"REFRESH_LOOKAHEAD_SECONDS" env-default:"60"`
}

// loadConfig resolves the configuration and returns the remaining
// positional arguments.
func loadConfig(args []string) (*config, []string, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	fs := flag.NewFlagSet("marketplace-cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		flagConfig      = fs.String("config", "", "TOML config file (default: "+defaultConfigPath+" or MARKETPLACE_CONFIG env)")
		flagAPIURL      = fs.String("api-url", "", "Marketplace API URL (default: http://localhost:8080 or API_URL env)")
		flagTokenFile   = fs.String("token-file", "", "Token storage file (default: .marketplace-tokens.json or TOKEN_FILE env)")
		flagProfile     = fs.String("profile", "", "Session profile within the token file (or PROFILE env)")
		flagEmail       = fs.String("email", "", "Login email (or MARKET_EMAIL env)")
		flagLogLevel    = fs.String("log-level", "", "debug, info, warn or error (or LOG_LEVEL env)")
		flagLogFile     = fs.String("log-file", "", "Write diagnostics to this file (or LOG_FILE env)")
		flagMetricsAddr = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (or METRICS_ADDR env)")
		flagLookahead   = fs.Int("refresh-lookahead", 0, "Refresh tokens expiring within this many seconds (or REFRESH_LOOKAHEAD_SECONDS env)")
	)
	fs.Usage = func() {
		fs.SetOutput(os.Stderr)
		fmt.Fprintln(os.Stderr, "Usage: marketplace-cli [flags] [METHOD PATH [JSON-BODY] | logout]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	var cfg config
	path := *flagConfig
	if path == "" {
		path = os.Getenv("MARKETPLACE_CONFIG")
	}
	if err := readConfigFile(path, &cfg); err != nil {
		return nil, nil, err
	}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to read env: %w", err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "api-url":
			cfg.APIURL = *flagAPIURL
		case "token-file":
			cfg.TokenFile = *flagTokenFile
		case "profile":
			cfg.Profile = *flagProfile
		case "email":
			cfg.Email = *flagEmail
		case "log-level":
			cfg.LogLevel = *flagLogLevel
		case "log-file":
			cfg.LogFile = *flagLogFile
		case "metrics-addr":
			cfg.MetricsAddr = *flagMetricsAddr
		case "refresh-lookahead":
			cfg.RefreshLookaheadSeconds = *flagLookahead
		}
	})

	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, fs.Args(), nil
}

// readConfigFile decodes the TOML file at path. A missing default file is
// not an error; a missing explicit file is.
func readConfigFile(path string, cfg *config) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}
	resolved, err := expandPath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", resolved, err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		trimmed = filepath.Join(home, strings.TrimPrefix(trimmed, "~"))
	}
	return filepath.Abs(trimmed)
}

func (c *config) validate() error {
	if err := validateServerURL(c.APIURL); err != nil {
		return fmt.Errorf("invalid API_URL: %w", err)
	}
	if strings.TrimSpace(c.TokenFile) == "" {
		return errors.New("token file cannot be empty")
	}
	if c.RefreshLookaheadSeconds <= 0 {
		return fmt.Errorf("refresh lookahead must be positive, got: %d", c.RefreshLookaheadSeconds)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

func (c *config) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// hasCredentials reports whether a password login can be attempted.
func (c *config) hasCredentials() bool {
	return c.Email != "" && c.Password != ""
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// warnPlaintext warns if using HTTP instead of HTTPS.
func warnPlaintext(w io.Writer, apiURL string) {
	if !strings.HasPrefix(strings.ToLower(apiURL), "http://") {
		return
	}
	fmt.Fprintln(w, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
	fmt.Fprintln(w, "⚠️  This is only safe for local development. Use HTTPS in production.")
	fmt.Fprintln(w)
}
