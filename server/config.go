package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// Defaults for the flow and sessions.
const (
	DefaultSessionTTL       = 30 * time.Minute
	DefaultAuthRequestTTL   = 10 * time.Minute
	DefaultDiscoveryTimeout = 5 * time.Second
	DefaultExchangeTimeout  = 5 * time.Second
	DefaultSweepInterval    = 10 * time.Minute
)

// Session store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Routes   RoutesConfig   `yaml:"routes"`
	Sessions SessionsConfig `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	ListenAddr      string    `yaml:"listen_addr" env:"HELLOGATE_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HELLOGATE_HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HELLOGATE_HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"HELLOGATE_DEV_MODE"`
	CookieDomain    string    `yaml:"cookie_domain" env:"HELLOGATE_COOKIE_DOMAIN"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"HELLOGATE_TLS_DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"HELLOGATE_TLS_EMAIL"`
	CacheDir   string   `yaml:"cache_dir" env:"HELLOGATE_TLS_CACHE_DIR"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// ProviderConfig points at the OpenID Connect provider and the relying
// party registration used with it.
type ProviderConfig struct {
	Site             string        `yaml:"site" env:"HELLOGATE_PROVIDER_SITE"`
	CredentialsFile  string        `yaml:"credentials_file" env:"HELLOGATE_CREDENTIALS_FILE"`
	ClientID         string        `yaml:"client_id,omitempty" env:"HELLOGATE_CLIENT_ID"`
	ClientSecret     string        `yaml:"client_secret,omitempty" env:"HELLOGATE_CLIENT_SECRET"`
	RedirectURI      string        `yaml:"redirect_uri" env:"HELLOGATE_REDIRECT_URI"`
	Scopes           []string      `yaml:"scopes" env:"HELLOGATE_SCOPES" envSeparator:","`
	Prompt           string        `yaml:"prompt" env:"HELLOGATE_PROMPT"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout" env:"HELLOGATE_DISCOVERY_TIMEOUT"`
	ExchangeTimeout  time.Duration `yaml:"exchange_timeout" env:"HELLOGATE_EXCHANGE_TIMEOUT"`
	AuthRequestTTL   time.Duration `yaml:"auth_request_ttl" env:"HELLOGATE_AUTH_REQUEST_TTL"`
}

// RoutesConfig names the protected path and the fixed callback path.
type RoutesConfig struct {
	Protected string `yaml:"protected" env:"HELLOGATE_PROTECTED_PATH"`
	Callback  string `yaml:"callback" env:"HELLOGATE_CALLBACK_PATH"`
}

// SessionsConfig selects the session backend.
type SessionsConfig struct {
	Backend       string        `yaml:"backend" env:"HELLOGATE_SESSION_BACKEND"`
	TTL           time.Duration `yaml:"ttl" env:"HELLOGATE_SESSION_TTL"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"HELLOGATE_SESSION_SWEEP_INTERVAL"`
	RedisAddr     string        `yaml:"redis_addr" env:"HELLOGATE_REDIS_ADDR"`
	SQLitePath    string        `yaml:"sqlite_path" env:"HELLOGATE_SQLITE_PATH"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
// An empty path means defaults plus environment.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		sanitized := stripYAMLComments(b)

		decoder := yaml.NewDecoder(bytes.NewReader(sanitized))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:      "127.0.0.1:8765",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			TLS: TLSConfig{
				CacheDir:   ".secrets/tls",
				HSTSMaxAge: 31536000,
			},
		},
		Provider: ProviderConfig{
			Site:             "https://accounts.google.com",
			CredentialsFile:  ".env",
			RedirectURI:      "http://localhost:8765/auth/callback",
			Scopes:           []string{"email"},
			Prompt:           "select_account",
			DiscoveryTimeout: DefaultDiscoveryTimeout,
			ExchangeTimeout:  DefaultExchangeTimeout,
			AuthRequestTTL:   DefaultAuthRequestTTL,
		},
		Routes: RoutesConfig{
			Protected: "/secret",
			Callback:  "/auth/callback",
		},
		Sessions: SessionsConfig{
			Backend:       BackendMemory,
			TTL:           DefaultSessionTTL,
			SweepInterval: DefaultSweepInterval,
			SQLitePath:    "hellogate.db",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

func applyEnvOverrides(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the settings the process cannot run without. Problems with
// the provider site or client credentials are not fatal here; they disable the
// protected path at request time instead.
func (c Config) Validate() error {
	var result *multierror.Error
	fail := func(field string, err error) {
		slog.Error("Invalid configuration value", "field", field, "error", err)
		result = multierror.Append(result, fmt.Errorf("%s: %w", field, err))
	}

	if strings.TrimSpace(c.Server.ListenAddr) == "" && c.Server.DevMode {
		fail("server.listen_addr", errors.New("is required in dev mode"))
	}
	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		fail("server.tls.domains", errors.New("must be provided in production"))
	}

	if !strings.HasPrefix(c.Routes.Protected, "/") || c.Routes.Protected == "/" {
		fail("routes.protected", fmt.Errorf("must be an absolute path other than /, got %q", c.Routes.Protected))
	}
	if !strings.HasPrefix(c.Routes.Callback, "/") || c.Routes.Callback == "/" {
		fail("routes.callback", fmt.Errorf("must be an absolute path other than /, got %q", c.Routes.Callback))
	}
	if c.Routes.Protected == c.Routes.Callback {
		fail("routes.callback", errors.New("must differ from routes.protected"))
	}

	if c.Provider.DiscoveryTimeout <= 0 {
		fail("provider.discovery_timeout", errors.New("must be positive"))
	}
	if c.Provider.ExchangeTimeout <= 0 {
		fail("provider.exchange_timeout", errors.New("must be positive"))
	}
	if c.Provider.AuthRequestTTL <= 0 {
		fail("provider.auth_request_ttl", errors.New("must be positive"))
	}

	if c.Sessions.TTL <= 0 {
		fail("sessions.ttl", errors.New("must be positive"))
	}
	switch c.Sessions.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Sessions.RedisAddr == "" {
			fail("sessions.redis_addr", errors.New("is required for the redis backend"))
		}
	case BackendSQLite:
		if c.Sessions.SQLitePath == "" {
			fail("sessions.sqlite_path", errors.New("is required for the sqlite backend"))
		}
	default:
		fail("sessions.backend", fmt.Errorf("unknown backend %q (memory, redis, sqlite)", c.Sessions.Backend))
	}

	return result.ErrorOrNil()
}
