package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded session and refresh defaults
const (
	// DefaultSessionTTL mirrors the browser cookie lifetime of 14 days.
	DefaultSessionTTL = 14 * 24 * time.Hour

	// DefaultRefreshThreshold is the low-water mark below which the access
	// token is refreshed before being handed out. Deliberately configurable:
	// 10s leaves little headroom for provider latency.
	DefaultRefreshThreshold = 10 * time.Second
)

// Autodesk Platform Services endpoints used unless overridden (tests point
// these at a local stub).
const (
	DefaultAuthorizeURL = "https://developer.api.autodesk.com/authentication/v2/authorize"
	DefaultTokenURL     = "https://developer.api.autodesk.com/authentication/v2/token"
	DefaultUserInfoURL  = "https://api.userprofile.autodesk.com/userinfo"
)

// Hardcoded CORS defaults
var (
	DefaultCORSAllowedHeaders = []string{"Content-Type"}
	DefaultCORSAllowedMethods = []string{"GET", "POST", "OPTIONS"}
)

// DefaultScopes are the viewer client's data access scopes.
var DefaultScopes = []string{"data:read", "user-profile:read", "viewables:read"}

// Config captures the full application configuration loaded from YAML and
// environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Provider ProviderConfig `yaml:"provider"`
	Sessions SessionConfig  `yaml:"sessions"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	DevListenAddr   string          `yaml:"dev_listen_addr"`
	HTTPListenAddr  string          `yaml:"http_listen_addr"`
	HTTPSListenAddr string          `yaml:"https_listen_addr"`
	DevMode         bool            `yaml:"dev_mode"`
	CookieDomain    string          `yaml:"cookie_domain"`
	ClientOriginURL string          `yaml:"client_origin_url"`
	TLS             TLSConfig       `yaml:"tls"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
}

// TLSConfig defines autocert behaviour and TLS constraints.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CachePath  string   `yaml:"cache_path"`
	MinVersion string   `yaml:"min_version"`
}

// RateLimitConfig throttles the auth endpoints per client IP. A zero rate
// disables limiting.
type RateLimitConfig struct {
	Rate  int `yaml:"rate"`
	Burst int `yaml:"burst"`
}

// ProviderConfig holds the OAuth client credentials and the identity
// provider's endpoints. ClientID, ClientSecret, and CallbackURL are secrets
// supplied out of band; they are required and never reach the browser.
type ProviderConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	CallbackURL  string   `yaml:"callback_url"`
	Scopes       []string `yaml:"scopes"`
	AuthorizeURL string   `yaml:"authorize_url"`
	TokenURL     string   `yaml:"token_url"`
	UserInfoURL  string   `yaml:"userinfo_url"`
}

// SessionConfig controls session cookie lifetime and token refresh policy.
// Durations use Go syntax ("336h", "10s").
type SessionConfig struct {
	TTL              string `yaml:"ttl"`
	RefreshThreshold string `yaml:"refresh_threshold"`
}

// TTLDuration returns the parsed session lifetime.
func (c SessionConfig) TTLDuration() time.Duration {
	return parseDuration(c.TTL, DefaultSessionTTL)
}

// RefreshThresholdDuration returns the parsed refresh low-water mark.
func (c SessionConfig) RefreshThresholdDuration() time.Duration {
	return parseDuration(c.RefreshThreshold, DefaultRefreshThreshold)
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			DevListenAddr:   "127.0.0.1:5000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			ClientOriginURL: "http://localhost:3000",
			TLS: TLSConfig{
				CachePath:  ".secrets/tls",
				MinVersion: "1.2",
			},
			RateLimit: RateLimitConfig{
				Rate:  10,
				Burst: 20,
			},
		},
		Provider: ProviderConfig{
			Scopes:       append([]string(nil), DefaultScopes...),
			AuthorizeURL: DefaultAuthorizeURL,
			TokenURL:     DefaultTokenURL,
			UserInfoURL:  DefaultUserInfoURL,
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"TANDEMD_DEV_LISTEN_ADDR":   func(v string) { cfg.Server.DevListenAddr = v },
		"TANDEMD_HTTP_LISTEN_ADDR":  func(v string) { cfg.Server.HTTPListenAddr = v },
		"TANDEMD_HTTPS_LISTEN_ADDR": func(v string) { cfg.Server.HTTPSListenAddr = v },
		"TANDEMD_DEV_MODE":          func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"TANDEMD_COOKIE_DOMAIN":     func(v string) { cfg.Server.CookieDomain = v },
		"TANDEMD_CLIENT_ORIGIN_URL": func(v string) { cfg.Server.ClientOriginURL = v },
		"TANDEMD_TLS_DOMAINS":       func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"TANDEMD_TLS_EMAIL":         func(v string) { cfg.Server.TLS.Email = v },
		"TANDEMD_SESSION_TTL":       func(v string) { cfg.Sessions.TTL = v },
		"TANDEMD_REFRESH_THRESHOLD": func(v string) { cfg.Sessions.RefreshThreshold = v },

		// Names used by the original deployment.
		"APS_KEY":          func(v string) { cfg.Provider.ClientID = v },
		"APS_SECRET":       func(v string) { cfg.Provider.ClientSecret = v },
		"APS_CALLBACK_URL": func(v string) { cfg.Provider.CallbackURL = v },
		"APS_SCOPES":       func(v string) { cfg.Provider.Scopes = splitAndTrim(v) },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config. Missing provider
// credentials are fatal here rather than surfacing per request.
func (c Config) Validate() error {
	if c.Provider.ClientID == "" {
		slog.Error("Missing required configuration", "field", "provider.client_id")
		return errors.New("provider.client_id is required (APS_KEY)")
	}
	if c.Provider.ClientSecret == "" {
		slog.Error("Missing required configuration", "field", "provider.client_secret")
		return errors.New("provider.client_secret is required (APS_SECRET)")
	}
	if c.Provider.CallbackURL == "" {
		slog.Error("Missing required configuration", "field", "provider.callback_url")
		return errors.New("provider.callback_url is required (APS_CALLBACK_URL)")
	}
	if !isHTTPURL(c.Provider.CallbackURL) {
		slog.Error("Invalid configuration value", "field", "provider.callback_url", "value", c.Provider.CallbackURL)
		return fmt.Errorf("provider.callback_url must start with http:// or https://, got: %s", c.Provider.CallbackURL)
	}
	if len(c.Provider.Scopes) == 0 {
		slog.Error("Missing required configuration", "field", "provider.scopes")
		return errors.New("provider.scopes must not be empty")
	}
	for _, field := range []struct {
		name, value string
	}{
		{"provider.authorize_url", c.Provider.AuthorizeURL},
		{"provider.token_url", c.Provider.TokenURL},
		{"provider.userinfo_url", c.Provider.UserInfoURL},
	} {
		if !isHTTPURL(field.value) {
			slog.Error("Invalid configuration value", "field", field.name, "value", field.value)
			return fmt.Errorf("%s must start with http:// or https://, got: %s", field.name, field.value)
		}
	}

	if c.Server.ClientOriginURL == "" {
		slog.Error("Missing required configuration", "field", "server.client_origin_url")
		return errors.New("server.client_origin_url is required")
	}
	if !isHTTPURL(c.Server.ClientOriginURL) {
		slog.Error("Invalid configuration value", "field", "server.client_origin_url", "value", c.Server.ClientOriginURL)
		return fmt.Errorf("server.client_origin_url must start with http:// or https://, got: %s", c.Server.ClientOriginURL)
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		slog.Error("Missing required configuration for production mode", "field", "server.tls.domains")
		return errors.New("server.tls.domains must be provided in production")
	}
	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion)
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	if v := c.Sessions.TTL; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("sessions.ttl: %w", err)
		}
	}
	if v := c.Sessions.RefreshThreshold; v != "" {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("sessions.refresh_threshold: %w", err)
		}
	}

	return nil
}

func isHTTPURL(v string) bool {
	return strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")
}
