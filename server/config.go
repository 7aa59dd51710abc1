package server

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Auth modes
const (
	AuthModeOAuth  = "oauth"
	AuthModeAPIKey = "api_key"
	AuthModeNone   = "none"
)

// TLS modes
const (
	TLSModeNone     = ""
	TLSModeFiles    = "files"
	TLSModeAutocert = "autocert"
)

// Token defaults
const (
	DefaultTokenLifetime   = time.Hour
	DefaultPendingTTL      = 10 * time.Minute
	DefaultCodeTTL         = 2 * time.Minute
	DefaultSweepInterval   = time.Minute
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultHSTSMaxAge      = 31536000

	placeholderSecret = "your-secret-key-change-this"
	googleIssuer      = "https://accounts.google.com"
)

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	OAuth  OAuthConfig  `yaml:"oauth"`
	Tokens TokenConfig  `yaml:"tokens"`
	Usage  UsageConfig  `yaml:"usage"`
	MCP    MCPConfig    `yaml:"mcp"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	PublicURL  string     `yaml:"public_url"`
	ListenAddr string     `yaml:"listen_addr"`
	DevMode    bool       `yaml:"dev_mode"`
	TLS        TLSConfig  `yaml:"tls"`
	CORS       CORSConfig `yaml:"cors"`
}

// TLSConfig selects between no TLS, an externally supplied certificate pair, or autocert.
type TLSConfig struct {
	Mode           string   `yaml:"mode"`
	CertFile       string   `yaml:"cert_file"`
	KeyFile        string   `yaml:"key_file"`
	Domains        []string `yaml:"domains"`
	Email          string   `yaml:"email"`
	CacheDir       string   `yaml:"cache_dir"`
	HTTPListenAddr string   `yaml:"http_listen_addr"`
	MinVersion     string   `yaml:"min_version"`
	HSTSMaxAge     int      `yaml:"hsts_max_age"`
}

// CORSConfig lists browser origins allowed to call the discovery and token endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AuthConfig selects how the protected MCP endpoints are gated.
type AuthConfig struct {
	Mode    string            `yaml:"mode"`
	APIKeys map[string]string `yaml:"api_keys"`
}

// OAuthConfig holds the upstream identity provider and flow lifetimes.
type OAuthConfig struct {
	Google          GoogleConfig  `yaml:"google"`
	PendingTTL      time.Duration `yaml:"pending_ttl"`
	CodeTTL         time.Duration `yaml:"code_ttl"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout"`
}

// GoogleConfig encapsulates issuer and credentials for the upstream IdP.
type GoogleConfig struct {
	Issuer       string   `yaml:"issuer"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	RedirectURL  string   `yaml:"redirect_url"`
	Scopes       []string `yaml:"scopes"`
}

// TokenConfig controls bearer token signing.
type TokenConfig struct {
	Algorithm      string        `yaml:"algorithm"`
	SigningSecret  string        `yaml:"signing_secret"`
	KeyPath        string        `yaml:"key_path"`
	RotateInterval time.Duration `yaml:"rotate_interval"`
	Lifetime       time.Duration `yaml:"lifetime"`
}

// UsageConfig toggles the SQLite usage log.
type UsageConfig struct {
	Enabled      bool   `yaml:"enabled"`
	DatabasePath string `yaml:"database_path"`
}

// MCPConfig names the tool server.
type MCPConfig struct {
	Name      string `yaml:"name"`
	Version   string `yaml:"version"`
	Stateless bool   `yaml:"stateless"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// A missing .env is the normal case outside local development.
	_ = godotenv.Load()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)

		if err := decoder.Decode(&cfg); err != nil {
			if strings.Contains(err.Error(), "field") && strings.Contains(err.Error(), "not found") {
				slog.Error("Configuration contains unknown keys", "error", err, "file", path)
				return Config{}, fmt.Errorf("invalid config: %w (check for typos or deprecated fields)", err)
			}
			slog.Error("Failed to parse configuration", "error", err, "file", path)
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg.applyDerivedDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:  "http://127.0.0.1:8080",
			ListenAddr: "127.0.0.1:8080",
			TLS: TLSConfig{
				Mode:           TLSModeNone,
				CacheDir:       ".secrets/tls",
				HTTPListenAddr: ":80",
				MinVersion:     "1.2",
				HSTSMaxAge:     DefaultHSTSMaxAge,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeOAuth,
		},
		OAuth: OAuthConfig{
			Google: GoogleConfig{
				Issuer: googleIssuer,
				Scopes: []string{"openid", "email", "profile"},
			},
			PendingTTL:      DefaultPendingTTL,
			CodeTTL:         DefaultCodeTTL,
			SweepInterval:   DefaultSweepInterval,
			UpstreamTimeout: DefaultUpstreamTimeout,
		},
		Tokens: TokenConfig{
			Algorithm: "HS256",
			KeyPath:   ".secrets/signing-key.json",
			Lifetime:  DefaultTokenLifetime,
		},
		Usage: UsageConfig{
			Enabled:      false,
			DatabasePath: "mcp_server.db",
		},
		MCP: MCPConfig{
			Name:    "Demo",
			Version: "1.0.0",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := []struct {
		keys []string
		fn   func(string)
	}{
		{[]string{"MCPGATE_PUBLIC_URL"}, func(v string) { cfg.Server.PublicURL = v }},
		{[]string{"MCPGATE_LISTEN_ADDR"}, func(v string) { cfg.Server.ListenAddr = v }},
		{[]string{"MCPGATE_DEV_MODE"}, func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) }},
		{[]string{"MCPGATE_TLS_MODE"}, func(v string) { cfg.Server.TLS.Mode = v }},
		{[]string{"MCPGATE_TLS_CERT_FILE"}, func(v string) { cfg.Server.TLS.CertFile = v }},
		{[]string{"MCPGATE_TLS_KEY_FILE"}, func(v string) { cfg.Server.TLS.KeyFile = v }},
		{[]string{"MCPGATE_TLS_DOMAINS"}, func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) }},
		{[]string{"MCPGATE_TLS_EMAIL"}, func(v string) { cfg.Server.TLS.Email = v }},
		{[]string{"MCPGATE_AUTH_MODE", "AUTH_MODE"}, func(v string) { cfg.Auth.Mode = strings.ToLower(strings.TrimSpace(v)) }},
		{[]string{"MCPGATE_API_KEYS", "API_KEYS"}, func(v string) { cfg.Auth.APIKeys = parseAPIKeyPairs(v) }},
		{[]string{"MCPGATE_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID"}, func(v string) { cfg.OAuth.Google.ClientID = v }},
		{[]string{"MCPGATE_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET"}, func(v string) { cfg.OAuth.Google.ClientSecret = v }},
		{[]string{"MCPGATE_OAUTH_REDIRECT_URI", "OAUTH_REDIRECT_URI"}, func(v string) { cfg.OAuth.Google.RedirectURL = v }},
		{[]string{"MCPGATE_JWT_SECRET", "JWT_SECRET_KEY"}, func(v string) { cfg.Tokens.SigningSecret = v }},
		{[]string{"MCPGATE_TOKEN_LIFETIME"}, func(v string) { cfg.Tokens.Lifetime = parseDuration(v, cfg.Tokens.Lifetime) }},
		{[]string{"JWT_EXPIRY_HOURS"}, func(v string) {
			if h, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && h > 0 {
				cfg.Tokens.Lifetime = time.Duration(h) * time.Hour
			}
		}},
		{[]string{"MCPGATE_DATABASE_PATH", "DATABASE_PATH"}, func(v string) { cfg.Usage.DatabasePath = v }},
		{[]string{"MCPGATE_USAGE_ENABLED", "ENABLE_LOGGING"}, func(v string) { cfg.Usage.Enabled = parseBool(v, cfg.Usage.Enabled) }},
	}

	for _, o := range overrides {
		for _, key := range o.keys {
			if val, ok := os.LookupEnv(key); ok {
				o.fn(val)
				break
			}
		}
	}

	// AUTH_ENABLED=false predates auth modes and switches the gate off entirely.
	if val, ok := os.LookupEnv("AUTH_ENABLED"); ok && !parseBool(val, true) {
		cfg.Auth.Mode = AuthModeNone
	}
}

// applyDerivedDefaults fills values computed from other settings.
func (c *Config) applyDerivedDefaults() {
	c.Server.PublicURL = strings.TrimSuffix(c.Server.PublicURL, "/")
	if c.OAuth.Google.RedirectURL == "" {
		c.OAuth.Google.RedirectURL = c.Server.PublicURL + "/callback"
	}
	if c.Tokens.Algorithm == "" {
		c.Tokens.Algorithm = "HS256"
	}
	c.Tokens.Algorithm = strings.ToUpper(c.Tokens.Algorithm)
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(val)
	if err != nil {
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

// parseAPIKeyPairs reads "user1:key1,user2:key2".
func parseAPIKeyPairs(val string) map[string]string {
	out := make(map[string]string)
	for _, pair := range splitAndTrim(val) {
		user, key, ok := strings.Cut(pair, ":")
		user, key = strings.TrimSpace(user), strings.TrimSpace(key)
		if !ok || user == "" || key == "" {
			continue
		}
		out[user] = key
	}
	return out
}

// UsesLocalProvider reports whether the dev-mode identity provider replaces
// Google. It is only ever chosen for a loopback public URL.
func (c Config) UsesLocalProvider() bool {
	return c.Server.DevMode && c.OAuth.Google.ClientID == "" && c.loopbackPublicURL()
}

func (c Config) loopbackPublicURL() bool {
	u, err := url.Parse(c.Server.PublicURL)
	return err == nil && isLoopbackHost(u.Hostname())
}

// Validate performs sanity checks on the config. Any error here must stop startup.
func (c Config) Validate() error {
	if c.Server.PublicURL == "" {
		slog.Error("Missing required configuration", "field", "server.public_url")
		return errors.New("server.public_url is required")
	}
	u, err := url.Parse(c.Server.PublicURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		slog.Error("Invalid configuration value", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "must be an absolute http(s) URL")
		return fmt.Errorf("server.public_url must be an absolute http:// or https:// URL, got: %s", c.Server.PublicURL)
	}

	switch c.Server.TLS.Mode {
	case TLSModeNone:
	case TLSModeFiles:
		if c.Server.TLS.CertFile == "" || c.Server.TLS.KeyFile == "" {
			slog.Error("Missing TLS key pair", "field", "server.tls.cert_file/key_file")
			return errors.New("server.tls.cert_file and server.tls.key_file are required when tls.mode is files")
		}
	case TLSModeAutocert:
		if len(c.Server.TLS.Domains) == 0 {
			slog.Error("Missing required configuration for autocert", "field", "server.tls.domains")
			return errors.New("server.tls.domains must be provided when tls.mode is autocert")
		}
	default:
		slog.Error("Invalid TLS mode", "field", "server.tls.mode", "value", c.Server.TLS.Mode)
		return fmt.Errorf("server.tls.mode must be empty, 'files' or 'autocert', got: %s", c.Server.TLS.Mode)
	}

	if c.Server.TLS.MinVersion != "" {
		validVersions := map[string]bool{"1.2": true, "1.3": true}
		if !validVersions[c.Server.TLS.MinVersion] {
			slog.Error("Invalid TLS minimum version", "field", "server.tls.min_version", "value", c.Server.TLS.MinVersion, "valid_values", []string{"1.2", "1.3"})
			return fmt.Errorf("server.tls.min_version must be '1.2' or '1.3', got: %s", c.Server.TLS.MinVersion)
		}
	}

	switch c.Auth.Mode {
	case AuthModeOAuth:
		if err := c.validateOAuth(); err != nil {
			return err
		}
	case AuthModeAPIKey:
		if len(c.Auth.APIKeys) == 0 {
			slog.Error("Missing API keys", "field", "auth.api_keys")
			return errors.New("auth.api_keys must contain at least one user when auth.mode is api_key")
		}
		for user, key := range c.Auth.APIKeys {
			if user == "" || key == "" {
				return errors.New("auth.api_keys entries must have a non-empty user and key")
			}
		}
	case AuthModeNone:
		slog.Warn("Authentication disabled", "field", "auth.mode")
	default:
		slog.Error("Invalid auth mode", "field", "auth.mode", "value", c.Auth.Mode)
		return fmt.Errorf("auth.mode must be 'oauth', 'api_key' or 'none', got: %s", c.Auth.Mode)
	}

	if c.Usage.Enabled && c.Usage.DatabasePath == "" {
		return errors.New("usage.database_path is required when usage logging is enabled")
	}

	return nil
}

func (c Config) validateOAuth() error {
	switch c.Tokens.Algorithm {
	case "HS256":
		if c.Tokens.SigningSecret == "" {
			slog.Error("Missing required configuration", "field", "tokens.signing_secret")
			return errors.New("tokens.signing_secret is required (set JWT_SECRET_KEY)")
		}
		if c.Tokens.SigningSecret == placeholderSecret {
			slog.Error("Refusing placeholder signing secret", "field", "tokens.signing_secret")
			return errors.New("tokens.signing_secret must be changed from the example value")
		}
	case "RS256":
		if c.Tokens.KeyPath == "" {
			return errors.New("tokens.key_path is required when tokens.algorithm is RS256")
		}
	default:
		return fmt.Errorf("tokens.algorithm must be HS256 or RS256, got: %s", c.Tokens.Algorithm)
	}

	if c.Tokens.Lifetime <= 0 {
		return errors.New("tokens.lifetime must be positive")
	}
	if c.OAuth.PendingTTL <= 0 || c.OAuth.CodeTTL <= 0 {
		return errors.New("oauth.pending_ttl and oauth.code_ttl must be positive")
	}
	if c.OAuth.UpstreamTimeout <= 0 {
		return errors.New("oauth.upstream_timeout must be positive")
	}

	if c.UsesLocalProvider() {
		slog.Warn("No Google client configured; dev-mode local identity provider in use")
		return nil
	}
	if c.Server.DevMode && c.OAuth.Google.ClientID == "" {
		slog.Error("Refusing local identity provider", "field", "server.public_url", "value", c.Server.PublicURL, "reason", "not a loopback host")
		return fmt.Errorf("the dev-mode identity provider only serves a loopback public_url, set oauth.google.client_id for %s", c.Server.PublicURL)
	}
	if c.OAuth.Google.ClientID == "" || c.OAuth.Google.ClientSecret == "" {
		slog.Error("Missing upstream credentials", "field", "oauth.google.client_id/client_secret")
		return errors.New("oauth.google.client_id and oauth.google.client_secret are required (set GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET)")
	}
	if c.OAuth.Google.Issuer == "" {
		return errors.New("oauth.google.issuer is required")
	}
	if !strings.HasPrefix(c.OAuth.Google.RedirectURL, "http://") && !strings.HasPrefix(c.OAuth.Google.RedirectURL, "https://") {
		return fmt.Errorf("oauth.google.redirect_url must start with http:// or https://, got: %s", c.OAuth.Google.RedirectURL)
	}
	return nil
}
