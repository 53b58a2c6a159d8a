// Package server provides configuration helpers that define runtime
// defaults, validation, and rate-limiting parameters for the Loft service.
package server

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines the parameters for per-connection inbound
// message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// OAuthConfig identifies the OAuth client used for login and the
// provider endpoints involved in the flow.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	CertsURL     string
	RedirectURL  string
}

// Config holds the server configuration settings including security
// controls and collaborator endpoints.
type Config struct {
	Port           string
	DatabaseURL    string
	AllowedOrigins []string
	MaxMessageSize int64
	RateLimit      RateLimitConfig
	OAuth          OAuthConfig
}

var (
	configMu        sync.RWMutex
	activeConfig    Config
	allowedOrigins  map[string]struct{}
	allowAllOrigins bool
)

func init() {
	SetConfig(nil)
}

func defaultConfig() Config {
	return Config{
		Port: ":8080",
		AllowedOrigins: []string{
			"http://localhost:8080",
		},
		MaxMessageSize: 4096,
		RateLimit: RateLimitConfig{
			Burst:          5,
			RefillInterval: time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL: "https://oauth2.googleapis.com/token",
			CertsURL: "https://www.googleapis.com/oauth2/v3/certs",
		},
	}
}

func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = ":8080"
	}

	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 4096
	}

	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = time.Second
	}

	defaults := defaultConfig()
	if cfg.OAuth.TokenURL == "" {
		cfg.OAuth.TokenURL = defaults.OAuth.TokenURL
	}
	if cfg.OAuth.CertsURL == "" {
		cfg.OAuth.CertsURL = defaults.OAuth.CertsURL
	}

	normalizedOrigins, allowAll := normalizeOrigins(cfg.AllowedOrigins)
	cfg.AllowedOrigins = normalizedOrigins

	configMu.Lock()
	defer configMu.Unlock()

	activeConfig = cfg
	allowAllOrigins = allowAll
	allowedOrigins = make(map[string]struct{}, len(normalizedOrigins))
	for _, origin := range normalizedOrigins {
		allowedOrigins[origin] = struct{}{}
	}

	return cfg
}

// SetConfig applies the provided configuration. Passing nil resets to
// defaults.
func SetConfig(cfg *Config) {
	if cfg == nil {
		defaultCfg := defaultConfig()
		sanitizeConfig(defaultCfg)
		return
	}

	sanitized := Config{
		Port:           cfg.Port,
		DatabaseURL:    cfg.DatabaseURL,
		AllowedOrigins: append([]string(nil), cfg.AllowedOrigins...),
		MaxMessageSize: cfg.MaxMessageSize,
		RateLimit:      cfg.RateLimit,
		OAuth:          cfg.OAuth,
	}
	sanitizeConfig(sanitized)
}

func currentConfig() Config {
	configMu.RLock()
	defer configMu.RUnlock()

	cfg := activeConfig
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	return cfg
}

// NewConfig creates a Config instance populated with default values for
// all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if burst := os.Getenv("RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseRefillInterval(interval, cfg.RateLimit.RefillInterval)
	}

	if clientID := os.Getenv("OAUTH_CLIENT_ID"); clientID != "" {
		cfg.OAuth.ClientID = clientID
	}

	if clientSecret := os.Getenv("OAUTH_CLIENT_SECRET"); clientSecret != "" {
		cfg.OAuth.ClientSecret = clientSecret
	}

	if tokenURL := os.Getenv("OAUTH_TOKEN_URL"); tokenURL != "" {
		cfg.OAuth.TokenURL = tokenURL
	}

	if certsURL := os.Getenv("OAUTH_CERTS_URL"); certsURL != "" {
		cfg.OAuth.CertsURL = certsURL
	}

	if redirectURL := os.Getenv("OAUTH_REDIRECT_URL"); redirectURL != "" {
		cfg.OAuth.RedirectURL = redirectURL
	}

	return &cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseRefillInterval(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
