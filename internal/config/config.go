// Package config loads the portal server's settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config holds every setting of cmd/portald. Defaults are given by the env
// struct tags.
type Config struct {
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=4000"`

	// DiscoveryURL of the identity provider. ENV: AZURE_AD_TOKEN_ENDPOINT
	DiscoveryURL string `env:"AZURE_AD_TOKEN_ENDPOINT,required"`
	// ClientID is the expected token audience. ENV: AZURE_CLIENT_ID
	ClientID string `env:"AZURE_CLIENT_ID,required"`
	// TenantID fills the provider's templated issuer. ENV: AZURE_TENANT_ID
	TenantID string `env:"AZURE_TENANT_ID,required"`

	KeyRefreshInterval time.Duration `env:"KEY_REFRESH_INTERVAL,default=24h"`
	AuthCacheTTL       time.Duration `env:"AUTH_CACHE_TTL,default=1h"`
	AuthCacheSize      int           `env:"AUTH_CACHE_SIZE,default=10000"`
	AuthLeeway         time.Duration `env:"AUTH_LEEWAY,default=0s"`

	WSHandshakeTimeout time.Duration `env:"WS_HANDSHAKE_TIMEOUT,default=30s"`

	// UsersFile seeds the in-memory user store. Ignored when Redis is used.
	UsersFile string `env:"USERS_FILE"`

	// RedisAddr enables the Redis user store and broker. ENV: REDIS_ADDR
	RedisAddr      string `env:"REDIS_ADDR"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=portal:"`

	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the ranges envdecode cannot express.
func (c *Config) Validate() error {
	var errs []error
	for name, v := range map[string]string{
		"AZURE_AD_TOKEN_ENDPOINT": c.DiscoveryURL,
		"AZURE_CLIENT_ID":         c.ClientID,
		"AZURE_TENANT_ID":         c.TenantID,
	} {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.KeyRefreshInterval <= 0 {
		errs = append(errs, errors.New("KEY_REFRESH_INTERVAL must be positive"))
	}
	if c.AuthCacheTTL <= 0 {
		errs = append(errs, errors.New("AUTH_CACHE_TTL must be positive"))
	}
	if c.AuthCacheSize < 0 {
		errs = append(errs, errors.New("AUTH_CACHE_SIZE must not be negative"))
	}
	if c.AuthLeeway < 0 {
		errs = append(errs, errors.New("AUTH_LEEWAY must not be negative"))
	}
	if c.WSHandshakeTimeout <= 0 {
		errs = append(errs, errors.New("WS_HANDSHAKE_TIMEOUT must be positive"))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Addr is the listen address.
func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

// UseRedis reports whether Redis backs the user store and broker.
func (c *Config) UseRedis() bool { return c.RedisAddr != "" }
