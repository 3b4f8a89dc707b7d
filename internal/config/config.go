// Package config loads gateway configuration from a YAML file with
// environment variable overrides for the deployment surface.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"

	"github.com/perimeterhq/perimeter/internal/model"
)

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"circuit_breaker"`
	Proxy     ProxyConfig     `yaml:"proxy"`
	CORS      CORSConfig      `yaml:"cors"`
	Logging   LoggingConfig   `yaml:"logging"`
	Routes    []RouteSeed     `yaml:"routes"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"LISTEN_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
}

// RedisConfig points at the shared cache.
type RedisConfig struct {
	URL         string        `yaml:"url" envconfig:"REDIS_URL"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
	PoolSize    int           `yaml:"pool_size"`
}

// DatabaseConfig points at the relational store.
type DatabaseConfig struct {
	URL string `yaml:"url" envconfig:"DATABASE_URL"`
}

// AuthConfig holds token signing settings and lifetimes.
type AuthConfig struct {
	Secret          string        `yaml:"secret" envconfig:"JWT_SECRET"`
	Algorithm       string        `yaml:"algorithm" envconfig:"JWT_ALGORITHM"`
	Issuer          string        `yaml:"issuer"`
	AccessLifetime  time.Duration `yaml:"access_lifetime" envconfig:"ACCESS_TOKEN_LIFETIME"`
	RefreshLifetime time.Duration `yaml:"refresh_lifetime" envconfig:"REFRESH_TOKEN_LIFETIME"`
}

// RateLimitConfig holds limiter-wide settings; per-route policies live in
// the store.
type RateLimitConfig struct {
	DefaultFailureMode string        `yaml:"default_failure_mode" envconfig:"RATE_LIMIT_FAILURE_MODE"`
	OpTimeout          time.Duration `yaml:"op_timeout"`
	ConcurrencyTTL     time.Duration `yaml:"concurrency_ttl"`
}

// BreakerConfig holds circuit breaker defaults applied per route.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ProxyConfig holds upstream forwarding settings.
type ProxyConfig struct {
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
}

// CORSConfig lists allowed origins for browser callers.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"CORS_ALLOWED_ORIGINS"`
}

// LoggingConfig selects level and optional rotating file output.
type LoggingConfig struct {
	Level      string `yaml:"level" envconfig:"LOG_LEVEL"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// RouteSeed declares a route (and optional policies) in the config file.
// Seeds are upserted into the store at boot; admin CRUD owns them after.
type RouteSeed struct {
	Name           string       `yaml:"name"`
	Pattern        string       `yaml:"pattern"`
	BackendURL     string       `yaml:"backend_url"`
	AllowedMethods []string     `yaml:"allowed_methods"`
	RequiredScope  string       `yaml:"required_scope"`
	Enabled        *bool        `yaml:"enabled"`
	Policies       []PolicySeed `yaml:"policies"`
}

// PolicySeed declares a rate-limit policy for a seeded route.
type PolicySeed struct {
	Tier          string  `yaml:"tier"`
	Strategy      string  `yaml:"strategy"`
	Capacity      int     `yaml:"capacity"`
	RefillRate    float64 `yaml:"refill_rate"`
	WindowSeconds int     `yaml:"window_seconds"`
	FailureMode   string  `yaml:"failure_mode"`
}

// Load reads the YAML file at path (optional), applies environment
// overrides, then defaults, then validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment wins over the file for the 12-factor surface.
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Redis.URL == "" {
		c.Redis.URL = "redis://localhost:6379/0"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 2 * time.Second
	}
	if c.Redis.OpTimeout == 0 {
		c.Redis.OpTimeout = 5 * time.Second
	}
	if c.Database.URL == "" {
		c.Database.URL = "perimeter.db"
	}
	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = "HS256"
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "perimeter"
	}
	if c.Auth.AccessLifetime == 0 {
		c.Auth.AccessLifetime = 15 * time.Minute
	}
	if c.Auth.RefreshLifetime == 0 {
		c.Auth.RefreshLifetime = 7 * 24 * time.Hour
	}
	if c.RateLimit.DefaultFailureMode == "" {
		c.RateLimit.DefaultFailureMode = string(model.FailOpen)
	}
	if c.RateLimit.OpTimeout == 0 {
		c.RateLimit.OpTimeout = 5 * time.Second
	}
	if c.RateLimit.ConcurrencyTTL == 0 {
		c.RateLimit.ConcurrencyTTL = 60 * time.Second
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.FailureWindow == 0 {
		c.Breaker.FailureWindow = 60 * time.Second
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.Proxy.AttemptTimeout == 0 {
		c.Proxy.AttemptTimeout = 30 * time.Second
	}
	if c.Proxy.MaxRetries == 0 {
		c.Proxy.MaxRetries = 2
	}
	if c.Proxy.InitialBackoff == 0 {
		c.Proxy.InitialBackoff = time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return fmt.Errorf("auth.secret (JWT_SECRET) is required")
	}
	switch c.Auth.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported auth.algorithm %q", c.Auth.Algorithm)
	}
	switch model.FailureMode(c.RateLimit.DefaultFailureMode) {
	case model.FailOpen, model.FailClosed:
	default:
		return fmt.Errorf("rate_limit.default_failure_mode must be open or closed")
	}
	for i, seed := range c.Routes {
		def, pols := seed.Definitions()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("routes[%d] (%s): %w", i, seed.Name, err)
		}
		for j := range pols {
			if err := pols[j].Validate(); err != nil {
				return fmt.Errorf("routes[%d].policies[%d]: %w", i, j, err)
			}
		}
	}
	return nil
}

// Definitions converts a seed into store entities. IDs are left empty;
// the store assigns them on upsert.
func (s *RouteSeed) Definitions() (model.APIDefinition, []model.RateLimitPolicy) {
	enabled := true
	if s.Enabled != nil {
		enabled = *s.Enabled
	}
	def := model.APIDefinition{
		Name:           s.Name,
		RoutePattern:   s.Pattern,
		BackendURL:     s.BackendURL,
		AllowedMethods: model.MethodList(s.AllowedMethods),
		RequiredScope:  s.RequiredScope,
		Enabled:        enabled,
	}
	pols := make([]model.RateLimitPolicy, 0, len(s.Policies))
	for _, p := range s.Policies {
		mode := model.FailureMode(p.FailureMode)
		if mode == "" {
			mode = model.FailOpen
		}
		pols = append(pols, model.RateLimitPolicy{
			Tier:          model.Tier(p.Tier),
			Strategy:      model.Strategy(p.Strategy),
			Capacity:      p.Capacity,
			RefillRate:    p.RefillRate,
			WindowSeconds: p.WindowSeconds,
			FailureMode:   mode,
		})
	}
	return def, pols
}
