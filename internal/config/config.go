// Package config loads the relay configuration from the environment.
// A .env file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultJWTSecret is only acceptable outside production.
const DefaultJWTSecret = "dev-secret-change-me"

// Config holds all configuration for the relay process.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	Env      string `envconfig:"ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// History store
	DatabaseDriver   string `envconfig:"DATABASE_DRIVER" default:"postgres"`
	DatabaseURL      string `envconfig:"DATABASE_URL"`
	RedisURL         string `envconfig:"REDIS_URL"`
	HistoryLimit     int    `envconfig:"HISTORY_LIMIT" default:"100"`
	HistoryCacheSize int    `envconfig:"HISTORY_CACHE_SIZE" default:"200"`

	// Identity
	JWTSecret      string        `envconfig:"JWT_SECRET" default:"dev-secret-change-me"`
	TokenTTL       time.Duration `envconfig:"TOKEN_TTL" default:"72h"`
	AllowAnonymous bool          `envconfig:"ALLOW_ANONYMOUS" default:"false"`

	// Relay
	AllowedOrigins     []string      `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173"`
	MaxMessageSize     int64         `envconfig:"MAX_MESSAGE_SIZE" default:"8192"`
	SendBuffer         int           `envconfig:"SEND_BUFFER" default:"256"`
	EchoSender         bool          `envconfig:"ECHO_SENDER" default:"true"`
	PersistTimeout     time.Duration `envconfig:"PERSIST_TIMEOUT" default:"2s"`
	RateLimitBurst     int           `envconfig:"RATE_LIMIT_BURST" default:"10"`
	RateLimitPerSecond float64       `envconfig:"RATE_LIMIT_PER_SECOND" default:"5"`
	ShutdownTimeout    time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express.
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.MaxMessageSize <= 0 {
		return errors.New("config: MAX_MESSAGE_SIZE must be positive")
	}
	if c.SendBuffer <= 0 {
		return errors.New("config: SEND_BUFFER must be positive")
	}
	if c.RateLimitBurst <= 0 || c.RateLimitPerSecond <= 0 {
		return errors.New("config: rate limit must be positive")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required in production")
		}
		if c.JWTSecret == DefaultJWTSecret {
			return errors.New("config: JWT_SECRET must be set in production")
		}
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}
