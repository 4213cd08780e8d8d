// Package config loads server configuration from environment variables,
// with an optional .env file for local development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env:        environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr        string `env:"CLOAKROOM_ADDR" envDefault:":3001"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Capacity
	MaxConnections int `env:"CLOAKROOM_MAX_CONNECTIONS" envDefault:"2000"`

	// Per-connection event rate limiting (core limiter, fixed window)
	EventRateMax    int           `env:"CLOAKROOM_EVENT_RATE_MAX" envDefault:"100"`
	EventRateWindow time.Duration `env:"CLOAKROOM_EVENT_RATE_WINDOW" envDefault:"10s"`

	// Transport flood guard (token bucket, ahead of the core limiter)
	FloodBurst int     `env:"CLOAKROOM_FLOOD_BURST" envDefault:"200"`
	FloodRate  float64 `env:"CLOAKROOM_FLOOD_RATE" envDefault:"50"`

	// Join requests
	JoinRequestTTL time.Duration `env:"CLOAKROOM_JOIN_REQUEST_TTL" envDefault:"5m"`

	// Message history returned on rejoin
	HistoryLimit int `env:"CLOAKROOM_HISTORY_LIMIT" envDefault:"200"`

	// Tokens
	TokenSecret    string        `env:"CLOAKROOM_TOKEN_SECRET" envDefault:""`
	TokenIssuer    string        `env:"CLOAKROOM_TOKEN_ISSUER" envDefault:"cloakroom"`
	UploadTokenTTL time.Duration `env:"CLOAKROOM_UPLOAD_TOKEN_TTL" envDefault:"10m"`

	// Shutdown
	ShutdownGrace time.Duration `env:"CLOAKROOM_SHUTDOWN_GRACE" envDefault:"30s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: environment variables > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err == nil && logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CLOAKROOM_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("CLOAKROOM_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.EventRateMax < 1 {
		return fmt.Errorf("CLOAKROOM_EVENT_RATE_MAX must be > 0, got %d", c.EventRateMax)
	}
	if c.EventRateWindow <= 0 {
		return fmt.Errorf("CLOAKROOM_EVENT_RATE_WINDOW must be positive, got %s", c.EventRateWindow)
	}
	if c.FloodBurst < 1 {
		return fmt.Errorf("CLOAKROOM_FLOOD_BURST must be > 0, got %d", c.FloodBurst)
	}
	if c.FloodRate <= 0 {
		return fmt.Errorf("CLOAKROOM_FLOOD_RATE must be positive, got %.1f", c.FloodRate)
	}
	if c.HistoryLimit < 0 {
		return fmt.Errorf("CLOAKROOM_HISTORY_LIMIT must be >= 0, got %d", c.HistoryLimit)
	}
	if c.Environment == "production" && c.TokenSecret == "" {
		return fmt.Errorf("CLOAKROOM_TOKEN_SECRET is required in production")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogConfig logs the effective configuration with structured fields.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Int("event_rate_max", c.EventRateMax).
		Dur("event_rate_window", c.EventRateWindow).
		Int("flood_burst", c.FloodBurst).
		Float64("flood_rate", c.FloodRate).
		Dur("join_request_ttl", c.JoinRequestTTL).
		Int("history_limit", c.HistoryLimit).
		Dur("upload_token_ttl", c.UploadTokenTTL).
		Dur("shutdown_grace", c.ShutdownGrace).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
