// Package config loads server settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config holds the settings shared by the server binary and its components.
type Config struct {
	Addr            string        `env:"PARLEY_ADDR,default=:8080"`
	JWTSecret       string        `env:"PARLEY_JWT_SECRET"`
	JWTIssuer       string        `env:"PARLEY_JWT_ISSUER,default=parley"`
	DataDir         string        `env:"PARLEY_DATA_DIR,default=./data"`
	LogLevel        string        `env:"PARLEY_LOG_LEVEL,default=info"`
	TicketTTL       time.Duration `env:"PARLEY_TICKET_TTL,default=30s"`
	MaxConnsPerIP   int           `env:"PARLEY_MAX_CONNS_PER_IP,default=10"`
	MaxConnsTotal   int           `env:"PARLEY_MAX_CONNS_TOTAL,default=1000"`
	HistoryPageSize int           `env:"PARLEY_HISTORY_PAGE_SIZE,default=50"`
}

// Load reads an optional .env file from the working directory, then the
// process environment. Values already set in the environment win over .env.
func Load() (Config, error) {
	_ = godotenv.Load() //nolint:errcheck // .env is optional
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings the server cannot run without.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("config: PARLEY_JWT_SECRET is required")
	}
	if len(c.JWTSecret) < 32 {
		return errors.New("config: PARLEY_JWT_SECRET must be at least 32 bytes")
	}
	if c.TicketTTL <= 0 {
		return fmt.Errorf("config: ticket TTL must be positive, got %v", c.TicketTTL)
	}
	if c.MaxConnsPerIP <= 0 || c.MaxConnsTotal <= 0 {
		return errors.New("config: connection limits must be positive")
	}
	if c.MaxConnsPerIP > c.MaxConnsTotal {
		return fmt.Errorf("config: per-IP limit %d exceeds total limit %d", c.MaxConnsPerIP, c.MaxConnsTotal)
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("config: history page size must be positive, got %d", c.HistoryPageSize)
	}
	return nil
}
