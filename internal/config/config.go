package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds environment-driven settings. Listen address, database path,
// and log level stay on flags in main; secrets and tunables come from env.
type Config struct {
	// AdminSecret signs and verifies control-plane bearer tokens.
	AdminSecret string `env:"PARLEY_ADMIN_SECRET"`
	// SendBuffer is the per-session outbox capacity.
	SendBuffer int `env:"PARLEY_SEND_BUFFER" envDefault:"64"`
}

// Load parses configuration from environment variables.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
