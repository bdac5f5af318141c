// Package config loads the store daemon's runtime configuration from the
// environment, with an optional .env file for development.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Addr is the HTTP listen address.
	Addr string `env:"ADDR" envDefault:":8080"`

	// RoomPrefixes lists the game namespaces the janitor sweeps.
	RoomPrefixes []string `env:"ROOM_PREFIXES" envSeparator:"," envDefault:"arcade"`

	// RoomTTL is how long an empty room survives before the janitor
	// reclaims it.
	RoomTTL time.Duration `env:"ROOM_TTL" envDefault:"10m"`

	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"1m"`

	// DatabaseURL enables the finished-room archive when set.
	DatabaseURL string `env:"DATABASE_URL"`

	Debug bool `env:"DEBUG"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse env: %w", err)
	}
	return cfg, nil
}
