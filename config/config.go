// Package config reads runtime settings from CLINIC_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/warp/clinic-engine/clinic"
)

// Prefix is prepended to every variable name, e.g. CLINIC_ADDR.
const Prefix = "CLINIC"

// Config holds runtime configuration for the server and clinicctl.
type Config struct {
	Addr        string             `envconfig:"ADDR" default:":8080"`
	StorageMode clinic.StorageMode `envconfig:"STORAGE_MODE" default:"sqlite"`
	DBPath      string             `envconfig:"DB_PATH" default:"clinic.db"`

	PortTimeout    time.Duration `envconfig:"PORT_TIMEOUT" default:"5s"`
	ExpiringWithin time.Duration `envconfig:"EXPIRING_WITHIN" default:"168h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Empty RedisAddr disables event publishing.
	RedisAddr    string `envconfig:"REDIS_ADDR"`
	RedisChannel string `envconfig:"REDIS_CHANNEL" default:"clinic.events"`

	StatusRefreshInterval time.Duration `envconfig:"STATUS_REFRESH_INTERVAL" default:"1h"`

	// Requests per minute per client IP on POST /api/sales. Zero disables.
	CheckoutRateLimit int `envconfig:"CHECKOUT_RATE_LIMIT" default:"60"`

	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"http://localhost:5173,http://localhost:8080"`
}

// Load reads configuration from the environment and validates it. A .env
// file in the working directory is applied first; variables already set
// in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if !c.StorageMode.Valid() {
		return fmt.Errorf("unknown storage mode %q", c.StorageMode)
	}
	if c.StorageMode == clinic.StorageSQLite && c.DBPath == "" {
		return fmt.Errorf("%s_DB_PATH is required for sqlite storage", Prefix)
	}
	if c.PortTimeout <= 0 {
		return fmt.Errorf("%s_PORT_TIMEOUT must be positive", Prefix)
	}
	if c.CheckoutRateLimit < 0 {
		return fmt.Errorf("%s_CHECKOUT_RATE_LIMIT must not be negative", Prefix)
	}
	return nil
}

// EngineOptions maps the engine-related settings onto clinic.Options.
func (c *Config) EngineOptions() clinic.Options {
	return clinic.Options{
		PortTimeout:    c.PortTimeout,
		ExpiringWithin: c.ExpiringWithin,
	}
}
