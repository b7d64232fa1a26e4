// Package config collects every component's settings into one struct
// loaded from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"giftledger/internal/common/database"
	"giftledger/internal/common/logging"
	"giftledger/internal/common/nats"
	"giftledger/internal/delivery/email"
	"giftledger/internal/delivery/webhook"
	"giftledger/internal/gateway"
	"giftledger/internal/identity"
	"giftledger/internal/ledger"
	"giftledger/internal/ratelimit"
	"giftledger/internal/scheduler"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// HTTP holds listener settings
type HTTP struct {
	Port            int           `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"30s"`
	AllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS"`
}

// Config holds service configuration
type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	StoreDriver string `envconfig:"STORE_DRIVER" default:"postgres"`

	HTTP      HTTP
	Logging   logging.Config
	Database  database.Config
	NATS      nats.Config
	Identity  identity.Config
	Ledger    ledger.Config
	RateLimit ratelimit.Config
	Gateway   gateway.Config
	Webhook   webhook.Config   `envconfig:"WEBHOOK"`
	Email     email.Config     `envconfig:"EMAIL"`
	Scheduler scheduler.Config `envconfig:"SCHEDULER"`
}

// Load reads the configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("processing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that depend on each other.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres store"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.RateLimitBackend() {
	case DriverPostgres:
		if c.StoreDriver != DriverPostgres {
			errs = append(errs, errors.New("the postgres rate limit backend needs the postgres store"))
		}
	case DriverMemory, "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimit.Backend))
	}
	if c.Identity.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Ledger.CodePepper == "" && c.Environment == "production" {
		errs = append(errs, errors.New("CARD_CODE_PEPPER is required in production"))
	}
	return errors.Join(errs...)
}

// RateLimitBackend resolves the window backend, following the store
// driver when none is set.
func (c Config) RateLimitBackend() string {
	if c.RateLimit.Backend != "" {
		return c.RateLimit.Backend
	}
	return c.StoreDriver
}
