// Package config loads service configuration from the environment (and an
// optional .env file).
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"tickstream/internal/store/postgres"
	"tickstream/internal/store/redis"
)

const (
	CacheRedis  = "redis"
	CacheMemory = "memory"

	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Config holds all streamd configuration.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8000"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	CacheBackend   string `env:"CACHE_BACKEND" envDefault:"redis" validate:"oneof=redis memory"`
	CacheMaxLength int    `env:"CACHE_MAX_LENGTH" envDefault:"1000" validate:"gte=1"`
	Redis          RedisConfig

	TickStore  string          `env:"TICK_STORE" envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	SQLitePath string          `env:"SQLITE_PATH" envDefault:"data/ticks.db"`
	Postgres   postgres.Config `envPrefix:"POSTGRES_"`

	DefaultIntervalSeconds float64 `env:"DEFAULT_INTERVAL_SECONDS" envDefault:"1.0" validate:"gte=0"`
	SubscriberBuffer       int     `env:"SUBSCRIBER_BUFFER" envDefault:"256" validate:"gte=1"`
	ControlTOTPSecret      string  `env:"CONTROL_TOTP_SECRET"`
}

// RedisConfig is the redis connection plus the broadcast mirror switch.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
	Mirror   bool   `env:"REDIS_MIRROR" envDefault:"false"`
}

// Client returns the connection part of the redis config.
func (r RedisConfig) Client() redis.Config {
	return redis.Config{Addr: r.Addr, Password: r.Password, DB: r.DB}
}

// Load reads .env if present, then the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse()
}

// Parse reads the process environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// NeedsRedis reports whether any component uses the redis connection.
func (c *Config) NeedsRedis() bool {
	return c.CacheBackend == CacheRedis || c.Redis.Mirror
}
