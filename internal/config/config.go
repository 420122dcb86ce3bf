// Package config loads layered configuration (file + environment) for the
// worker process, with validated defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level worker configuration.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig selects and configures the Persistence Port adapter.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"` // postgres only
}

// PubSubConfig configures the Redis Pub/Sub adapter.
type PubSubConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SchedulerConfig configures the worker's maintenance cron job.
type SchedulerConfig struct {
	// ReloadCron is a standard five-field cron expression for the
	// low-frequency ReloadFeeds safety-net job. Empty disables it.
	ReloadCron string `mapstructure:"reload_cron"`
}

// RateLimitConfig configures the domain rate limiter (C10).
type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// HTTPConfig configures the worker's health endpoint.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Load(".env.local")

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".feedworker"))
		}
	}

	v.SetEnvPrefix("FEEDWORKER")
	v.AutomaticEnv()

	v.BindEnv("database.driver", "FEEDWORKER_DATABASE_DRIVER")
	v.BindEnv("database.dsn", "FEEDWORKER_DATABASE_DSN")
	v.BindEnv("database.max_conns", "FEEDWORKER_DATABASE_MAX_CONNS")
	v.BindEnv("pubsub.addr", "FEEDWORKER_PUBSUB_ADDR")
	v.BindEnv("pubsub.password", "FEEDWORKER_PUBSUB_PASSWORD")
	v.BindEnv("pubsub.db", "FEEDWORKER_PUBSUB_DB")
	v.BindEnv("scheduler.reload_cron", "FEEDWORKER_SCHEDULER_RELOAD_CRON")
	v.BindEnv("http.addr", "FEEDWORKER_HTTP_ADDR")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/feedworker.db")
	v.SetDefault("database.max_conns", 4)

	v.SetDefault("pubsub.addr", "localhost:6379")
	v.SetDefault("pubsub.db", 0)

	v.SetDefault("scheduler.reload_cron", "") // disabled unless an operator opts in

	v.SetDefault("rate_limit.requests_per_second", 1.0)
	v.SetDefault("rate_limit.burst", 5)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output", "stdout")
}

// Validate checks invariants that must hold before the worker starts.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.PubSub.Addr == "" {
		return fmt.Errorf("pubsub.addr is required")
	}
	return nil
}
