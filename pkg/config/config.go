// Package config loads spoold configuration from a YAML file and SPOOLD_
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jdziat/simple-mail-spool/pkg/core"
	"github.com/jdziat/simple-mail-spool/pkg/mailet"
	"github.com/jdziat/simple-mail-spool/pkg/matcher"
	"github.com/jdziat/simple-mail-spool/pkg/pipeline"
)

// EnvPrefix prefixes environment overrides, e.g. SPOOLD_WORKERS_THREADS for
// workers.threads.
const EnvPrefix = "SPOOLD"

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverMemory   = "memory"
)

// Config is the complete spoold configuration.
type Config struct {
	Spool       SpoolConfig                     `mapstructure:"spool"`
	Workers     WorkersConfig                   `mapstructure:"workers"`
	Logging     LoggingConfig                   `mapstructure:"logging"`
	Maintenance MaintenanceConfig               `mapstructure:"maintenance"`
	Delivery    DeliveryConfig                  `mapstructure:"delivery"`
	Processors  map[string][]pipeline.StageSpec `mapstructure:"processors"`
}

// SpoolConfig selects and tunes the spool store.
type SpoolConfig struct {
	Driver     string        `mapstructure:"driver"`
	DSN        string        `mapstructure:"dsn"`
	Dir        string        `mapstructure:"dir"`
	FIFO       bool          `mapstructure:"fifo"`
	CacheKeys  bool          `mapstructure:"cache_keys"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
}

// WorkersConfig sizes the worker pool.
type WorkersConfig struct {
	Threads int    `mapstructure:"threads"`
	ID      string `mapstructure:"id"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MaintenanceConfig schedules housekeeping. An empty schedule disables it.
type MaintenanceConfig struct {
	Schedule string `mapstructure:"schedule"`
}

// DeliveryConfig holds the collaborators handed to mailets.
type DeliveryConfig struct {
	LocalDomains []string `mapstructure:"local_domains"`
	Smarthost    string   `mapstructure:"smarthost"`
	Helo         string   `mapstructure:"helo"`
	Postmaster   string   `mapstructure:"postmaster"`
	Username     string   `mapstructure:"username"`
	Password     string   `mapstructure:"password"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Spool: SpoolConfig{
			Driver:     DriverSQLite,
			DSN:        "spool.db",
			Dir:        "spool",
			FIFO:       true,
			CacheKeys:  true,
			RetryDelay: 5 * time.Minute,
		},
		Workers: WorkersConfig{
			Threads: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Maintenance: MaintenanceConfig{
			Schedule: "@every 1m",
		},
		Delivery: DeliveryConfig{
			LocalDomains: []string{"localhost"},
			Smarthost:    "localhost:25",
			Helo:         "localhost",
			Postmaster:   "postmaster@localhost",
		},
	}
}

// DefaultProcessors delivers local recipients, relays the rest and bounces
// failures.
func DefaultProcessors() map[string][]pipeline.StageSpec {
	return map[string][]pipeline.StageSpec{
		core.StateDefault: {
			{Match: matcher.HostIsLocal, Mailet: mailet.LocalDelivery},
			{Match: matcher.All, Mailet: mailet.Relay},
		},
		core.StateError: {
			{Match: matcher.All, Mailet: mailet.Bounce},
		},
	}
}

// SetDefaults registers every default on v so environment overrides apply
// even when the key is absent from the file.
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	v.SetDefault("spool.driver", defaults.Spool.Driver)
	v.SetDefault("spool.dsn", defaults.Spool.DSN)
	v.SetDefault("spool.dir", defaults.Spool.Dir)
	v.SetDefault("spool.fifo", defaults.Spool.FIFO)
	v.SetDefault("spool.cache_keys", defaults.Spool.CacheKeys)
	v.SetDefault("spool.retry_delay", defaults.Spool.RetryDelay)
	v.SetDefault("spool.lock_ttl", defaults.Spool.LockTTL)

	v.SetDefault("workers.threads", defaults.Workers.Threads)
	v.SetDefault("workers.id", defaults.Workers.ID)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.format", defaults.Logging.Format)

	v.SetDefault("maintenance.schedule", defaults.Maintenance.Schedule)

	v.SetDefault("delivery.local_domains", defaults.Delivery.LocalDomains)
	v.SetDefault("delivery.smarthost", defaults.Delivery.Smarthost)
	v.SetDefault("delivery.helo", defaults.Delivery.Helo)
	v.SetDefault("delivery.postmaster", defaults.Delivery.Postmaster)
	v.SetDefault("delivery.username", defaults.Delivery.Username)
	v.SetDefault("delivery.password", defaults.Delivery.Password)
}

// New returns a viper instance with defaults and environment overrides
// registered. When path is set the file is read and must exist; otherwise
// spoold.yaml is looked up in the working directory and /etc/spoold.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		return v, nil
	}

	v.SetConfigName("spoold")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/spoold")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	return v, nil
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(cfg.Processors) == 0 {
		cfg.Processors = DefaultProcessors()
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Logger builds the slog logger described by the logging section.
func (c LoggingConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(c.Level)}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
