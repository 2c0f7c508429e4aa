// Package config provides Viper-based configuration loading for the world server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends accepted by storage.backend.
const (
	BackendFile     = "filestore"
	BackendBadger   = "badgerstore"
	BackendPostgres = "postgres"
	BackendMemory   = "memstore"
)

// StorageConfig selects where world records and world data live.
type StorageConfig struct {
	// Backend is one of filestore, badgerstore, postgres or memstore.
	Backend string `mapstructure:"backend"`
	// Root is the directory holding one storage directory per world.
	Root string `mapstructure:"root"`
	// RecordsDir is the filestore record directory.
	RecordsDir string `mapstructure:"records_dir"`
	// BadgerDir is the badgerstore database directory.
	BadgerDir string `mapstructure:"badger_dir"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
//
// Precondition: Host, Port, User, and Name must be non-empty.
// Postcondition: Returns a valid PostgreSQL DSN string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// LifecycleConfig holds world lifecycle settings.
type LifecycleConfig struct {
	// HostTimeout bounds every call into the world host. Zero disables the bound.
	HostTimeout time.Duration `mapstructure:"host_timeout"`
	// DefaultWorld is the protected world occupants fall back to.
	DefaultWorld string `mapstructure:"default_world"`
	// Autoload brings previously active worlds back up at startup.
	Autoload bool `mapstructure:"autoload"`
	// PluginDir holds one directory of Lua scripts per generator plugin.
	PluginDir string `mapstructure:"plugin_dir"`
	// InstructionLimit bounds each plugin hook call, in Lua opcodes.
	InstructionLimit int `mapstructure:"instruction_limit"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the Prometheus scrape endpoint settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" listen address.
func (m MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the OTLP/HTTP collector "host:port".
	Endpoint string `mapstructure:"endpoint"`
	Insecure bool   `mapstructure:"insecure"`
	// SampleRatio is the fraction of root spans sampled, 0 to 1.
	SampleRatio float64 `mapstructure:"sample_ratio"`
	ServiceName string  `mapstructure:"service_name"`
}

// HealthConfig holds the gRPC health endpoint settings.
type HealthConfig struct {
	GRPCHost string `mapstructure:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// Config is the top-level application configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Lifecycle LifecycleConfig `mapstructure:"lifecycle"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Health    HealthConfig    `mapstructure:"health"`
}

// Validate checks all configuration invariants. Database settings are only
// checked when the postgres backend is selected.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string
	check := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	check(validateStorage(c.Storage))
	if c.Storage.Backend == BackendPostgres {
		check(validateDatabase(c.Database))
	}
	check(validateLifecycle(c.Lifecycle))
	check(validateLogging(c.Logging))
	if c.Metrics.Enabled {
		check(validatePort("metrics.port", c.Metrics.Port))
	}
	check(validateTracing(c.Tracing))
	check(validatePort("health.grpc_port", c.Health.GRPCPort))

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validatePort(key string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be 1-65535, got %d", key, port)
	}
	return nil
}

func validateStorage(s StorageConfig) error {
	var errs []string
	switch s.Backend {
	case BackendFile:
		if s.RecordsDir == "" {
			errs = append(errs, "storage.records_dir must not be empty for filestore")
		}
	case BackendBadger:
		if s.BadgerDir == "" {
			errs = append(errs, "storage.badger_dir must not be empty for badgerstore")
		}
	case BackendPostgres, BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be one of [filestore, badgerstore, postgres, memstore], got %q", s.Backend))
	}
	if s.Root == "" {
		errs = append(errs, "storage.root must not be empty")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLifecycle(l LifecycleConfig) error {
	var errs []string
	if l.HostTimeout < 0 {
		errs = append(errs, "lifecycle.host_timeout must not be negative")
	}
	if l.InstructionLimit < 0 {
		errs = append(errs, fmt.Sprintf("lifecycle.instruction_limit must be >= 0, got %d", l.InstructionLimit))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTracing(t TracingConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if t.Endpoint == "" {
		errs = append(errs, "tracing.endpoint must not be empty when tracing is enabled")
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_ratio must be between 0 and 1, got %g", t.SampleRatio))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with WORLDS_ prefix
	v.SetEnvPrefix("WORLDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Defaults returns a Viper instance holding only the default settings.
func Defaults() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", BackendFile)
	v.SetDefault("storage.root", "data/worlds")
	v.SetDefault("storage.records_dir", "data/records")
	v.SetDefault("storage.badger_dir", "data/badger")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "worlds")
	v.SetDefault("database.password", "worlds")
	v.SetDefault("database.name", "worlds")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("lifecycle.host_timeout", "30s")
	v.SetDefault("lifecycle.default_world", "world")
	v.SetDefault("lifecycle.autoload", true)
	v.SetDefault("lifecycle.plugin_dir", "plugins")
	v.SetDefault("lifecycle.instruction_limit", 100000)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.host", "0.0.0.0")
	v.SetDefault("metrics.port", 9100)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.insecure", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.service_name", "worldsd")

	v.SetDefault("health.grpc_host", "0.0.0.0")
	v.SetDefault("health.grpc_port", 50061)
}
