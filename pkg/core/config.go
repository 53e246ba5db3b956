package core

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported engine drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// MemoryPath selects a private in-memory SQLite database
const MemoryPath = ":memory:"

// Config represents configuration options for the store
type Config struct {
	Driver          string        `yaml:"driver"`            // "sqlite" (default) or "postgres"
	Path            string        `yaml:"path"`              // SQLite database file, or ":memory:"
	DSN             string        `yaml:"dsn"`               // Postgres connection string
	VectorDim       int           `yaml:"vector_dim"`        // Expected embedding dimension, 0 = not enforced
	MaxOpenConns    int           `yaml:"max_open_conns"`    // Pool size
	MaxIdleConns    int           `yaml:"max_idle_conns"`    // Idle connections kept
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"` // Max connection reuse time
	BusyTimeout     time.Duration `yaml:"busy_timeout"`      // SQLite lock wait
	LogLevel        string        `yaml:"log_level"`         // debug, info, warn, error
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		Path:            "agentstore.db",
		VectorDim:       0,
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 2 * time.Hour,
		BusyTimeout:     5 * time.Second,
		LogLevel:        "info",
	}
}

// LoadConfig reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	switch c.Driver {
	case DriverSQLite, "":
		if c.Path == "" {
			return fmt.Errorf("%w: database path cannot be empty", ErrInvalidConfig)
		}
	case DriverPostgres:
		if c.DSN == "" {
			return fmt.Errorf("%w: dsn is required for driver %q", ErrInvalidConfig, c.Driver)
		}
	default:
		return fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, c.Driver)
	}

	if c.VectorDim < 0 {
		return fmt.Errorf("%w: vector dimension must be non-negative", ErrInvalidConfig)
	}
	if c.MaxOpenConns < 0 || c.MaxIdleConns < 0 {
		return fmt.Errorf("%w: pool sizes cannot be negative", ErrInvalidConfig)
	}
	if c.ConnMaxLifetime < 0 || c.BusyTimeout < 0 {
		return fmt.Errorf("%w: durations cannot be negative", ErrInvalidConfig)
	}

	return nil
}

func (c Config) inMemory() bool {
	return (c.Driver == DriverSQLite || c.Driver == "") && c.Path == MemoryPath
}
