// Package config loads the deployment configuration selecting the storage
// engine and its tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver names accepted in the storage section.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config is the top-level configuration document.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig selects and tunes the storage engine.
type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path locates the database file (sqlite) or directory (badger).
	Path string `yaml:"path"`
	// DSN is the postgres connection string. When empty it falls back to
	// the CHATCACHE_POSTGRES_DSN and DATABASE_URL environment variables.
	DSN string `yaml:"dsn"`

	BusyTimeout time.Duration `yaml:"busy_timeout"`
	CacheKiB    int           `yaml:"cache_kib"`

	Pool PoolConfig `yaml:"pool"`
}

// PoolConfig tunes the postgres connection pool.
type PoolConfig struct {
	MaxConnections      int32         `yaml:"max_connections"`
	MinConnections      int32         `yaml:"min_connections"`
	MaxConnLifetime     time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime     time.Duration `yaml:"max_conn_idle_time"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	AcquireTimeout      time.Duration `yaml:"acquire_timeout"`
	ApplicationName     string        `yaml:"application_name"`
}

// LoggingConfig mirrors the logging package configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Storage.Driver == DriverPostgres && strings.TrimSpace(c.Storage.DSN) == "" {
		if dsn := strings.TrimSpace(os.Getenv("CHATCACHE_POSTGRES_DSN")); dsn != "" {
			c.Storage.DSN = dsn
		} else if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
			c.Storage.DSN = dsn
		}
	}
}

func (c Config) validate() error {
	switch c.Storage.Driver {
	case DriverSQLite, DriverBadger:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage driver %q requires a path", c.Storage.Driver)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage driver %q requires a dsn", c.Storage.Driver)
		}
	case "":
		return fmt.Errorf("storage driver is required")
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
