// Package config loads the tasking daemon configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/scheduler"
)

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the daemon configuration.
type Config struct {
	Database DatabaseConfig   `yaml:"database"`
	Server   ServerConfig     `yaml:"server"`
	Locks    scheduler.Config `yaml:"locks"`
	Policy   PolicyConfig     `yaml:"policy"`
	Cache    CacheConfig      `yaml:"cache"`
	Log      LogConfig        `yaml:"log"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver"`
	// Path is the SQLite database file.
	Path string `yaml:"path"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// PolicyConfig holds state machine policy switches.
type PolicyConfig struct {
	ValidateBadImagery bool `yaml:"validate_bad_imagery"`
}

// CacheConfig sizes the project summary cache.
type CacheConfig struct {
	SummaryTTL  time.Duration `yaml:"summary_ttl"`
	SummarySize int           `yaml:"summary_size"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Path   string `yaml:"path"`
	Pretty bool   `yaml:"pretty"`
}

// Dir returns the tasking data directory, ~/.tasking.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasking"
	}
	return filepath.Join(home, ".tasking")
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: DriverSQLite,
			Path:   filepath.Join(Dir(), "tasking.db"),
		},
		Server: ServerConfig{Listen: "127.0.0.1:7466"},
		Locks:  *scheduler.DefaultConfig(),
		Cache: CacheConfig{
			SummaryTTL:  30 * time.Second,
			SummarySize: 256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from a YAML file. A missing file yields
// the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromHome loads configuration from ~/.tasking/config.yaml.
func LoadConfigFromHome() (*Config, error) {
	return LoadConfig(filepath.Join(Dir(), "config.yaml"))
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unknown database driver: %q (must be sqlite or postgres)", c.Database.Driver)
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if err := c.Locks.Validate(); err != nil {
		return fmt.Errorf("locks: %w", err)
	}

	if c.Cache.SummaryTTL < 0 {
		return fmt.Errorf("cache.summary_ttl must be non-negative")
	}
	if c.Cache.SummarySize < 0 {
		return fmt.Errorf("cache.summary_size must be non-negative")
	}

	return nil
}
