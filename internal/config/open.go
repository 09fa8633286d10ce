package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store"
	"github.com/brazilsinghrittik/hot-tasking-manager/internal/store/postgres"
)

// OpenBackend opens the storage backend named by the database section.
func (c *Config) OpenBackend() (store.Backend, error) {
	switch c.Database.Driver {
	case DriverPostgres:
		s, err := postgres.New(c.Database.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(c.Database.Path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		s, err := store.New(c.Database.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver: %q", c.Database.Driver)
	}
}
