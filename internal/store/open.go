package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend string      `yaml:"backend"`
	Path    string      `yaml:"path"` // sqlite file or badger directory
	DSN     string      `yaml:"dsn"`  // postgres connection string
	Redis   RedisConfig `yaml:"redis"`
}

// Open builds the backend named by cfg.Backend and prepares it for use
// (migrations for SQL backends, a ping for network backends).
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(logger), nil
	case BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = ":memory:"
		}
		st, err := NewSQLiteStore(path, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate sqlite: %w", err)
		}
		return st, nil
	case BackendPostgres:
		st, err := NewPostgresStore(ctx, cfg.DSN, logger)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
		return st, nil
	case BackendBadger:
		return NewBadgerStore(cfg.Path, logger)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.Redis, logger)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
