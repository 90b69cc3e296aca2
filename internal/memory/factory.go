package memory

import (
	"context"
	"strings"
)

type StoreConfig struct {
	DatabaseURL string
	SQLitePath  string
}

// NewStore picks postgres when DATABASE_URL is set, then sqlite, then an
// in-process store.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		return NewPostgresStore(ctx, cfg.DatabaseURL)
	}
	if strings.TrimSpace(cfg.SQLitePath) != "" {
		return NewSQLiteStore(cfg.SQLitePath)
	}
	return NewInMemoryStore(), nil
}

// Backend names the storage implementation behind a Store.
func Backend(s Store) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
