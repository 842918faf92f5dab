package runs

import (
	"context"
	"strings"
)

// NewStore picks a backend from dsn: empty keeps runs in memory,
// postgres:// and postgresql:// URLs (or key=value DSNs) use PostgreSQL, and
// anything else is a SQLite path, optionally prefixed with "sqlite:".
func NewStore(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case isPostgresDSN(dsn):
		return NewPostgresStore(ctx, dsn)
	default:
		return NewSQLiteStore(ctx, strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "sqlite:"))
	}
}

func isPostgresDSN(dsn string) bool {
	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return true
	}
	return strings.Contains(dsn, "=") && strings.Contains(dsn, " ") && !strings.HasPrefix(lower, "file:")
}
