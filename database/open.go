package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects driver-specific SQL details.
type Dialect string

const (
	// Postgres is used for postgres:// and postgresql:// DSNs.
	Postgres Dialect = "postgres"
	// SQLite is used for every other DSN, interpreted as a sqlite path or URI.
	SQLite Dialect = "sqlite"
)

// DialectFor returns the dialect implied by dsn.
func DialectFor(dsn string) Dialect {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return Postgres
	}
	return SQLite
}

// Open connects to the journal database named by dsn and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, Dialect, error) {
	var dialect = DialectFor(dsn)

	var driverName, source = "postgres", dsn
	if dialect == SQLite {
		driverName = "sqlite"
		source = strings.TrimPrefix(dsn, "sqlite://")
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open journal database: %w", err)
	}

	if dialect == SQLite {
		// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	var pingCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("failed to ping journal database: %w", err)
	}

	return db, dialect, nil
}
