// Package storage holds the client-side record store: the local replica the
// sync engine reads from and applies server deltas to. The Driver interface
// is the storage-agnostic boundary; SQLiteStore is the shipped implementation.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/objectql/sync/internal/client/migrations"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// OpenDatabase opens (or creates) the client SQLite database and brings its
// schema up to date.
func OpenDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, fmt.Errorf("failed to set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}

	return db, nil
}
