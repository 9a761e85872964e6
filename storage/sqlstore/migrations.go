package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations
var embedMigrations embed.FS

// runMigrations applies pending migrations for the dialect
func runMigrations(ctx context.Context, db *sql.DB, dialect Dialect) error {
	var gooseDialect database.Dialect
	switch dialect {
	case DialectSQLite:
		gooseDialect = database.DialectSQLite3
	case DialectPostgres:
		gooseDialect = database.DialectPostgres
	default:
		return fmt.Errorf("unsupported dialect %q", dialect)
	}

	migrationFS, err := fs.Sub(embedMigrations, "migrations/"+string(dialect))
	if err != nil {
		return fmt.Errorf("failed to create sub filesystem: %w", err)
	}

	provider, err := goose.NewProvider(gooseDialect, db, migrationFS)
	if err != nil {
		return fmt.Errorf("failed to create goose provider: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
