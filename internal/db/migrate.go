package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"sort"

	"birthdaygreeter/internal/types"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrate applies every embedded migration that is not yet recorded in
// schema_migrations, in filename order. Each file runs once.
func Migrate(ctx context.Context, db DBTX, logger types.Logger) error {
	if _, err := db.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (
		   version    TEXT PRIMARY KEY,
		   applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		 )`,
	); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create schema_migrations", err)
	}

	names, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("listing migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		tag, err := db.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT (version) DO NOTHING`,
			name,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to record migration "+name, err)
		}
		if tag.RowsAffected() == 0 {
			continue
		}

		body, err := migrationFiles.ReadFile(name)
		if err != nil {
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if _, err := db.Exec(ctx, string(body)); err != nil {
			// Un-record so the next run retries the file.
			_, _ = db.Exec(ctx, `DELETE FROM schema_migrations WHERE version = $1`, name)
			return types.NewAppError(types.ErrCodeInternalDB, "failed to apply migration "+name, err)
		}
		logger.Info("applied migration", "version", name)
	}
	return nil
}
