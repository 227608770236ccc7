package statestore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// runMigrations creates the schema_migrations bookkeeping table and applies
// every migration above the recorded version inside its own transaction.
func runMigrations(ctx context.Context, logger *slog.Logger, db *sql.DB, migrations map[int]string) error {
	logger.InfoContext(ctx, "Starting state store migrations")

	createSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var current int
	if err := db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to query current schema version: %w", err)
	}

	for version := current + 1; ; version++ {
		migration, ok := migrations[version]
		if !ok {
			break
		}

		logger.InfoContext(ctx, "Applying migration", "version", version)

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, migration); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to execute migration %d: %w", version, err)
		}

		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}

	logger.InfoContext(ctx, "State store migrations completed")

	return nil
}
