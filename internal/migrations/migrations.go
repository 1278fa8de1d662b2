// Package migrations embeds the SQL schema for the ingest queue, the
// calibration registry and the perf table, and applies it with
// golang-migrate at startup.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed *.sql
var schemaFS embed.FS

// Apply brings the schema up to date. With auto false the schema is left
// untouched and only the current version is reported, so operators can run
// migrations out of band.
func Apply(db *sql.DB, auto bool) error {
	m, err := newMigrator(db)
	if err != nil {
		return err
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if dirty {
		// An interrupted run leaves the version flagged dirty. The schema
		// ships as one baseline migration, so forcing back to the recorded
		// version is safe and lets the next Up re-apply it.
		slog.Warn("[Migrations] Schema version is dirty, forcing recovery", "version", version)
		if err := m.Force(int(version)); err != nil {
			return fmt.Errorf("failed to clear dirty schema version %d: %w", version, err)
		}
	}

	if !auto {
		slog.Info("[Migrations] Auto-migration disabled", "version", version)
		return nil
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			slog.Info("[Migrations] Schema up to date", "version", version)
			return nil
		}
		return fmt.Errorf("failed to apply schema migrations: %w", err)
	}

	applied, _, err := m.Version()
	if err != nil {
		return fmt.Errorf("failed to read schema version after migration: %w", err)
	}
	slog.Info("[Migrations] Schema migrated", "from", version, "to", applied)
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(schemaFS, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded schema: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to build migrator: %w", err)
	}
	return m, nil
}
