// Package migrator applies the audit store schema on startup.
// Migrations are embedded and executed in version order with the
// golang-migrate library; running against an un-migrated store is fatal.
package migrator

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/vk-rv/scrambridge/internal/stdlog"
	"github.com/vk-rv/scrambridge/migrations"
)

// expectedVersion is the schema version this build requires.
const expectedVersion uint = 1

// Migrator is responsible for migrating the audit store schema.
type Migrator struct {
	migrator *migrate.Migrate
	logger   *slog.Logger
}

// NewMigrator creates a new Migrator over an already-open store handle.
func NewMigrator(db *sql.DB, logger *slog.Logger) (*Migrator, error) {
	const sqliteDriver = "sqlite"

	dr, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrator: sqlite with instance: %w", err)
	}

	sourceDriver, err := iofs.New(migrations.FS, sqliteDriver)
	if err != nil {
		return nil, fmt.Errorf("migrator: creating iofs source driver: %w", err)
	}

	mm, err := migrate.NewWithInstance("iofs", sourceDriver, sqliteDriver, dr)
	if err != nil {
		return nil, fmt.Errorf("migrator: creating migrate instance: %w", err)
	}
	mm.Log = stdlog.NewMigrateLogger(logger, false)

	return &Migrator{
		migrator: mm,
		logger:   logger,
	}, nil
}

// Close closes the migration source. The store handle stays open: it is
// owned by the caller.
func (m *Migrator) Close() (source, db error) {
	return m.migrator.Close()
}

// Up runs any pending migrations.
// If canAutoMigrate is false and there are pending migrations, an error is
// returned for manual safety.
func (m *Migrator) Up(canAutoMigrate bool) error {
	currentVersion, _, err := m.migrator.Version()
	if err != nil {
		if !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("migrator: getting current migrations version: %w", err)
		}

		m.logger.Info("migrator: first run, running migrations...")

		// if first run then it's safe to migrate
		if err := m.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}

		m.logger.Info("migrator: migrations complete")

		return nil
	}

	if currentVersion < expectedVersion {
		if !canAutoMigrate {
			return errors.New(`migrator: migrations pending,
				please set FORCE_MIGRATE to true
				or backup your database and run migrations manually`)
		}

		m.logger.Info("migrator: current migration",
			slog.Uint64("current_version", uint64(currentVersion)),
			slog.Uint64("expected_version", uint64(expectedVersion)))

		m.logger.Info("migrator: running migrations...")

		if err := m.migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("running migrations: %w", err)
		}

		m.logger.Info("migrator: migrations complete")

		return nil
	}

	m.logger.Info("migrator: migrations up to date")

	return nil
}

// Drop drops every table of the audit store.
func (m *Migrator) Drop() error {
	m.logger.Debug("migrator: running drop ...")

	if err := m.migrator.Drop(); err != nil {
		return fmt.Errorf("migrator dropping: %w", err)
	}

	m.logger.Debug("migrator: drop complete")

	return nil
}
