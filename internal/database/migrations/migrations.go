// Package migrations embeds the SQLite schema migration files and
// applies them with golang-migrate.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// SchemaStatus reports the database's schema version against the latest
// embedded migration. current is 0 when the database has never been
// migrated. dirty means a previous migration was interrupted and the
// schema needs manual recovery; applying further migrations to a dirty
// database is unsafe.
func SchemaStatus(db *sql.DB) (current, latest uint, dirty bool, err error) {
	m, err := newMigrate(db)
	if err != nil {
		return 0, 0, false, err
	}

	current, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		current, dirty, err = 0, false, nil
	}
	if err != nil {
		return 0, 0, false, fmt.Errorf("reading schema version: %w", err)
	}

	latest, err = latestEmbeddedVersion()
	if err != nil {
		return 0, 0, false, err
	}
	return current, latest, dirty, nil
}

// MigrateUp applies all pending migrations. A database already at the
// latest version is left untouched.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// newMigrate wires the embedded source to the caller's connection. The
// instance is never closed here: closing it would close the *sql.DB,
// which the caller owns.
func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("reading embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating sqlite migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	return m, nil
}

// latestEmbeddedVersion walks the embedded source to its highest
// migration version.
func latestEmbeddedVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("reading embedded migrations: %w", err)
	}
	defer src.Close()

	version, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no embedded migrations: %w", err)
	}
	for {
		next, err := src.Next(version)
		if err != nil {
			// Next errors once no later migration exists.
			return version, nil
		}
		version = next
	}
}
