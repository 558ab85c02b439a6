package database

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
)

// RunMigrations performs all pending migrations in the given filesystem and
// reports the schema version the database ends up on.
//
// Migrations only ever move forward; a database that is already current is
// left alone. The migrator is intentionally never closed since that would
// close the caller's *sql.DB, which for an in-memory database drops the data.
func RunMigrations(dbx *sqlx.DB, fsys fs.FS, dirName, name string) (uint, error) {
	d, err := iofs.New(fsys, dirName)
	if err != nil {
		return 0, fmt.Errorf("error creating migrations source: %s", err)
	}
	i, err := sqlite.WithInstance(dbx.DB, &sqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("error creating sqlite instance for migration: %s", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", d, "sqlite", i)
	if err != nil {
		return 0, fmt.Errorf("error creating migrator: %s", err)
	}
	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("error migrating: %s", err)
	}

	version, dirty, err := migrator.Version()
	if err != nil {
		return 0, fmt.Errorf("error reading migration version: %s", err)
	}
	if dirty {
		return version, fmt.Errorf("schema %q is dirty at version %d", name, version)
	}
	slog.Debug("migrated", "schema", name, "version", version)

	return version, nil
}
