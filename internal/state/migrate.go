package state

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

const blobMigrationsPath = "migrations/blobs"

//go:embed migrations/blobs/*.sql
var migrationsFS embed.FS

// MigrateBlobDB applies blob-store schema migrations.
func MigrateBlobDB(db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("migrate %s: nil db", blobMigrationsPath)
	}

	sourceDriver, err := iofs.New(migrationsFS, blobMigrationsPath)
	if err != nil {
		return fmt.Errorf("migrate %s: init source: %w", blobMigrationsPath, err)
	}

	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migrate %s: init db driver: %w", blobMigrationsPath, err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("migrate %s: init migrator: %w", blobMigrationsPath, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate %s: up: %w", blobMigrationsPath, err)
	}
	return nil
}
