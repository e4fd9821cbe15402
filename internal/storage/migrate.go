package storage

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4/database/sqlite"

	"fintrack/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations brings the mirror table in the SQLite file at dbPath up to
// date. The migrator gets its own handle since it closes it when done.
func RunMigrations(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open %s for migration: %w", dbPath, err)
	}
	defer db.Close()

	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("sqlite migrate driver: %w", err)
	}
	_, err = schema.Up(migrationsFS, "migrations", "sqlite", driver)
	return err
}
