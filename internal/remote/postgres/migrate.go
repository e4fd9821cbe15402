package postgres

import (
	"embed"
	"fmt"

	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"fintrack/internal/schema"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations creates or upgrades the budgets and expenses tables. The
// migrator gets its own handle since it closes it when done.
func RunMigrations(databaseURL string) error {
	config, err := pgx.ParseConfig(NormalizeURL(databaseURL))
	if err != nil {
		return fmt.Errorf("parse database URL: %w", err)
	}
	db := stdlib.OpenDB(*config)
	defer db.Close()

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("pgx migrate driver: %w", err)
	}
	_, err = schema.Up(migrationsFS, "migrations", "pgx5", driver)
	return err
}
