// Package schema applies embedded SQL migrations with golang-migrate.
package schema

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Up applies every pending migration found under dir in fsys through driver
// and returns the resulting schema version. driverName labels the database
// in migrate's errors. The driver, and the database handle behind it, are
// closed on return, so callers hand over a dedicated connection.
func Up(fsys fs.FS, dir, driverName string, driver database.Driver) (uint, error) {
	src, err := iofs.New(fsys, dir)
	if err != nil {
		_ = driver.Close()
		return 0, fmt.Errorf("open %s migrations: %w", driverName, err)
	}

	m, err := migrate.NewWithInstance("iofs", src, driverName, driver)
	if err != nil {
		_ = driver.Close()
		return 0, fmt.Errorf("create %s migrator: %w", driverName, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("migrate %s: %w", driverName, err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read %s schema version: %w", driverName, err)
	case dirty:
		return version, fmt.Errorf("%s schema version %d is dirty", driverName, version)
	}
	return version, nil
}
