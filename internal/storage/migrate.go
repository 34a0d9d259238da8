package storage

import (
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/ignatij/trojanwalker/migrations"
)

// Migrate applies every pending migration for driver. ErrNoChange is not an
// error.
func Migrate(driver, dsn string) error {
	var url string
	switch driver {
	case DriverPostgres:
		url = dsn
	case DriverSQLite:
		url = "sqlite://" + dsn
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}
	src, err := iofs.New(migrations.FS, driver)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, url)
	if err != nil {
		return fmt.Errorf("initialize migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
