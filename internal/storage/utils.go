package storage

import (
	"github.com/ignatij/trojanwalker/pkg/storage"
	"github.com/pkg/errors"
)

const DriverMemory = "memory"

// InitStore opens the store for driver, applying migrations first when
// migrateUp is set.
func InitStore(driver, dsn string, migrateUp bool) (storage.Store, error) {
	if driver == DriverMemory {
		return storage.NewMemoryStore(), nil
	}
	if migrateUp {
		if err := Migrate(driver, dsn); err != nil {
			return nil, errors.Wrap(err, "apply migrations")
		}
	}
	store, err := NewSQLStore(driver, dsn)
	if err != nil {
		return nil, err
	}
	return store, nil
}
