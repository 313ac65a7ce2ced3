package db

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	// Necessary for migrating
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// MigrationStatus is the migration version number plus dirtyness
type MigrationStatus struct {
	Dirty   bool
	Version uint
}

func (d *DB) getMigrate() (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(d.DB.DB, &postgres.Config{})
	if err != nil {
		return nil, err
	}
	return migrate.NewWithDatabaseInstance(d.MigrationsPath, "postgres", driver)
}

// Status returns the migration version number and dirtyness
func (d *DB) Status() (MigrationStatus, error) {
	m, err := d.getMigrate()
	if err != nil {
		return MigrationStatus{}, err
	}

	version, dirty, err := m.Version()
	if err != nil {
		// ErrNilVersion indicates no migrations have been applied at all
		if errors.Is(err, migrate.ErrNilVersion) {
			return MigrationStatus{Dirty: false, Version: 0}, nil
		}
		return MigrationStatus{}, fmt.Errorf("could not get migration version: %w", err)
	}
	return MigrationStatus{Dirty: dirty, Version: version}, nil
}

// MigrateUp migrates everything up
func (d *DB) MigrateUp() error {
	log.WithField("migrationsPath", d.MigrationsPath).Info("Migrating up")
	m, err := d.getMigrate()
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			log.Info("No migrations applied")
			return nil
		}
		return fmt.Errorf("could not migrate up: %w", err)
	}

	log.Info("Succesfully migrated up")
	return nil
}

// MigrateDown migrates down the given number of steps
func (d *DB) MigrateDown(steps int) error {
	m, err := d.getMigrate()
	if err != nil {
		return err
	}
	return m.Steps(-steps)
}

// Drop drops the existing database schema, removing all data
func (d *DB) Drop() error {
	m, err := d.getMigrate()
	if err != nil {
		return err
	}
	return m.Drop()
}
