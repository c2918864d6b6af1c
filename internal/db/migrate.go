package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/turntable.report/internal/monitoring"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func migrationSource() (source.Driver, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return src, nil
}

// run hands fn a migrator bound to db. The migrator is never closed since
// that would close db's connection.
func (db *DB) run(fn func(m *migrate.Migrate) error) error {
	src, err := migrationSource()
	if err != nil {
		return err
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return fn(m)
}

// MigrateUp applies pending migrations. Being current is not an error.
func (db *DB) MigrateUp() error {
	return db.run(func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration up failed: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back one migration.
func (db *DB) MigrateDown() error {
	return db.run(func(m *migrate.Migrate) error {
		if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("migration down failed: %w", err)
		}
		return nil
	})
}

// MigrateVersion reports the applied schema version, 0 for an empty DB.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	err = db.run(func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			return nil
		}
		return verr
	})
	return version, dirty, err
}

// MigrateForce sets the recorded version without running anything. It is
// for clearing a dirty state by hand.
func (db *DB) MigrateForce(version int) error {
	return db.run(func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force migration to version %d failed: %w", version, err)
		}
		return nil
	})
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+strings.TrimSuffix(format, "\n"), v...)
}

func (migrateLogger) Verbose() bool { return false }

// LatestMigrationVersion walks the embedded migrations to the last one.
func LatestMigrationVersion() (uint, error) {
	src, err := migrationSource()
	if err != nil {
		return 0, err
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return 0, fmt.Errorf("no migration files found: %w", err)
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read migrations: %w", err)
		}
		v = next
	}
}
