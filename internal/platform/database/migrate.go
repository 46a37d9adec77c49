package database

import (
	"embed"
	"errors"
	"fmt"
	"path"

	"github.com/golang-migrate/migrate/v4"
	migratedb "github.com/golang-migrate/migrate/v4/database"
	migratemysql "github.com/golang-migrate/migrate/v4/database/mysql"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/mysql/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Migrator applies the embedded schema migrations for the DB's dialect.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator prepares a migrator bound to db.
func NewMigrator(db *DB) (*Migrator, error) {
	if db == nil || db.db == nil {
		return nil, errors.New("database: migrator requires an open database")
	}

	source, err := iofs.New(migrationFiles, path.Join("migrations", string(db.dialect)))
	if err != nil {
		return nil, fmt.Errorf("database: load migrations: %w", err)
	}

	var driver migratedb.Driver
	switch db.dialect {
	case DialectMySQL:
		driver, err = migratemysql.WithInstance(db.db.DB, &migratemysql.Config{})
	case DialectSQLite:
		driver, err = migratesqlite.WithInstance(db.db.DB, &migratesqlite.Config{})
	default:
		err = fmt.Errorf("unsupported dialect %q", db.dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("database: migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(db.dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("database: init migrations: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. Already current schemas are not an error.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate up: %w", err)
	}
	return nil
}

// Down rolls back the given number of migrations.
func (m *Migrator) Down(steps int) error {
	if steps <= 0 {
		steps = 1
	}
	if err := m.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("database: migrate down: %w", err)
	}
	return nil
}

// Version reports the applied schema version and whether the last migration left the schema dirty.
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// Force marks version as applied without running it, clearing a dirty state.
func (m *Migrator) Force(version int) error {
	return m.m.Force(version)
}

// Close releases the migration source and driver. The driver owns db's pool, so db is closed too.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.m.Close()
	return errors.Join(sourceErr, dbErr)
}

// Migrate applies all pending migrations on db.
func Migrate(db *DB) error {
	migrator, err := NewMigrator(db)
	if err != nil {
		return err
	}
	return migrator.Up()
}
