package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLogger routes golang-migrate output through the standard
// logger with a recognizable prefix.
type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	log.Printf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// newMigrate builds a migrate instance over the embedded migration
// files and the open database handle. Callers must not Close() the
// returned instance: that would close the shared *sql.DB underneath
// the rest of the process.
func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("loading embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating sqlite migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("creating migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	return m, nil
}

// MigrateUp applies all pending migrations. Returns nil when the
// database is already at the latest version.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateTo migrates up or down to the given version.
func (db *DB) MigrateTo(version uint) error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating to version %d failed: %w", version, err)
	}
	return nil
}

// MigrateForce marks the database as being at the given version without
// running any migrations. Used to recover from a dirty state.
func (db *DB) MigrateForce(version int) error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Force(version); err != nil {
		return fmt.Errorf("forcing version %d failed: %w", version, err)
	}
	return nil
}

// MigrateVersion reports the current schema version and dirty state.
// A database with no applied migrations reports 0, false, nil.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading schema version: %w", err)
	}
	return version, dirty, nil
}

// BaselineAtVersion records the schema as already being at version
// without running migrations. Intended for adopting databases that
// predate migration tracking.
func (db *DB) BaselineAtVersion(version uint) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version uint64 NOT NULL,
		dirty bool NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}
	return db.MigrateForce(int(version))
}

// LatestMigrationVersion returns the highest version number among the
// embedded migration files.
func LatestMigrationVersion() (uint, error) {
	matches, err := fs.Glob(migrationsFS, "migrations/*.up.sql")
	if err != nil {
		return 0, fmt.Errorf("listing embedded migrations: %w", err)
	}
	if len(matches) == 0 {
		return 0, errors.New("no embedded migration files")
	}
	var latest uint
	for _, match := range matches {
		name := strings.TrimPrefix(match, "migrations/")
		var version uint
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			return 0, fmt.Errorf("unparseable migration filename %q: %w", match, err)
		}
		if version > latest {
			latest = version
		}
	}
	return latest, nil
}

// EnsureSchema verifies the database is at the latest migration
// version. When apply is true, pending migrations are run; otherwise an
// out-of-date schema is reported as an error so the operator can decide
// what to do.
func (db *DB) EnsureSchema(apply bool) error {
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("database is in a dirty migration state at version %d; inspect it and run 'pbc1109 migrate force <version>'", version)
	}
	latest, err := LatestMigrationVersion()
	if err != nil {
		return err
	}
	switch {
	case version == latest:
		return nil
	case version > latest:
		return fmt.Errorf("database schema version %d is newer than this binary's latest migration %d", version, latest)
	case !apply:
		return fmt.Errorf("database schema is out of date (version %d, latest %d); run 'pbc1109 migrate up' or start with -auto-migrate", version, latest)
	}
	log.Printf("[DB] applying pending migrations: version %d -> %d", version, latest)
	return db.MigrateUp()
}
