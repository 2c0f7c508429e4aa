package postgres

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/cory-johannsen/worlds/migrations"
)

// MigrationResult reports the schema version after a migration run.
type MigrationResult struct {
	Version  uint
	Dirty    bool
	NoChange bool
}

// Migrate applies the embedded schema migrations to the database at dsn.
// steps > 0 moves that many versions up, steps < 0 that many down, and
// steps == 0 migrates fully up (or fully down when down is set).
//
// Precondition: dsn must be a postgres:// URL.
// Postcondition: Returns the resulting version, or an error. ErrNoChange is not an error.
func Migrate(dsn string, steps int, down bool) (MigrationResult, error) {
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return MigrationResult{}, fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()

	switch {
	case steps != 0:
		err = m.Steps(steps)
	case down:
		err = m.Down()
	default:
		err = m.Up()
	}
	noChange := errors.Is(err, migrate.ErrNoChange)
	if err != nil && !noChange {
		return MigrationResult{}, fmt.Errorf("migration failed: %w", err)
	}

	version, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return MigrationResult{}, fmt.Errorf("reading schema version: %w", verr)
	}
	return MigrationResult{Version: version, Dirty: dirty, NoChange: noChange}, nil
}
