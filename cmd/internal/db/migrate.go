package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// ErrNoChange is returned by Migrate when the schema is already at the target version.
var ErrNoChange = migrate.ErrNoChange

var (
	// ErrMissingDSN is returned when no database URL was supplied.
	ErrMissingDSN = errors.New("database url is not set (VIGIL_DATABASE_URL)")
	// ErrDirection is returned for a direction other than up or down.
	ErrDirection = errors.New("direction must be up or down")
)

// Migrate applies the embedded migrations in direction ("up" or "down").
// Reaching the target version with nothing to do is not an error.
func Migrate(dsn, direction string) error {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return ErrMissingDSN
	}
	if direction != "up" && direction != "down" {
		return fmt.Errorf("%w, got %q", ErrDirection, direction)
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if direction == "up" {
		err = m.Up()
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// Version reports the applied schema version and whether it is dirty.
func Version(dsn string) (uint, bool, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return 0, false, ErrMissingDSN
	}

	src, err := iofs.New(MigrationFS, "migrations")
	if err != nil {
		return 0, false, fmt.Errorf("migrate source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dsn)
	if err != nil {
		return 0, false, fmt.Errorf("migrate: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}
