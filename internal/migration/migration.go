package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

const (
	migrationsDir = "migrations"
	// kept apart from other services sharing the database
	migrationsTable = "insurecard_schema_migrations"
)

var ErrDirtySchema = errors.New("schema is dirty, a previous migration failed halfway")

// Result reports where the schema ended up.
type Result struct {
	Version uint
	Changed bool
}

// RunMigrations applies the issuance schema: requests, card records, alerts
// and the audit trail. A dirty schema is refused rather than forced.
func RunMigrations(db *sql.DB) (Result, error) {
	if db == nil {
		return Result{}, errors.New("migration database handle is required")
	}

	migrator, err := newMigrator(db)
	if err != nil {
		return Result{}, err
	}
	// migrator.Close would close the shared *sql.DB

	if _, dirty, err := migrator.Version(); err == nil && dirty {
		return Result{}, ErrDirtySchema
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return Result{}, fmt.Errorf("apply migrations: %w", upErr)
	}

	version, _, err := migrator.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return Result{}, fmt.Errorf("read schema version: %w", err)
	}
	return Result{Version: version, Changed: upErr == nil}, nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("open migrations: %w", err)
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return nil, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return nil, fmt.Errorf("create migration driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("create migrator: %w", err)
	}
	return migrator, nil
}
