// Package db manages the Postgres persistence layer: connection setup and
// embedded schema migrations for the audit, workflow, vault, approval, and
// alert collections.
package db

import (
	"database/sql"
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	handle, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.WrapE(types.KindTransient, "db.open", err)
	}
	if err := handle.Ping(); err != nil {
		handle.Close()
		return nil, types.WrapE(types.KindTransient, "db.open", err)
	}
	return handle, nil
}

// MigrationRunner applies the embedded schema migrations.
type MigrationRunner struct {
	migrate *migrate.Migrate
	logger  *zap.Logger
}

// NewMigrationRunner creates a runner over an existing database handle.
func NewMigrationRunner(handle *sql.DB, logger *zap.Logger) (*MigrationRunner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	driver, err := postgres.WithInstance(handle, &postgres.Config{})
	if err != nil {
		return nil, types.WrapE(types.KindIntegrity, "db.migrate", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, types.WrapE(types.KindIntegrity, "db.migrate", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, types.WrapE(types.KindIntegrity, "db.migrate", err)
	}

	return &MigrationRunner{migrate: m, logger: logger}, nil
}

// Up applies all pending migrations.
func (r *MigrationRunner) Up() error {
	err := r.migrate.Up()
	if err != nil && err != migrate.ErrNoChange {
		return types.WrapE(types.KindIntegrity, "db.migrate", err)
	}
	if err == migrate.ErrNoChange {
		r.logger.Info("schema already current")
		return nil
	}

	version, dirty, verr := r.migrate.Version()
	if verr != nil {
		return types.WrapE(types.KindIntegrity, "db.migrate", verr)
	}
	if dirty {
		return types.E(types.KindIntegrity, "db.migrate", "schema dirty at version %d", version)
	}
	r.logger.Info("migrations applied", zap.Uint("version", version))
	return nil
}

// Down rolls back one migration.
func (r *MigrationRunner) Down() error {
	err := r.migrate.Steps(-1)
	if err != nil && err != migrate.ErrNoChange {
		return types.WrapE(types.KindIntegrity, "db.migrate", err)
	}
	return nil
}

// Version reports the current schema version. A fresh database reports
// version zero.
func (r *MigrationRunner) Version() (uint, bool, error) {
	version, dirty, err := r.migrate.Version()
	if err == migrate.ErrNilVersion {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, types.WrapE(types.KindIntegrity, "db.migrate", err)
	}
	return version, dirty, nil
}

// Close releases the migration source. The caller owns the database handle.
func (r *MigrationRunner) Close() error {
	serr, derr := r.migrate.Close()
	if serr != nil {
		return serr
	}
	return derr
}
