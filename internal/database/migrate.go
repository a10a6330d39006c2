package database

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/logging"
)

// MigrationsTable records the applied schema version
const MigrationsTable = "schema_migrations"

// Migrator applies the schema migrations in a directory
type Migrator struct {
	migrate *migrate.Migrate
}

// MigrationStatus describes the schema version
type MigrationStatus struct {
	Version uint `json:"version"`
	Dirty   bool `json:"dirty"`
}

// migrateLogger forwards golang-migrate progress to the service logger
type migrateLogger struct {
	logger *logging.Logger
}

func (l migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.WithComponent("migrate").Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }

// sourceURL turns a migrations directory into a file:// source URL
func sourceURL(dir string) (string, error) {
	if dir == "" {
		dir = "migrations"
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

// migrationDSN adds the migrate driver parameters to the connection URL
func migrationDSN(cfg *config.DatabaseConfig) string {
	u, _ := url.Parse(DSN(cfg))
	query := u.Query()
	query.Set("x-migrations-table", MigrationsTable)
	u.RawQuery = query.Encode()
	return u.String()
}

// NewMigrator connects to the database in cfg and loads the migrations
// found under cfg.MigrationsPath
func NewMigrator(cfg *config.DatabaseConfig) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("database configuration is required")
	}

	source, err := sourceURL(cfg.MigrationsPath)
	if err != nil {
		return nil, errors.NewValidationError("invalid migrations path").WithCause(err)
	}

	m, err := migrate.New(source, migrationDSN(cfg))
	if err != nil {
		return nil, errors.NewUnavailableError("postgres", "failed to initialize migrations").WithCause(err)
	}
	m.Log = migrateLogger{logger: logging.GetLogger()}
	return &Migrator{migrate: m}, nil
}

// Close releases the source and database handles
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.migrate.Close()
	return stderrors.Join(sourceErr, dbErr)
}

// Up applies every pending migration
func (m *Migrator) Up() error {
	return m.apply("up", m.migrate.Up)
}

// Down reverts every applied migration
func (m *Migrator) Down() error {
	return m.apply("down", m.migrate.Down)
}

// Steps applies n migrations forward, or -n backward when n is negative
func (m *Migrator) Steps(n int) error {
	return m.apply(fmt.Sprintf("steps %d", n), func() error { return m.migrate.Steps(n) })
}

// Force records version as applied and clears the dirty flag without running
// any migration
func (m *Migrator) Force(version int) error {
	return m.apply(fmt.Sprintf("force %d", version), func() error { return m.migrate.Force(version) })
}

// Status returns the current schema version. An empty database reports
// version 0.
func (m *Migrator) Status() (MigrationStatus, error) {
	version, dirty, err := m.migrate.Version()
	switch {
	case stderrors.Is(err, migrate.ErrNilVersion):
		return MigrationStatus{}, nil
	case err != nil:
		return MigrationStatus{}, errors.NewInternalError("failed to read schema version").WithCause(err)
	}
	return MigrationStatus{Version: version, Dirty: dirty}, nil
}

// apply runs fn and treats "no change" as success
func (m *Migrator) apply(op string, fn func() error) error {
	err := fn()
	if err == nil || stderrors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return errors.NewInternalError("migration "+op+" failed").WithCause(err).WithDetail("operation", op)
}
