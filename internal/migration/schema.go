package migration

import (
	"embed"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SchemaMigrator applies the embedded SQL migrations to a Postgres database.
type SchemaMigrator struct {
	m      *migrate.Migrate
	logger *logrus.Logger
}

func NewSchemaMigrator(db *sqlx.DB, logger *logrus.Logger) (*SchemaMigrator, error) {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open embedded migrations")
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migration driver")
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create migrator")
	}

	return &SchemaMigrator{m: m, logger: logger}, nil
}

func (sm *SchemaMigrator) Up() error {
	if err := sm.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to apply migrations")
	}
	sm.logVersion("Schema is up to date")
	return nil
}

// Down reverts the given number of migrations.
func (sm *SchemaMigrator) Down(steps int) error {
	if steps <= 0 {
		return errors.New("steps must be positive")
	}
	if err := sm.m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "failed to revert migrations")
	}
	sm.logVersion("Migrations reverted")
	return nil
}

func (sm *SchemaMigrator) Version() (uint, bool, error) {
	version, dirty, err := sm.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (sm *SchemaMigrator) logVersion(msg string) {
	version, dirty, err := sm.Version()
	if err != nil {
		sm.logger.WithError(err).Warn("Failed to read schema version")
		return
	}
	sm.logger.WithFields(logrus.Fields{
		"version": version,
		"dirty":   dirty,
	}).Info(msg)
}
