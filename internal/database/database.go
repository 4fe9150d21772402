package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	defaultPingAttempts = 30
	defaultPingInterval = 2 * time.Second
)

// Connect opens a Postgres pool and waits until the server answers.
func Connect(ctx context.Context, dsn string, logger *logrus.Logger) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := WaitForReady(ctx, db, defaultPingAttempts, defaultPingInterval, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Pinger is the part of *sqlx.DB that WaitForReady needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

func WaitForReady(ctx context.Context, db Pinger, attempts int, interval time.Duration, logger *logrus.Logger) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return nil
		}

		logger.WithFields(logrus.Fields{
			"attempt": i + 1,
			"error":   err.Error(),
		}).Info("Waiting for database...")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
	return errors.Wrapf(err, "database not ready after %d attempts", attempts)
}
