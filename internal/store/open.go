package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	pingAttempts = 30
	pingInterval = 2 * time.Second
)

// Open returns the store named by kind. For "postgres" it waits for the
// database to answer and creates the tables; the returned close func must be
// called on shutdown.
func Open(ctx context.Context, kind, dsn string, logger *logrus.Logger) (Store, func() error, error) {
	if kind == "memory" {
		logger.Warn("Using in-memory store, data will not survive a restart")
		return NewMemoryStore(), func() error { return nil }, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < pingAttempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			break
		}
		logger.Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, nil, ctx.Err()
		case <-time.After(pingInterval):
		}
	}
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("database never became reachable: %w", err)
	}

	if err := CreateTables(ctx, db); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return NewPostgresStore(db), db.Close, nil
}
