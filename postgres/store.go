// Package postgres provides a PostgreSQL checkpoint store.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	workflow "github.com/voronode/invoiceflow"
	"github.com/voronode/invoiceflow/internal/sqlstore"
	"github.com/voronode/invoiceflow/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Options configures Open.
type Options struct {
	DSN    string
	Logger *slog.Logger

	// ConnectRetries bounds how often the initial ping is retried.
	ConnectRetries int
	ConnectWait    time.Duration

	// SkipMigrations leaves the schema alone.
	SkipMigrations bool
}

// Store is a workflow.CheckpointStore on PostgreSQL.
type Store struct {
	*sqlstore.Store
}

var _ workflow.CheckpointStore = (*Store)(nil)

// New wraps an open connection whose schema is already migrated.
func New(db *sql.DB) *Store {
	return &Store{Store: sqlstore.New(db, sqlstore.Postgres)}
}

// Open connects, waits for the database to answer and applies migrations.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("postgres dsn required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.ConnectRetries == 0 {
		opts.ConnectRetries = 5
	}
	if opts.ConnectWait == 0 {
		opts.ConnectWait = 500 * time.Millisecond
	}
	logger := opts.Logger.With("store", "postgres")

	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = retry.Do(ctx, func() error {
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database ping failed", "error", err)
			return retry.NewRecoverableError(err)
		}
		return nil
	}, retry.WithMaxRetries(opts.ConnectRetries), retry.WithBaseWait(opts.ConnectWait))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect: %w", err)
	}

	if !opts.SkipMigrations {
		if err := Migrate(db); err != nil {
			db.Close()
			return nil, err
		}
		logger.Info("migrations applied")
	}
	return New(db), nil
}

// Migrate applies every pending up migration.
func Migrate(db *sql.DB) error {
	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run up migrations: %w", err)
	}
	return nil
}
