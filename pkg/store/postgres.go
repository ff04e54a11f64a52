package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"embed"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver for migrations
)

//go:embed migrations
var migrationsFS embed.FS

const (
	txMaxAttempts   = 5
	txRetryBaseWait = 100 * time.Millisecond
	txRetryMaxWait  = 2 * time.Second
)

// Postgres is the production Store backed by PostgreSQL via pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url, applies pending
// migrations, and returns a ready store.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if err := runMigrations(url); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// runMigrations applies the embedded SQL migrations through a short-lived
// database/sql connection. Migration files are embedded so production
// binaries carry their own schema.
func runMigrations(url string) error {
	db, err := stdsql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() { _ = db.Close() }()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("creating migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "dispatch", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return source.Close()
}

// Tx implements Store. Transient failures (connection drops,
// serialization aborts) retry the whole closure with backoff until the
// context deadline; callers therefore re-read inside the closure rather
// than closing over pre-read rows.
func (p *Postgres) Tx(ctx context.Context, fn func(tx Tx) error) error {
	wait := txRetryBaseWait
	var lastErr error
	for attempt := 1; attempt <= txMaxAttempts; attempt++ {
		err := p.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
		slog.Warn("Transient store error, retrying transaction",
			"attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
		case <-time.After(wait):
		}
		wait *= 2
		if wait > txRetryMaxWait {
			wait = txRetryMaxWait
		}
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (p *Postgres) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Ping implements Store.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() {
	p.pool.Close()
}

// isTransient reports whether the error is worth retrying: connection
// failures and serialization/deadlock aborts.
func isTransient(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P03":
			return true
		}
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
	}
	return false
}

// pgTx implements Tx on a pgx transaction.
type pgTx struct {
	tx pgx.Tx
}

// isUniqueViolation reports whether err is a primary key / unique
// constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
