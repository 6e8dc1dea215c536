// Package db defines the single-connection abstraction held by the
// connection pool and the two backends that produce it: PostgreSQL through
// pgx for production and SQLite for development and tests.
package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ljn0099/picoWeatherCollector/internal/config"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing.
var ErrNoRows = errors.New("db: no rows in result set")

// Row is the result of QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the result of Query. Close must be called; Err reports the
// error that ended iteration, if any.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Conn is one dedicated database connection. A Conn is not safe for
// concurrent use; the pool hands each one to a single goroutine at a time.
type Conn interface {
	// Exec runs a statement and reports the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Opener opens a new connection. The pool calls it once per slot.
type Opener func(ctx context.Context) (Conn, error)

// Backend bundles the opener and SQL dialect of one configured database.
type Backend struct {
	Dialect Dialect
	Open    Opener

	close func() error
}

// Close releases backend-wide resources. Connections handed out by Open
// must be closed first.
func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// OpenBackend selects the backend named by cfg.DBDriver.
func OpenBackend(cfg config.Config, logger *slog.Logger) (*Backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return NewPostgresBackend(cfg.PostgresURL()), nil
	case config.DriverSQLite:
		return NewSQLiteBackend(cfg.SQLitePath, cfg.DBMaxConns, logger)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", cfg.DBDriver)
	}
}
