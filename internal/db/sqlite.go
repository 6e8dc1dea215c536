package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// NewSQLiteBackend opens a file-backed SQLite database. Each connection
// handed out by Open pins one *sql.Conn of the shared *sql.DB, so the pool
// still owns exactly maxConns dedicated connections.
func NewSQLiteBackend(path string, maxConns int, logger *slog.Logger) (*Backend, error) {
	dsn, err := BuildSQLiteDSN(path)
	if err != nil {
		return nil, err
	}

	sqlDB := sql.OpenDB(NewTracingConnector(dsn, logger))
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	return &Backend{
		Dialect: SQLite,
		Open: func(ctx context.Context) (Conn, error) {
			conn, err := sqlDB.Conn(ctx)
			if err != nil {
				return nil, fmt.Errorf("sqlite conn: %w", err)
			}
			return &sqliteConn{conn: conn}, nil
		},
		close: sqlDB.Close,
	}, nil
}

// BuildSQLiteDSN turns a path into a go-sqlite3 DSN with foreign keys,
// a busy timeout and WAL enabled. The parent directory is created.
func BuildSQLiteDSN(path string) (string, error) {
	params := []string{
		"_foreign_keys=on",
		"_busy_timeout=5000",
		"_journal_mode=WAL",
	}

	if strings.HasPrefix(path, "file:") {
		sep := "?"
		if strings.Contains(path, "?") {
			sep = "&"
		}
		return path + sep + strings.Join(params, "&"), nil
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(params, "&")), nil
}

type sqliteConn struct {
	conn *sql.Conn
}

func (c *sqliteConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.conn.ExecContext(ctx, query, sqliteArgs(args)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *sqliteConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := c.conn.QueryContext(ctx, query, sqliteArgs(args)...)
	if err != nil {
		return nil, err
	}
	return sqliteRows{rows: rows}, nil
}

func (c *sqliteConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return sqliteRow{row: c.conn.QueryRowContext(ctx, query, sqliteArgs(args)...)}
}

func (c *sqliteConn) Ping(ctx context.Context) error {
	return c.conn.PingContext(ctx)
}

func (c *sqliteConn) Close(_ context.Context) error {
	return c.conn.Close()
}

type sqliteRow struct {
	row *sql.Row
}

func (r sqliteRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

type sqliteRows struct {
	rows *sql.Rows
}

func (r sqliteRows) Next() bool             { return r.rows.Next() }
func (r sqliteRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r sqliteRows) Err() error             { return r.rows.Err() }
func (r sqliteRows) Close()                 { _ = r.rows.Close() }

// sqliteArgs stores timestamps as RFC3339 UTC text so they sort and compare
// lexically the same way the schema's defaults do.
func sqliteArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			out[i] = t.UTC().Format(time.RFC3339)
			continue
		}
		out[i] = a
	}
	return out
}
