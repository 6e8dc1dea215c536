package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// NewPostgresBackend returns a backend whose connections are individual
// pgx connections. Pooling is done by dbpool, not by pgxpool.
func NewPostgresBackend(url string) *Backend {
	return &Backend{
		Dialect: Postgres,
		Open: func(ctx context.Context) (Conn, error) {
			conn, err := pgx.Connect(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("postgres connect: %w", err)
			}
			return &pgConn{conn: conn}, nil
		},
	}
}

type pgConn struct {
	conn *pgx.Conn
}

func (c *pgConn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.conn.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// pgx.Rows already satisfies Rows.
func (c *pgConn) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return c.conn.Query(ctx, query, args...)
}

func (c *pgConn) QueryRow(ctx context.Context, query string, args ...any) Row {
	return pgRow{row: c.conn.QueryRow(ctx, query, args...)}
}

func (c *pgConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

func (c *pgConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

type pgRow struct {
	row pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	err := r.row.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoRows
	}
	return err
}

// SQLState returns the SQLSTATE code and its condition name when err came
// from the PostgreSQL server, e.g. ("23502", "not_null_violation").
func SQLState(err error) (code, name string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return "", "", false
	}
	name = pgErr.Code
	switch pgErr.Code {
	case pgerrcode.NotNullViolation:
		name = "not_null_violation"
	case pgerrcode.ForeignKeyViolation:
		name = "foreign_key_violation"
	case pgerrcode.UniqueViolation:
		name = "unique_violation"
	case pgerrcode.CheckViolation:
		name = "check_violation"
	case pgerrcode.InvalidTextRepresentation:
		name = "invalid_text_representation"
	case pgerrcode.DataException:
		name = "data_exception"
	default:
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code):
			name = "connection_exception"
		case pgerrcode.IsInsufficientResources(pgErr.Code):
			name = "insufficient_resources"
		}
	}
	return pgErr.Code, name, true
}
