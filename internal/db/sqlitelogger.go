package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// tracingConnector opens sqlite3 connections whose statements are logged at
// debug level under the message "sql".
type tracingConnector struct {
	dsn    string
	logger *slog.Logger
	driver *sqlite3.SQLiteDriver
}

// NewTracingConnector returns a driver.Connector for sql.OpenDB. A nil logger
// means slog.Default().
func NewTracingConnector(dsn string, logger *slog.Logger) driver.Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &tracingConnector{dsn: dsn, logger: logger, driver: &sqlite3.SQLiteDriver{}}
}

func (c *tracingConnector) Driver() driver.Driver { return c.driver }

func (c *tracingConnector) Connect(_ context.Context) (driver.Conn, error) {
	conn, err := c.driver.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	sc, ok := conn.(*sqlite3.SQLiteConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("sqlite: unexpected connection type %T", conn)
	}
	return &tracingConn{SQLiteConn: sc, logger: c.logger}, nil
}

// tracingConn intercepts the context-aware fast paths database/sql prefers,
// so statements are logged without going through Prepare.
type tracingConn struct {
	*sqlite3.SQLiteConn
	logger *slog.Logger
}

func (c *tracingConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	res, err := c.SQLiteConn.ExecContext(ctx, query, args)
	c.trace(ctx, "exec", query, args, start, err)
	return res, err
}

func (c *tracingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	rows, err := c.SQLiteConn.QueryContext(ctx, query, args)
	c.trace(ctx, "query", query, args, start, err)
	return rows, err
}

func (c *tracingConn) trace(ctx context.Context, op, query string, args []driver.NamedValue, start time.Time, err error) {
	if !c.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	attrs := []slog.Attr{
		slog.String("op", op),
		slog.String("sql", compactSQL(query)),
		slog.Any("args", renderArgs(args)),
		slog.Duration("elapsed", time.Since(start)),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	c.logger.LogAttrs(ctx, slog.LevelDebug, "sql", attrs...)
}

// compactSQL folds the embedded multi-line statements onto one line.
func compactSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}

func renderArgs(args []driver.NamedValue) []string {
	out := make([]string, len(args))
	for i, a := range args {
		v := renderValue(a.Value)
		if a.Name != "" {
			v = a.Name + "=" + v
		}
		out[i] = v
	}
	return out
}

func renderValue(v driver.Value) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return fmt.Sprintf("x'%x'", t)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	default:
		return fmt.Sprint(t)
	}
}
