// Package dbtest provides database fixtures for tests: a migrated SQLite
// backend on disk and a recording fake connection.
package dbtest

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/logging"
	"github.com/ljn0099/picoWeatherCollector/tools/migrate"
)

// SQLite opens a fresh, fully migrated SQLite database in t.TempDir() that
// allows up to size connections. It is closed when the test ends.
func SQLite(t testing.TB, size int) *db.Backend {
	t.Helper()

	backend, err := db.NewSQLiteBackend(filepath.Join(t.TempDir(), "weather.db"), size, logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })

	ctx := context.Background()
	conn, err := backend.Open(ctx)
	if err != nil {
		t.Fatalf("open conn: %v", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if _, err := migrate.Run(ctx, conn, backend.Dialect, logging.Discard()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return backend
}

// Call is one statement seen by a Fake.
type Call struct {
	Query string
	Args  []any
}

// Fake is an in-memory db.Conn that records every statement. ExecErr,
// QueryErr and Scan control what statements return. Query yields no rows.
type Fake struct {
	ID string

	mu      sync.Mutex
	execs   []Call
	queries []Call
	closed  int

	ExecErr  error
	QueryErr error
	PingErr  error
	CloseErr error
	// Scan fills QueryRow destinations. Nil means db.ErrNoRows.
	Scan func(dest ...any) error
}

var _ db.Conn = (*Fake)(nil)

func (f *Fake) Exec(_ context.Context, query string, args ...any) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, Call{Query: query, Args: append([]any(nil), args...)})
	if f.ExecErr != nil {
		return 0, f.ExecErr
	}
	return 1, nil
}

func (f *Fake) Query(_ context.Context, query string, args ...any) (db.Rows, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, Call{Query: query, Args: append([]any(nil), args...)})
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	return emptyRows{}, nil
}

func (f *Fake) QueryRow(_ context.Context, query string, args ...any) db.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, Call{Query: query, Args: append([]any(nil), args...)})
	return fakeRow{scan: f.Scan}
}

func (f *Fake) Ping(context.Context) error { return f.PingErr }

func (f *Fake) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return f.CloseErr
}

// Execs returns a copy of the recorded Exec calls.
func (f *Fake) Execs() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.execs...)
}

// Queries returns a copy of the recorded Query and QueryRow calls.
func (f *Fake) Queries() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.queries...)
}

// Closed reports how many times Close was called.
func (f *Fake) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.scan == nil {
		return db.ErrNoRows
	}
	return r.scan(dest...)
}

type emptyRows struct{}

func (emptyRows) Next() bool        { return false }
func (emptyRows) Scan(...any) error { return db.ErrNoRows }
func (emptyRows) Err() error        { return nil }
func (emptyRows) Close()            {}
