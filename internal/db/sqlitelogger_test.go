package db

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// captureHandler records log records for assertion in tests.
type captureHandler struct {
	mu    sync.Mutex
	level slog.Level
	attrs []map[string]slog.Value
}

func (h *captureHandler) Enabled(_ context.Context, l slog.Level) bool { return l >= h.level }

func (h *captureHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := make(map[string]slog.Value)
	m["msg"] = slog.StringValue(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		m[a.Key] = a.Value
		return true
	})
	h.attrs = append(h.attrs, m)
	return nil
}

func (h *captureHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func (h *captureHandler) WithGroup(string) slog.Handler { return h }

func (h *captureHandler) recordsFor(t *testing.T, msg string) []map[string]slog.Value {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []map[string]slog.Value
	for _, m := range h.attrs {
		if m["msg"].String() == msg {
			out = append(out, m)
		}
	}
	return out
}

func (h *captureHandler) last(t *testing.T) map[string]slog.Value {
	t.Helper()
	recs := h.recordsFor(t, "sql")
	if len(recs) == 0 {
		t.Fatal("no sql log record")
	}
	return recs[len(recs)-1]
}

func openTraced(t *testing.T, h *captureHandler) *sql.DB {
	t.Helper()
	dsn, err := BuildSQLiteDSN(filepath.Join(t.TempDir(), "trace.db"))
	if err != nil {
		t.Fatalf("dsn: %v", err)
	}
	sqlDB := sql.OpenDB(NewTracingConnector(dsn, slog.New(h)))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return sqlDB
}

func TestTracingConnector_ExecLogged(t *testing.T) {
	h := &captureHandler{level: slog.LevelDebug}
	sqlDB := openTraced(t, h)

	if _, err := sqlDB.Exec("CREATE TABLE t (\n\tid INTEGER PRIMARY KEY,\n\tname TEXT\n)"); err != nil {
		t.Fatalf("create: %v", err)
	}
	got := h.last(t)
	if got["op"].String() != "exec" {
		t.Errorf("op = %q, want exec", got["op"].String())
	}
	if want := "CREATE TABLE t ( id INTEGER PRIMARY KEY, name TEXT )"; got["sql"].String() != want {
		t.Errorf("sql = %q, want %q", got["sql"].String(), want)
	}
	if _, ok := got["elapsed"]; !ok {
		t.Error("missing elapsed attribute")
	}
}

func TestTracingConnector_ArgsRendered(t *testing.T) {
	h := &captureHandler{level: slog.LevelDebug}
	sqlDB := openTraced(t, h)

	if _, err := sqlDB.Exec(`CREATE TABLE t (a TEXT, b REAL, c TEXT, d BLOB)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	if _, err := sqlDB.Exec(`INSERT INTO t VALUES (?, ?, ?, ?)`, "x", nil, ts, []byte{0xca, 0xfe}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got := h.last(t)
	args, ok := got["args"].Any().([]string)
	if !ok {
		t.Fatalf("args = %T, want []string", got["args"].Any())
	}
	want := []string{"x", "NULL", "2023-11-14T22:13:20Z", "x'cafe'"}
	if strings.Join(args, ",") != strings.Join(want, ",") {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestTracingConnector_QueryLogged(t *testing.T) {
	h := &captureHandler{level: slog.LevelDebug}
	sqlDB := openTraced(t, h)

	var one int
	if err := sqlDB.QueryRow(`SELECT 1`).Scan(&one); err != nil {
		t.Fatalf("query row: %v", err)
	}
	got := h.last(t)
	if got["op"].String() != "query" {
		t.Errorf("op = %q, want query", got["op"].String())
	}
	if got["sql"].String() != `SELECT 1` {
		t.Errorf("sql = %q", got["sql"].String())
	}
}

func TestTracingConnector_ErrorAttached(t *testing.T) {
	h := &captureHandler{level: slog.LevelDebug}
	sqlDB := openTraced(t, h)

	if _, err := sqlDB.Exec(`INSERT INTO missing VALUES (1)`); err == nil {
		t.Fatal("insert into missing table succeeded")
	}
	got := h.last(t)
	if !strings.Contains(got["error"].String(), "missing") {
		t.Errorf("error attr = %q, want mention of table", got["error"].String())
	}
}

func TestTracingConnector_SilentAboveDebug(t *testing.T) {
	h := &captureHandler{level: slog.LevelInfo}
	sqlDB := openTraced(t, h)

	if _, err := sqlDB.Exec(`CREATE TABLE t (id INTEGER)`); err != nil {
		t.Fatalf("create: %v", err)
	}
	if recs := h.recordsFor(t, "sql"); len(recs) != 0 {
		t.Fatalf("got %d sql records at info level, want 0", len(recs))
	}
}

func TestTracingConnector_NilLoggerUsesDefault(t *testing.T) {
	c := NewTracingConnector("file::memory:", nil)
	tc, ok := c.(*tracingConnector)
	if !ok {
		t.Fatalf("connector = %T", c)
	}
	if tc.logger == nil {
		t.Fatal("logger is nil")
	}
}

func TestSQLiteBackend_ConnRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend, err := NewSQLiteBackend(filepath.Join(t.TempDir(), "rt.db"), 2, nil)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	defer func() { _ = backend.Close() }()

	if backend.Dialect.Name != "sqlite" {
		t.Fatalf("dialect = %q, want sqlite", backend.Dialect.Name)
	}

	conn, err := backend.Open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = conn.Close(ctx) }()

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := conn.Exec(ctx, `CREATE TABLE t (at TEXT)`); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Date(2023, 11, 14, 23, 13, 20, 0, time.FixedZone("CET", 3600))
	n, err := conn.Exec(ctx, `INSERT INTO t (at) VALUES (?1)`, at)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if n != 1 {
		t.Errorf("rows affected = %d, want 1", n)
	}

	var stored string
	if err := conn.QueryRow(ctx, `SELECT at FROM t`).Scan(&stored); err != nil {
		t.Fatalf("select: %v", err)
	}
	if stored != "2023-11-14T22:13:20Z" {
		t.Errorf("stored = %q, want UTC RFC 3339", stored)
	}

	err = conn.QueryRow(ctx, `SELECT at FROM t WHERE at = 'never'`).Scan(&stored)
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("Scan() error = %v, want ErrNoRows", err)
	}
}

func TestBuildSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "file uri",
			in:   "file:test.db",
			want: "file:test.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL",
		},
		{
			name: "file uri with query",
			in:   "file:test.db?mode=rwc",
			want: "file:test.db?mode=rwc&_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL",
		},
		{
			name: "bare filename",
			in:   "app.db",
			want: "file:app.db?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BuildSQLiteDSN(tt.in)
			if err != nil {
				t.Fatalf("BuildSQLiteDSN(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("BuildSQLiteDSN(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDialectsLoaded(t *testing.T) {
	for _, d := range []Dialect{Postgres, SQLite} {
		for name, q := range map[string]string{
			"InsertMeasurement": d.InsertMeasurement,
			"ValidateAPIKey":    d.ValidateAPIKey,
			"LatestMeasurement": d.LatestMeasurement,
			"InsertStation":     d.InsertStation,
			"InsertAPIKey":      d.InsertAPIKey,
			"RevokeAPIKeys":     d.RevokeAPIKeys,
		} {
			if strings.TrimSpace(q) == "" {
				t.Errorf("%s.%s is empty", d.Name, name)
			}
		}
	}
	if !strings.Contains(Postgres.InsertMeasurement, "tstzrange($1::timestamptz, $2::timestamptz, '[)')") {
		t.Errorf("postgres insert does not build a half-open range:\n%s", Postgres.InsertMeasurement)
	}
}
