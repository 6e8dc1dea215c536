// Package migrate applies the embedded schema migrations of one SQL dialect,
// tracking them in a versioned schema_migrations table.
// Files live in sql/<dialect>/ and are named with a 4-digit prefix for
// order: 0001_name.sql, 0002_other.sql.
package migrate

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"regexp"
	"sort"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var sqlFS embed.FS

const tableName = "schema_migrations"

var migrationFileRe = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

type migration struct {
	version string
	name    string
	body    string
}

// Run ensures the schema_migrations table exists, then applies every
// migration of the dialect that has not yet been recorded, in version order.
// It returns the number of migrations applied.
func Run(ctx context.Context, conn db.Conn, dialect db.Dialect, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}
	q, ok := bookkeeping[dialect.Name]
	if !ok {
		return 0, fmt.Errorf("migrate: unknown dialect %q", dialect.Name)
	}

	if _, err := conn.Exec(ctx, q.createTable); err != nil {
		return 0, fmt.Errorf("ensure migrations table: %w", err)
	}

	all, err := load(dialect.Name)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range all {
		var n int
		if err := conn.QueryRow(ctx, q.isApplied, m.version).Scan(&n); err != nil {
			return applied, fmt.Errorf("check %s: %w", m.version, err)
		}
		if n > 0 {
			continue
		}
		if _, err := conn.Exec(ctx, m.body); err != nil {
			return applied, fmt.Errorf("apply %s_%s.sql: %w", m.version, m.name, err)
		}
		if _, err := conn.Exec(ctx, q.record, m.version, m.name); err != nil {
			return applied, fmt.Errorf("record %s: %w", m.version, err)
		}
		applied++
		logger.Info("migration applied", "dialect", dialect.Name, "version", m.version, "name", m.name)
	}
	return applied, nil
}

type bookkeepingSQL struct {
	createTable string
	isApplied   string
	record      string
}

var bookkeeping = map[string]bookkeepingSQL{
	"postgres": {
		createTable: `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		isApplied: `SELECT COUNT(*) FROM ` + tableName + ` WHERE version = $1`,
		record:    `INSERT INTO ` + tableName + ` (version, name) VALUES ($1, $2)`,
	},
	"sqlite": {
		createTable: `CREATE TABLE IF NOT EXISTS ` + tableName + ` (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		)`,
		isApplied: `SELECT COUNT(*) FROM ` + tableName + ` WHERE version = ?1`,
		record:    `INSERT INTO ` + tableName + ` (version, name) VALUES (?1, ?2)`,
	},
}

func load(dialect string) ([]migration, error) {
	dir := "sql/" + dialect
	entries, err := fs.ReadDir(sqlFS, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var out []migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseMigrationFilename(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(sqlFS, dir+"/"+e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, name: name, body: string(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// Versions lists the embedded migrations of a dialect as "0001_name".
func Versions(dialect string) []string {
	all, err := load(dialect)
	if err != nil {
		return nil
	}
	out := make([]string, len(all))
	for i, m := range all {
		out[i] = m.version + "_" + m.name
	}
	return out
}

func parseMigrationFilename(filename string) (version, name string, ok bool) {
	m := migrationFileRe.FindStringSubmatch(filename)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}
