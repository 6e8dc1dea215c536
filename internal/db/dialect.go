package db

import (
	"embed"
	"fmt"
	"strings"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var queryFS embed.FS

// Dialect holds the statements of one SQL backend. Every statement takes
// the same positional arguments in both dialects.
type Dialect struct {
	Name string

	// InsertMeasurement: start, end, station uuid, then eleven decimal
	// strings or nil in wire order.
	InsertMeasurement string
	// ValidateAPIKey: key hash, station uuid, now. Returns one boolean.
	ValidateAPIKey string
	// LatestMeasurement: station uuid. Returns RFC 3339 start and end
	// followed by eleven nullable floats.
	LatestMeasurement string
	// InsertStation: uuid, name.
	InsertStation string
	// InsertAPIKey: key hash, station uuid, expiry or nil.
	InsertAPIKey string
	// RevokeAPIKeys: station uuid, revocation time.
	RevokeAPIKeys string

	// ListStations: no arguments. Returns uuid and name.
	ListStations string
	// Readings: station uuid, from or nil, to or nil, limit, offset.
	// Rows whose period starts in [from, to), oldest first, with the
	// LatestMeasurement columns.
	Readings string
	// CountReadings: station uuid, from or nil, to or nil.
	CountReadings string

	// WindowMeasurements: station uuid, from, to. The eleven nullable
	// scalars of every row whose period starts in [from, to).
	WindowMeasurements string
	// UpsertHourly: station uuid, hour start, sample count, then the
	// hourly statistics in column order.
	UpsertHourly string
	// UpsertDaily: station uuid, day as YYYY-MM-DD, sample count, then
	// the daily statistics in column order.
	UpsertDaily string
}

var (
	Postgres = mustLoadDialect("postgres")
	SQLite   = mustLoadDialect("sqlite")
)

func mustLoadDialect(name string) Dialect {
	read := func(file string) string {
		b, err := queryFS.ReadFile("sql/" + name + "/" + file + ".sql")
		if err != nil {
			panic(fmt.Sprintf("db: dialect %s: %v", name, err))
		}
		return strings.TrimSpace(string(b))
	}
	return Dialect{
		Name:              name,
		InsertMeasurement: read("insert_measurement"),
		ValidateAPIKey:    read("validate_api_key"),
		LatestMeasurement: read("latest_measurement"),
		InsertStation:     read("insert_station"),
		InsertAPIKey:      read("insert_api_key"),
		RevokeAPIKeys:     read("revoke_api_keys"),

		ListStations:  read("list_stations"),
		Readings:      read("readings"),
		CountReadings: read("count_readings"),

		WindowMeasurements: read("window_measurements"),
		UpsertHourly:       read("upsert_hourly"),
		UpsertDaily:        read("upsert_daily"),
	}
}
