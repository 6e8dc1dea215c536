package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/types"
)

// ErrNotFound means the station has no stored measurement.
var ErrNotFound = errors.New("no measurement for station")

type Pool interface {
	Acquire() db.Conn
	Release(db.Conn)
}

type WeatherRepository interface {
	GetStations(ctx context.Context) ([]types.Station, error)
	GetLatest(ctx context.Context, stationID string) (types.Measurement, error)
	// GetReadings returns readings whose period starts in [from, to),
	// oldest first. A zero from or to leaves that side open.
	GetReadings(ctx context.Context, stationID string, from, to time.Time, limit, offset int) ([]types.Measurement, error)
	GetReadingsCount(ctx context.Context, stationID string, from, to time.Time) (int, error)
}

type repositoryImpl struct {
	pool    Pool
	dialect db.Dialect
}

func NewRepository(pool Pool, dialect db.Dialect) WeatherRepository {
	return &repositoryImpl{pool: pool, dialect: dialect}
}

func (r *repositoryImpl) GetStations(ctx context.Context) ([]types.Station, error) {
	conn := r.pool.Acquire()
	defer r.pool.Release(conn)

	rows, err := conn.Query(ctx, r.dialect.ListStations)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	stations := []types.Station{}
	for rows.Next() {
		var s types.Station
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		stations = append(stations, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	return stations, nil
}

func (r *repositoryImpl) GetLatest(ctx context.Context, stationID string) (types.Measurement, error) {
	conn := r.pool.Acquire()
	defer r.pool.Release(conn)

	m, err := scanMeasurement(conn.QueryRow(ctx, r.dialect.LatestMeasurement, stationID), stationID)
	if errors.Is(err, db.ErrNoRows) {
		return types.Measurement{}, ErrNotFound
	}
	if err != nil {
		return types.Measurement{}, fmt.Errorf("latest measurement: %w", err)
	}
	return m, nil
}

func (r *repositoryImpl) GetReadings(ctx context.Context, stationID string, from, to time.Time, limit, offset int) ([]types.Measurement, error) {
	conn := r.pool.Acquire()
	defer r.pool.Release(conn)

	rows, err := conn.Query(ctx, r.dialect.Readings, stationID, zeroAsNullTime(from), zeroAsNullTime(to), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("readings: %w", err)
	}
	defer rows.Close()

	readings := []types.Measurement{}
	for rows.Next() {
		m, err := scanMeasurement(rows, stationID)
		if err != nil {
			return nil, fmt.Errorf("scan reading: %w", err)
		}
		readings = append(readings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("readings: %w", err)
	}
	return readings, nil
}

func (r *repositoryImpl) GetReadingsCount(ctx context.Context, stationID string, from, to time.Time) (int, error) {
	conn := r.pool.Acquire()
	defer r.pool.Release(conn)

	var n int
	err := conn.QueryRow(ctx, r.dialect.CountReadings, stationID, zeroAsNullTime(from), zeroAsNullTime(to)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

// scanMeasurement reads the LatestMeasurement column list from a Row or
// the current position of Rows.
func scanMeasurement(row db.Row, stationID string) (types.Measurement, error) {
	m := types.Measurement{StationID: stationID}
	var start, end string
	err := row.Scan(
		&start,
		&end,
		&m.Temperature,
		&m.Humidity,
		&m.Pressure,
		&m.Lux,
		&m.UVI,
		&m.WindSpeed,
		&m.WindDirection,
		&m.GustSpeed,
		&m.GustDirection,
		&m.Rainfall,
		&m.SolarIrradiance,
	)
	if err != nil {
		return types.Measurement{}, err
	}

	if m.PeriodStart, err = time.Parse(time.RFC3339, start); err != nil {
		return types.Measurement{}, fmt.Errorf("parse period start %q: %w", start, err)
	}
	if m.PeriodEnd, err = time.Parse(time.RFC3339, end); err != nil {
		return types.Measurement{}, fmt.Errorf("parse period end %q: %w", end, err)
	}
	return m, nil
}

func zeroAsNullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
