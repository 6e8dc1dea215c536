package ingest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
)

// AggregateTask asks for the hourly and daily rows covering one stored
// measurement to be recomputed.
type AggregateTask struct {
	// MessageID is the ULID of the message whose insert triggered the task.
	MessageID   string
	StationID   string
	PeriodStart time.Time
}

// sample is one weather_data row as read back for aggregation.
type sample [11]*float64

const (
	colTemperature = iota
	colHumidity
	colPressure
	colLux
	colUVI
	colWindSpeed
	colWindDirection
	colGustSpeed
	colGustDirection
	colRainfall
	colSolarIrradiance
)

// series accumulates the present values of one column.
type series struct {
	n        int
	sum      float64
	sumSq    float64
	min, max float64
}

func (s *series) add(v float64) {
	if s.n == 0 || v < s.min {
		s.min = v
	}
	if s.n == 0 || v > s.max {
		s.max = v
	}
	s.n++
	s.sum += v
	s.sumSq += v * v
}

// The accessors return nil for an empty series so absent readings stay
// NULL in the aggregate rows.

func (s series) mean() any {
	if s.n == 0 {
		return nil
	}
	return s.sum / float64(s.n)
}

func (s series) total() any {
	if s.n == 0 {
		return nil
	}
	return s.sum
}

func (s series) minimum() any {
	if s.n == 0 {
		return nil
	}
	return s.min
}

func (s series) maximum() any {
	if s.n == 0 {
		return nil
	}
	return s.max
}

// stddev is the population standard deviation.
func (s series) stddev() any {
	if s.n == 0 {
		return nil
	}
	mean := s.sum / float64(s.n)
	variance := s.sumSq/float64(s.n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// WindowStats summarises the measurements of one aggregation window.
type WindowStats struct {
	Samples int
	cols    [11]series

	// Wind direction is averaged as a vector so 350 and 10 give 0.
	dirSin, dirCos float64
	dirN           int

	gustSpeed     *float64
	gustDirection *float64
}

// add folds one row into the statistics.
func (w *WindowStats) add(row sample) {
	w.Samples++
	for i, v := range row {
		if v != nil {
			w.cols[i].add(*v)
		}
	}
	if d := row[colWindDirection]; d != nil {
		rad := *d * math.Pi / 180
		w.dirSin += math.Sin(rad)
		w.dirCos += math.Cos(rad)
		w.dirN++
	}
	if g := row[colGustSpeed]; g != nil && (w.gustSpeed == nil || *g > *w.gustSpeed) {
		w.gustSpeed = g
		w.gustDirection = row[colGustDirection]
	}
}

func (w *WindowStats) windDirection() any {
	if w.dirN == 0 {
		return nil
	}
	deg := math.Atan2(w.dirSin, w.dirCos) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

func ptrValue(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// HourlyArgs builds the UpsertHourly parameters.
func HourlyArgs(stationID string, hourStart time.Time, w *WindowStats) []any {
	c := w.cols
	return []any{
		stationID,
		hourStart.UTC(),
		w.Samples,
		c[colTemperature].mean(),
		c[colHumidity].mean(),
		c[colPressure].mean(),
		c[colRainfall].total(),
		c[colWindSpeed].mean(),
		c[colWindSpeed].stddev(),
		w.windDirection(),
		c[colLux].mean(),
		c[colUVI].mean(),
		c[colSolarIrradiance].mean(),
		ptrValue(w.gustSpeed),
		ptrValue(w.gustDirection),
	}
}

// DailyArgs builds the UpsertDaily parameters. day is YYYY-MM-DD in the
// aggregation time zone.
func DailyArgs(stationID, day string, w *WindowStats) []any {
	c := w.cols
	return []any{
		stationID,
		day,
		w.Samples,
		c[colTemperature].maximum(),
		c[colTemperature].minimum(),
		c[colHumidity].maximum(),
		c[colHumidity].minimum(),
		c[colPressure].maximum(),
		c[colPressure].minimum(),
		ptrValue(w.gustSpeed),
		ptrValue(w.gustDirection),
		c[colWindSpeed].stddev(),
		c[colWindSpeed].mean(),
		w.windDirection(),
		c[colUVI].maximum(),
		c[colLux].maximum(),
		c[colLux].minimum(),
		c[colRainfall].total(),
	}
}

// Windows returns the hour and the local day containing t. Hours are UTC;
// days follow loc.
func Windows(t time.Time, loc *time.Location) (hourStart, dayStart, dayEnd time.Time) {
	hourStart = t.UTC().Truncate(time.Hour)
	local := t.In(loc)
	dayStart = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	dayEnd = dayStart.AddDate(0, 0, 1)
	return hourStart, dayStart, dayEnd
}

// stationLocks serialises aggregation per station, so a recomputation that
// read fewer rows can never overwrite a later one.
type stationLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (s *stationLocks) lock(stationID string) func() {
	s.mu.Lock()
	if s.locks == nil {
		s.locks = make(map[string]*sync.Mutex)
	}
	l, ok := s.locks[stationID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stationID] = l
	}
	s.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Aggregate recomputes the hourly and daily rows around task.PeriodStart
// from the stored measurements, on one pooled connection.
func (p *Pipeline) Aggregate(ctx context.Context, task *AggregateTask) error {
	unlock := p.aggLocks.lock(task.StationID)
	defer unlock()

	conn := p.pool.Acquire()
	defer p.pool.Release(conn)

	hourStart, dayStart, dayEnd := Windows(task.PeriodStart, p.location)

	hourly, err := p.windowStats(ctx, conn, task.StationID, hourStart, hourStart.Add(time.Hour))
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, p.dialect.UpsertHourly, HourlyArgs(task.StationID, hourStart, hourly)...); err != nil {
		return fmt.Errorf("upsert hourly: %w", err)
	}

	daily, err := p.windowStats(ctx, conn, task.StationID, dayStart.UTC(), dayEnd.UTC())
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, p.dialect.UpsertDaily, DailyArgs(task.StationID, dayStart.Format(time.DateOnly), daily)...); err != nil {
		return fmt.Errorf("upsert daily: %w", err)
	}
	return nil
}

func (p *Pipeline) windowStats(ctx context.Context, conn db.Conn, stationID string, from, to time.Time) (*WindowStats, error) {
	rows, err := conn.Query(ctx, p.dialect.WindowMeasurements, stationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("window measurements: %w", err)
	}
	defer rows.Close()

	var w WindowStats
	for rows.Next() {
		var s sample
		dest := make([]any, len(s))
		for i := range s {
			dest[i] = &s[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan window measurement: %w", err)
		}
		w.add(s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("window measurements: %w", err)
	}
	return &w, nil
}
