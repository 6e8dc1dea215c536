package types

import "time"

// Measurement is one stored weather_data row. Absent readings are nil.
type Measurement struct {
	StationID   string    `json:"stationId"`
	PeriodStart time.Time `json:"periodStart"`
	PeriodEnd   time.Time `json:"periodEnd"`

	Temperature     *float64 `json:"temperature"`
	Humidity        *float64 `json:"humidity"`
	Pressure        *float64 `json:"pressure"`
	Lux             *float64 `json:"lux"`
	UVI             *float64 `json:"uvi"`
	WindSpeed       *float64 `json:"windSpeed"`
	WindDirection   *float64 `json:"windDirection"`
	GustSpeed       *float64 `json:"gustSpeed"`
	GustDirection   *float64 `json:"gustDirection"`
	Rainfall        *float64 `json:"rainfall"`
	SolarIrradiance *float64 `json:"solarIrradiance"`
}

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ReadingsPage is one window of a station's history. Total counts every
// reading in [from, to), not just this page.
type ReadingsPage struct {
	StationID string        `json:"stationId"`
	Total     int           `json:"total"`
	Limit     int           `json:"limit"`
	Offset    int           `json:"offset"`
	Readings  []Measurement `json:"readings"`
}
