package ingest

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Optional32 is a float32 that may be absent.
type Optional32 struct {
	Value float32
	Valid bool
}

// Some returns a present value.
func Some(v float32) Optional32 { return Optional32{Value: v, Valid: true} }

// WeatherMeasurement is one aggregated sensor record covering the half-open
// interval [PeriodStart, PeriodEnd), both in Unix seconds.
type WeatherMeasurement struct {
	PeriodStart uint64
	PeriodEnd   uint64

	Temperature     Optional32
	Humidity        Optional32
	Pressure        Optional32
	Lux             Optional32
	UVI             Optional32
	WindSpeed       Optional32
	WindDirection   Optional32
	GustSpeed       Optional32
	GustDirection   Optional32
	Rainfall        Optional32
	SolarIrradiance Optional32
}

// ScalarNames are the optional fields in wire and column order.
var ScalarNames = [11]string{
	"temperature",
	"humidity",
	"pressure",
	"lux",
	"uvi",
	"wind_speed",
	"wind_direction",
	"gust_speed",
	"gust_direction",
	"rainfall",
	"solar_irradiance",
}

// SetScalar stores v under one of ScalarNames. It reports false for an
// unknown name.
func (m *WeatherMeasurement) SetScalar(name string, v float32) bool {
	for i, n := range ScalarNames {
		if n == name {
			*m.scalarPtrs()[i] = Some(v)
			return true
		}
	}
	return false
}

// Scalars returns the optional fields in wire order.
func (m *WeatherMeasurement) Scalars() [11]Optional32 {
	var out [11]Optional32
	for i, p := range m.scalarPtrs() {
		out[i] = *p
	}
	return out
}

func (m *WeatherMeasurement) scalarPtrs() [11]*Optional32 {
	return [11]*Optional32{
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
	}
}

// MaxPeriod is the last storable period bound, 9999-12-31T23:59:59Z.
// Both backends hold timestamps as four-digit-year values.
const MaxPeriod uint64 = 253402300799

// Validate reports ErrValidation unless both period bounds are set and
// no later than MaxPeriod.
func (m *WeatherMeasurement) Validate() error {
	switch {
	case m.PeriodStart == 0 && m.PeriodEnd == 0:
		return fmt.Errorf("%w: periodStart and periodEnd are zero", ErrValidation)
	case m.PeriodStart == 0:
		return fmt.Errorf("%w: periodStart is zero", ErrValidation)
	case m.PeriodEnd == 0:
		return fmt.Errorf("%w: periodEnd is zero", ErrValidation)
	case m.PeriodStart > MaxPeriod:
		return fmt.Errorf("%w: periodStart %d out of range", ErrValidation, m.PeriodStart)
	case m.PeriodEnd > MaxPeriod:
		return fmt.Errorf("%w: periodEnd %d out of range", ErrValidation, m.PeriodEnd)
	}
	return nil
}

const (
	fieldPeriodStart protowire.Number = 1
	fieldPeriodEnd   protowire.Number = 2
	fieldFirstScalar protowire.Number = 3
	fieldLastScalar  protowire.Number = 13

	// google.protobuf.FloatValue.value
	fieldWrapperValue protowire.Number = 1
)

var errWireType = errors.New("unexpected wire type")

// DecodeMeasurement parses the protobuf encoding of a WeatherMeasurement.
// Unknown fields are skipped. Errors wrap ErrDecode.
func DecodeMeasurement(b []byte) (WeatherMeasurement, error) {
	var m WeatherMeasurement
	scalars := m.scalarPtrs()

	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return WeatherMeasurement{}, decodeError("tag", protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldPeriodStart || num == fieldPeriodEnd:
			if typ != protowire.VarintType {
				return WeatherMeasurement{}, decodeError(fmt.Sprintf("field %d", num), errWireType)
			}
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return WeatherMeasurement{}, decodeError(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
			if num == fieldPeriodStart {
				m.PeriodStart = v
			} else {
				m.PeriodEnd = v
			}

		case num >= fieldFirstScalar && num <= fieldLastScalar:
			name := ScalarNames[num-fieldFirstScalar]
			if typ != protowire.BytesType {
				return WeatherMeasurement{}, decodeError(name, errWireType)
			}
			sub, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return WeatherMeasurement{}, decodeError(name, protowire.ParseError(n))
			}
			b = b[n:]
			v, err := decodeFloatValue(sub)
			if err != nil {
				return WeatherMeasurement{}, decodeError(name, err)
			}
			*scalars[num-fieldFirstScalar] = Some(v)

		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return WeatherMeasurement{}, decodeError(fmt.Sprintf("field %d", num), protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

// decodeFloatValue parses a google.protobuf.FloatValue body. An empty body
// is the zero value.
func decodeFloatValue(b []byte) (float32, error) {
	var v float32
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldWrapperValue {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		if typ != protowire.Fixed32Type {
			return 0, errWireType
		}
		bits, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		b = b[n:]
		v = math.Float32frombits(bits)
	}
	return v, nil
}

func decodeError(where string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDecode, where, err)
}

// EncodeMeasurement is the inverse of DecodeMeasurement, producing the same
// bytes a proto3 encoder would for the message.
func EncodeMeasurement(m WeatherMeasurement) []byte {
	var b []byte
	if m.PeriodStart != 0 {
		b = protowire.AppendTag(b, fieldPeriodStart, protowire.VarintType)
		b = protowire.AppendVarint(b, m.PeriodStart)
	}
	if m.PeriodEnd != 0 {
		b = protowire.AppendTag(b, fieldPeriodEnd, protowire.VarintType)
		b = protowire.AppendVarint(b, m.PeriodEnd)
	}
	for i, s := range m.Scalars() {
		if !s.Valid {
			continue
		}
		var sub []byte
		if s.Value != 0 || math.Signbit(float64(s.Value)) {
			sub = protowire.AppendTag(sub, fieldWrapperValue, protowire.Fixed32Type)
			sub = protowire.AppendFixed32(sub, math.Float32bits(s.Value))
		}
		b = protowire.AppendTag(b, fieldFirstScalar+protowire.Number(i), protowire.BytesType)
		b = protowire.AppendBytes(b, sub)
	}
	return b
}
