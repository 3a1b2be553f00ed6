package schema

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"flightlog/internal/telemetry"
)

// ErrSchemaMismatch marks values that cannot be stored in their column.
var ErrSchemaMismatch = errors.New("schema mismatch")

// MismatchError reports the column and value that failed coercion.
type MismatchError struct {
	Column string
	Type   string
	Value  telemetry.Value
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("column %q: cannot store %s value %s as %s", e.Column, e.Value.Kind(), e.Value, e.Type)
}

func (e *MismatchError) Unwrap() error { return ErrSchemaMismatch }

// attempt is one step of a conversion. ok=false hands over to the next step.
type attempt func(v telemetry.Value) (out any, ok bool)

// Coerce converts v into the Go value the driver expects for col. Each
// column type has an ordered list of attempts; if all of them decline, the
// value becomes null for datetime columns and a *MismatchError otherwise.
// A null that lands in a non-nullable column is also a mismatch.
func Coerce(col Column, v telemetry.Value) (any, error) {
	if v.IsNull() {
		return nullFor(col, v)
	}
	for _, try := range attemptsFor(col.Type) {
		if out, ok := try(v); ok {
			return out, nil
		}
	}
	if col.Type == TypeDateTime64 {
		return nullFor(col, v)
	}
	return nil, &MismatchError{Column: col.Name, Type: col.SQLType(), Value: v}
}

func nullFor(col Column, v telemetry.Value) (any, error) {
	if col.Nullable {
		return nil, nil
	}
	return nil, &MismatchError{Column: col.Name, Type: col.SQLType(), Value: v}
}

func attemptsFor(t Type) []attempt {
	switch t {
	case TypeString:
		return []attempt{toText}
	case TypeDateTime64:
		return []attempt{epochSeconds, numericText(epochSeconds), layoutText}
	case TypeFloat64:
		return []attempt{toFloat64, numericText(toFloat64)}
	case TypeFloat32:
		return []attempt{toFloat32, numericText(toFloat32)}
	case TypeUInt64:
		return []attempt{unsigned(math.MaxUint64, func(u uint64) any { return u }), numericText(unsigned(math.MaxUint64, func(u uint64) any { return u }))}
	case TypeUInt32:
		return []attempt{unsigned(math.MaxUint32, func(u uint64) any { return uint32(u) }), numericText(unsigned(math.MaxUint32, func(u uint64) any { return uint32(u) }))}
	case TypeUInt8:
		return []attempt{boolFlag, unsigned(math.MaxUint8, func(u uint64) any { return uint8(u) }), numericText(unsigned(math.MaxUint8, func(u uint64) any { return uint8(u) }))}
	case TypeInt64:
		return []attempt{signed(math.MinInt64, math.MaxInt64, func(i int64) any { return i }), numericText(signed(math.MinInt64, math.MaxInt64, func(i int64) any { return i }))}
	case TypeInt16:
		return []attempt{signed(math.MinInt16, math.MaxInt16, func(i int64) any { return int16(i) }), numericText(signed(math.MinInt16, math.MaxInt16, func(i int64) any { return int16(i) }))}
	}
	return nil
}

func toText(v telemetry.Value) (any, bool) {
	return v.Text(), true
}

func toFloat64(v telemetry.Value) (any, bool) {
	f, ok := v.FloatVal()
	return f, ok
}

// toFloat32 only accepts values float32 holds exactly, so an existing
// Float32 column never rounds what it stores.
func toFloat32(v telemetry.Value) (any, bool) {
	f, ok := v.FloatVal()
	if !ok || math.Abs(f) > math.MaxFloat32 || float64(float32(f)) != f {
		return nil, false
	}
	return float32(f), true
}

func boolFlag(v telemetry.Value) (any, bool) {
	b, ok := v.BoolVal()
	if !ok {
		return nil, false
	}
	if b {
		return uint8(1), true
	}
	return uint8(0), true
}

// unsigned accepts non-negative ints up to limit and truncates finite
// non-negative floats toward zero.
func unsigned(limit uint64, wrap func(uint64) any) attempt {
	return func(v telemetry.Value) (any, bool) {
		if i, ok := v.IntVal(); ok {
			if i < 0 || uint64(i) > limit {
				return nil, false
			}
			return wrap(uint64(i)), true
		}
		if v.Kind() == telemetry.KindFloat {
			f, _ := v.FloatVal()
			if math.IsNaN(f) || f < 0 || f >= float64(limit)+1 {
				return nil, false
			}
			return wrap(uint64(f)), true
		}
		return nil, false
	}
}

// signed accepts ints within [lo, hi] and truncates finite floats toward zero.
func signed(lo, hi int64, wrap func(int64) any) attempt {
	return func(v telemetry.Value) (any, bool) {
		if i, ok := v.IntVal(); ok {
			if i < lo || i > hi {
				return nil, false
			}
			return wrap(i), true
		}
		if v.Kind() == telemetry.KindFloat {
			f, _ := v.FloatVal()
			t := math.Trunc(f)
			if math.IsNaN(t) || t < float64(lo) || t >= float64(hi)+1 {
				return nil, false
			}
			return wrap(int64(t)), true
		}
		return nil, false
	}
}

// numericText parses a string as a number and retries next with the result.
func numericText(next attempt) attempt {
	return func(v telemetry.Value) (any, bool) {
		s, ok := v.Str()
		if !ok {
			return nil, false
		}
		n := telemetry.ParseNumber(strings.TrimSpace(s))
		if n.IsNull() {
			return nil, false
		}
		return next(n)
	}
}

// DateTime64(3) covers 1900-01-01 through 2299-12-31.
var (
	minDateTime = time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	maxDateTime = time.Date(2299, 12, 31, 23, 59, 59, 999e6, time.UTC)
)

// epochSeconds reads numeric values as seconds since the Unix epoch and
// floors them to millisecond precision.
func epochSeconds(v telemetry.Value) (any, bool) {
	var t time.Time
	if i, ok := v.IntVal(); ok {
		if i < minDateTime.Unix() || i > maxDateTime.Unix() {
			return nil, false
		}
		t = time.Unix(i, 0).UTC()
	} else if f, ok := v.FloatVal(); ok {
		ms := math.Floor(f * 1000)
		if math.IsNaN(ms) || ms < float64(minDateTime.UnixMilli()) || ms > float64(maxDateTime.UnixMilli()) {
			return nil, false
		}
		t = time.UnixMilli(int64(ms)).UTC()
	} else {
		return nil, false
	}
	return t, true
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func layoutText(v telemetry.Value) (any, bool) {
	s, ok := v.Str()
	if !ok {
		return nil, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		t = t.UTC().Truncate(time.Millisecond)
		if t.Before(minDateTime) || t.After(maxDateTime) {
			return nil, false
		}
		return t, true
	}
	return nil, false
}
