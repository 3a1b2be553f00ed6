// Package telemetry parses per-flight telemetry log documents and flattens
// them into ordered rows of tagged cell values.
package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the dynamic type held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Value is a single scalar cell. The zero Value is null.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

// Null returns the null value.
func Null() Value { return Value{} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsNumeric reports whether v holds an int or a float.
func (v Value) IsNumeric() bool { return v.kind == KindInt || v.kind == KindFloat }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// IntVal returns the integer payload and whether v is an int.
func (v Value) IntVal() (int64, bool) { return v.i, v.kind == KindInt }

// BoolVal returns the boolean payload and whether v is a bool.
func (v Value) BoolVal() (bool, bool) { return v.b, v.kind == KindBool }

// FloatVal returns v as a float64 for ints and floats.
func (v Value) FloatVal() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// Text renders v the way it is keyed and compared as text: ints in decimal,
// floats in shortest form with a trailing ".0" when integral, bools as
// true/false and null as the empty string.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindBool:
		return strconv.FormatBool(v.b)
	}
	return ""
}

func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	if v.kind == KindString {
		return strconv.Quote(v.s)
	}
	return v.Text()
}

// formatFloat renders the shortest round-tripping form: positional with a
// trailing ".0" for whole numbers, exponent form ("1e+16", "1.5e-07") below
// 1e-4 or from 1e16 up.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	exp, _ := strconv.Atoi(s[strings.LastIndexByte(s, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return s
	}
	s = strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}

// Add sums two numeric values. Integer arithmetic is kept when both operands
// are ints and the result does not overflow; otherwise the sum is a float.
func Add(a, b Value) (Value, bool) {
	if !a.IsNumeric() || !b.IsNumeric() {
		return Null(), false
	}
	if a.kind == KindInt && b.kind == KindInt {
		sum := a.i + b.i
		if (b.i > 0 && sum < a.i) || (b.i < 0 && sum > a.i) {
			return Float(float64(a.i) + float64(b.i)), true
		}
		return Int(sum), true
	}
	af, _ := a.FloatVal()
	bf, _ := b.FloatVal()
	return Float(af + bf), true
}

// ParseNumber converts a JSON number literal into a Value. It tries an exact
// int64 first, then float64, and falls through to null.
func ParseNumber(lit string) Value {
	if !strings.ContainsAny(lit, ".eE") {
		if i, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return Int(i)
		}
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return Float(f)
	}
	return Null()
}

// taggedCell is the persisted form of a Value. Exactly one field is set; a
// JSON null stands for the null value.
type taggedCell struct {
	S *string  `json:"s,omitempty"`
	I *int64   `json:"i,omitempty"`
	F *float64 `json:"f,omitempty"`
	B *bool    `json:"b,omitempty"`
}

// MarshalJSON encodes v with its tag so ints, floats and bools survive a
// round trip through storage.
func (v Value) MarshalJSON() ([]byte, error) {
	var c taggedCell
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		c.S = &v.s
	case KindInt:
		c.I = &v.i
	case KindFloat:
		if math.IsInf(v.f, 0) || math.IsNaN(v.f) {
			return nil, fmt.Errorf("encode value: unsupported float %v", v.f)
		}
		c.F = &v.f
	case KindBool:
		c.B = &v.b
	}
	return json.Marshal(c)
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Null()
		return nil
	}
	var c taggedCell
	if err := json.Unmarshal(data, &c); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	switch {
	case c.S != nil:
		*v = String(*c.S)
	case c.I != nil:
		*v = Int(*c.I)
	case c.F != nil:
		*v = Float(*c.F)
	case c.B != nil:
		*v = Bool(*c.B)
	default:
		*v = Null()
	}
	return nil
}
