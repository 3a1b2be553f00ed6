package schema

import (
	"math"
	"strings"

	"flightlog/internal/telemetry"
)

// Profile summarises the values observed for one column. It does not depend
// on the order in which values were observed.
type Profile struct {
	Nulls   int
	Strings int
	Bools   int
	Ints    int
	Floats  int

	MinInt int64
	MaxInt int64
}

// Numeric returns the number of int and float samples.
func (p Profile) Numeric() int { return p.Ints + p.Floats }

// Samples returns the number of non-null samples.
func (p Profile) Samples() int { return p.Strings + p.Bools + p.Ints + p.Floats }

func (p *Profile) observe(v telemetry.Value) {
	switch v.Kind() {
	case telemetry.KindNull:
		p.Nulls++
	case telemetry.KindString:
		p.Strings++
	case telemetry.KindBool:
		p.Bools++
	case telemetry.KindInt:
		i, _ := v.IntVal()
		if p.Ints == 0 || i < p.MinInt {
			p.MinInt = i
		}
		if p.Ints == 0 || i > p.MaxInt {
			p.MaxInt = i
		}
		p.Ints++
	case telemetry.KindFloat:
		p.Floats++
	}
}

// Profiler accumulates column profiles over any number of rows. Column
// order is the order of first appearance.
type Profiler struct {
	order    []string
	profiles map[string]*Profile
}

// NewProfiler returns an empty profiler.
func NewProfiler() *Profiler {
	return &Profiler{profiles: make(map[string]*Profile)}
}

// Observe adds every field of row to the profiles.
func (p *Profiler) Observe(row *telemetry.Row) {
	for _, f := range row.Fields() {
		prof, ok := p.profiles[f.Key]
		if !ok {
			prof = &Profile{}
			p.profiles[f.Key] = prof
			p.order = append(p.order, f.Key)
		}
		prof.observe(f.Value)
	}
}

// Columns returns the observed column names in first-appearance order.
func (p *Profiler) Columns() []string {
	return append([]string(nil), p.order...)
}

// Profile returns the profile of one column.
func (p *Profiler) Profile(name string) (Profile, bool) {
	prof, ok := p.profiles[name]
	if !ok {
		return Profile{}, false
	}
	return *prof, true
}

// Schema classifies every observed column. Columns named in required are
// NOT NULL; everything else is nullable since frames rarely share the exact
// same set of fields.
func (p *Profiler) Schema(required ...string) Schema {
	req := make(map[string]bool, len(required))
	for _, r := range required {
		req[r] = true
	}
	s := Schema{Columns: make([]Column, 0, len(p.order))}
	for _, name := range p.order {
		s.Columns = append(s.Columns, Column{
			Name:     name,
			Type:     Classify(name, *p.profiles[name]),
			Nullable: !req[name],
		})
	}
	return s
}

// Infer profiles rows and returns their schema.
func Infer(rows []*telemetry.Row, required ...string) Schema {
	p := NewProfiler()
	for _, r := range rows {
		p.Observe(r)
	}
	return p.Schema(required...)
}

// Classify picks the storage type of a column. Name-based rules come first,
// then the kinds of the observed values; anything unmatched is a String.
func Classify(name string, p Profile) Type {
	switch {
	case name == "flight_id" || name == "primary_key" || strings.HasSuffix(name, "_id"):
		return TypeString
	case name == "startTime" || name == "endTime" || name == "timestamp":
		return TypeDateTime64
	case name == "flightTimeInSeconds":
		return TypeFloat64
	case strings.Contains(strings.ToLower(name), "time") && p.Numeric() > 0 && p.Numeric() == p.Samples():
		return TypeUInt64
	}

	switch {
	case p.Strings > 0:
		return TypeString
	case p.Bools > 0 && p.Bools == p.Samples():
		return TypeUInt8
	case p.Bools > 0:
		// Booleans mixed with numbers have no common numeric type.
		return TypeString
	case p.Ints > 0 && p.Floats == 0:
		return classifyInt(p.MinInt, p.MaxInt)
	case p.Floats > 0:
		// Float32 is never inferred: later loads could not be held exactly.
		return TypeFloat64
	}
	return TypeString
}

func classifyInt(lo, hi int64) Type {
	switch {
	case lo >= math.MinInt16 && hi <= math.MaxInt16:
		return TypeInt16
	case lo >= 0 && hi < math.MaxUint32:
		return TypeUInt32
	}
	return TypeInt64
}
