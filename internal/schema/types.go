// Package schema infers ClickHouse column types for flattened flight rows,
// renders the table DDL, and coerces tagged cell values into the Go values
// the ClickHouse driver expects for each column type.
package schema

import (
	"fmt"
	"strings"
)

// Type is a ClickHouse storage type name.
type Type string

const (
	TypeString     Type = "String"
	TypeDateTime64 Type = "DateTime64(3)"
	TypeFloat64    Type = "Float64"
	TypeFloat32    Type = "Float32"
	TypeUInt64     Type = "UInt64"
	TypeUInt32     Type = "UInt32"
	TypeInt64      Type = "Int64"
	TypeInt16      Type = "Int16"
	TypeUInt8      Type = "UInt8"
)

var knownTypes = map[Type]bool{
	TypeString:     true,
	TypeDateTime64: true,
	TypeFloat64:    true,
	TypeFloat32:    true,
	TypeUInt64:     true,
	TypeUInt32:     true,
	TypeInt64:      true,
	TypeInt16:      true,
	TypeUInt8:      true,
}

// Column is one column of a table schema.
type Column struct {
	Name     string
	Type     Type
	Nullable bool
}

// SQLType renders the column type, wrapping nullable columns.
func (c Column) SQLType() string {
	if c.Nullable {
		return "Nullable(" + string(c.Type) + ")"
	}
	return string(c.Type)
}

// Schema is an ordered list of columns.
type Schema struct {
	Columns []Column
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Lookup finds a column by name.
func (s Schema) Lookup(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Has reports whether the schema contains name.
func (s Schema) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// ParseColumn reads a column definition as reported by system.columns, such
// as "Nullable(Float64)" or "DateTime64(3)". LowCardinality wrappers are
// unwrapped. Types this package does not produce are an error.
func ParseColumn(name, sqlType string) (Column, error) {
	c := Column{Name: name}
	t := strings.TrimSpace(sqlType)
	for {
		switch {
		case strings.HasPrefix(t, "Nullable(") && strings.HasSuffix(t, ")"):
			c.Nullable = true
			t = strings.TrimSuffix(strings.TrimPrefix(t, "Nullable("), ")")
			continue
		case strings.HasPrefix(t, "LowCardinality(") && strings.HasSuffix(t, ")"):
			t = strings.TrimSuffix(strings.TrimPrefix(t, "LowCardinality("), ")")
			continue
		}
		break
	}
	// DateTime64 may carry a timezone argument: DateTime64(3, 'UTC').
	if strings.HasPrefix(t, "DateTime64(3") {
		t = string(TypeDateTime64)
	}
	if !knownTypes[Type(t)] {
		return Column{}, fmt.Errorf("column %q: unsupported type %q", name, sqlType)
	}
	c.Type = Type(t)
	return c, nil
}
