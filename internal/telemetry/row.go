package telemetry

import "fmt"

// Field is a single named cell of a Row.
type Field struct {
	Key   string
	Value Value
}

// Row is an ordered, duplicate-free mapping of column name to value.
type Row struct {
	fields []Field
	index  map[string]int
}

// NewRow returns an empty row with room for n fields.
func NewRow(n int) *Row {
	return &Row{
		fields: make([]Field, 0, n),
		index:  make(map[string]int, n),
	}
}

// Set appends key. It fails if key is already present.
func (r *Row) Set(key string, v Value) error {
	if r.index == nil {
		r.index = make(map[string]int)
	}
	if _, ok := r.index[key]; ok {
		return fmt.Errorf("duplicate column %q", key)
	}
	r.index[key] = len(r.fields)
	r.fields = append(r.fields, Field{Key: key, Value: v})
	return nil
}

// Get returns the value stored under key.
func (r *Row) Get(key string) (Value, bool) {
	if r == nil {
		return Null(), false
	}
	i, ok := r.index[key]
	if !ok {
		return Null(), false
	}
	return r.fields[i].Value, true
}

// Has reports whether key is present.
func (r *Row) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

// Len returns the number of fields.
func (r *Row) Len() int {
	if r == nil {
		return 0
	}
	return len(r.fields)
}

// Fields returns the fields in insertion order. The slice must not be
// modified.
func (r *Row) Fields() []Field {
	if r == nil {
		return nil
	}
	return r.fields
}

// Keys returns the column names in insertion order.
func (r *Row) Keys() []string {
	keys := make([]string, 0, r.Len())
	for _, f := range r.Fields() {
		keys = append(keys, f.Key)
	}
	return keys
}

// Map returns the row as an unordered map.
func (r *Row) Map() map[string]Value {
	m := make(map[string]Value, r.Len())
	for _, f := range r.Fields() {
		m[f.Key] = f.Value
	}
	return m
}
