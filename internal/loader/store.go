package loader

import (
	"context"

	"flightlog/internal/schema"
)

// Filter restricts a key lookup to rows where Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// Store is the destination the loader writes to. Implementations must be
// safe for sequential use; the loader never calls a Store concurrently.
type Store interface {
	// ExecDDL runs a schema statement such as CREATE TABLE.
	ExecDDL(ctx context.Context, stmt string) error

	// TableExists reports whether database.table exists. An error means the
	// question could not be answered, never that the table is absent.
	TableExists(ctx context.Context, database, table string) (bool, error)

	// TableColumns returns the schema of an existing table in column order.
	TableColumns(ctx context.Context, database, table string) (schema.Schema, error)

	// QueryKeys returns the set of values stored in column key, optionally
	// restricted by filter.
	QueryKeys(ctx context.Context, database, table, key string, filter *Filter) (map[string]struct{}, error)

	// BulkInsert appends rows in one request. Every row holds one value per
	// column, in the order of columns.
	BulkInsert(ctx context.Context, database, table string, columns []string, rows [][]any) error

	// Count returns count() of the table, or count(DISTINCT distinct) when
	// distinct is non-empty.
	Count(ctx context.Context, database, table, distinct string) (uint64, error)
}
