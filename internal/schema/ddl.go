package schema

import (
	"fmt"
	"strings"
)

// TableSpec describes a MergeTree table to create.
type TableSpec struct {
	Database    string
	Name        string
	Schema      Schema
	OrderBy     []string
	PartitionBy string
}

// QuoteIdentifier wraps a ClickHouse identifier in backticks, escaping
// embedded backticks and backslashes.
func QuoteIdentifier(name string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return "`" + r.Replace(name) + "`"
}

// QualifiedName renders database.table with both parts quoted.
func QualifiedName(database, table string) string {
	if database == "" {
		return QuoteIdentifier(table)
	}
	return QuoteIdentifier(database) + "." + QuoteIdentifier(table)
}

// CreateDatabase renders CREATE DATABASE IF NOT EXISTS.
func CreateDatabase(name string) string {
	return "CREATE DATABASE IF NOT EXISTS " + QuoteIdentifier(name)
}

// CreateTable renders CREATE TABLE IF NOT EXISTS for spec. Sort and
// partition columns must be part of the schema.
func CreateTable(spec TableSpec) (string, error) {
	if spec.Name == "" {
		return "", fmt.Errorf("create table: missing table name")
	}
	if len(spec.Schema.Columns) == 0 {
		return "", fmt.Errorf("create table %s: no columns", spec.Name)
	}
	if len(spec.OrderBy) == 0 {
		return "", fmt.Errorf("create table %s: missing sort key", spec.Name)
	}
	keys := append([]string(nil), spec.OrderBy...)
	if spec.PartitionBy != "" {
		keys = append(keys, spec.PartitionBy)
	}
	for _, k := range keys {
		c, ok := spec.Schema.Lookup(k)
		if !ok {
			return "", fmt.Errorf("create table %s: key column %q not in schema", spec.Name, k)
		}
		if c.Nullable {
			return "", fmt.Errorf("create table %s: key column %q is nullable", spec.Name, k)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", QualifiedName(spec.Database, spec.Name))
	for i, c := range spec.Schema.Columns {
		fmt.Fprintf(&b, "\t%s %s", QuoteIdentifier(c.Name), c.SQLType())
		if i < len(spec.Schema.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")\nENGINE = MergeTree()\n")
	if spec.PartitionBy != "" {
		fmt.Fprintf(&b, "PARTITION BY %s\n", QuoteIdentifier(spec.PartitionBy))
	}
	if len(spec.OrderBy) == 1 {
		fmt.Fprintf(&b, "ORDER BY %s", QuoteIdentifier(spec.OrderBy[0]))
	} else {
		quoted := make([]string, len(spec.OrderBy))
		for i, k := range spec.OrderBy {
			quoted[i] = QuoteIdentifier(k)
		}
		fmt.Fprintf(&b, "ORDER BY (%s)", strings.Join(quoted, ", "))
	}
	return b.String(), nil
}
