// Package storage holds the databases of the pipeline: ClickHouse as the
// destination, a SQLite file as the staging area between transform and load,
// and an optional PostgreSQL run journal.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"flightlog/internal/loader"
	"flightlog/internal/schema"
)

// ClickHouseConfig holds ClickHouse connection settings. Database is the
// destination database; the connection itself starts in the server default
// so the destination can be created on first load.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB implements loader.Store on a native protocol connection.
type ClickHouseDB struct {
	conn driver.Conn
}

var _ loader.Store = (*ClickHouseDB)(nil)

// Conn returns the underlying ClickHouse connection for direct queries.
func (d *ClickHouseDB) Conn() driver.Conn {
	return d.conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    4,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("open clickhouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping clickhouse: %w", err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// ExecDDL runs a schema statement.
func (d *ClickHouseDB) ExecDDL(ctx context.Context, stmt string) error {
	if err := d.conn.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("exec ddl: %w", err)
	}
	return nil
}

// TableExists looks the table up in system.tables.
func (d *ClickHouseDB) TableExists(ctx context.Context, database, table string) (bool, error) {
	var n uint64
	err := d.conn.QueryRow(ctx,
		`SELECT count() FROM system.tables WHERE database = ? AND name = ?`,
		database, table,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s.%s: %w", database, table, err)
	}
	return n > 0, nil
}

// TableColumns reads the column definitions of an existing table.
func (d *ClickHouseDB) TableColumns(ctx context.Context, database, table string) (schema.Schema, error) {
	rows, err := d.conn.Query(ctx,
		`SELECT name, type FROM system.columns WHERE database = ? AND table = ? ORDER BY position`,
		database, table,
	)
	if err != nil {
		return schema.Schema{}, fmt.Errorf("query columns: %w", err)
	}
	defer rows.Close()

	var s schema.Schema
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return schema.Schema{}, fmt.Errorf("scan column: %w", err)
		}
		col, err := schema.ParseColumn(name, typ)
		if err != nil {
			return schema.Schema{}, err
		}
		s.Columns = append(s.Columns, col)
	}
	if err := rows.Err(); err != nil {
		return schema.Schema{}, fmt.Errorf("iterate columns: %w", err)
	}
	return s, nil
}

// QueryKeys returns the distinct identities stored in key, as text.
func (d *ClickHouseDB) QueryKeys(ctx context.Context, database, table, key string, filter *loader.Filter) (map[string]struct{}, error) {
	q := fmt.Sprintf("SELECT DISTINCT toString(%s) FROM %s",
		schema.QuoteIdentifier(key), schema.QualifiedName(database, table))
	var args []any
	if filter != nil {
		q += fmt.Sprintf(" WHERE %s = ?", schema.QuoteIdentifier(filter.Column))
		args = append(args, filter.Value)
	}

	rows, err := d.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// BulkInsert sends rows as one native batch.
func (d *ClickHouseDB) BulkInsert(ctx context.Context, database, table string, columns []string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = schema.QuoteIdentifier(c)
	}
	batch, err := d.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)",
		schema.QualifiedName(database, table), strings.Join(quoted, ", ")))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(r...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Count returns count() or count(DISTINCT distinct) of a table.
func (d *ClickHouseDB) Count(ctx context.Context, database, table, distinct string) (uint64, error) {
	expr := "count()"
	if distinct != "" {
		expr = fmt.Sprintf("count(DISTINCT %s)", schema.QuoteIdentifier(distinct))
	}
	var n uint64
	q := fmt.Sprintf("SELECT %s FROM %s", expr, schema.QualifiedName(database, table))
	if err := d.conn.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
