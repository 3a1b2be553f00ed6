package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"flightlog/internal/extractor"
	"flightlog/internal/telemetry"
)

// Logical tables of the staging area. Every flight gets its own info table,
// mirroring one intermediate file per flight.
const (
	SummaryTable    = "summary"
	infoTablePrefix = "info:"
)

// InfoTable names the staged frame table of one flight.
func InfoTable(flightID string) string {
	return infoTablePrefix + flightID
}

// ErrAlreadyStaged is returned when a flight is staged twice.
var ErrAlreadyStaged = errors.New("flight already staged")

// StagedFlight describes one staged input file.
type StagedFlight struct {
	FlightID   string
	SourcePath string
	Checksum   string
	Frames     int
	HasSummary bool
	StagedAt   time.Time
}

// StagingDB is the tabular artifact between transform and load. Cells keep
// their value tags so ints, floats and bools come back as they went in.
type StagingDB struct {
	db *sql.DB
}

// OpenStaging opens or creates the staging database at path.
func OpenStaging(path string) (*StagingDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open staging: %w", err)
	}
	// A single writer keeps transactions serialized.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := createStagingSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create staging schema: %w", err)
	}

	return &StagingDB{db: db}, nil
}

// Close closes the staging database.
func (d *StagingDB) Close() error {
	return d.db.Close()
}

func createStagingSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS staged_files (
		flight_id   TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		checksum    TEXT NOT NULL,
		frame_count INTEGER NOT NULL,
		has_summary INTEGER NOT NULL DEFAULT 0,
		staged_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS staged_columns (
		table_name TEXT NOT NULL,
		position   INTEGER NOT NULL,
		name       TEXT NOT NULL,
		PRIMARY KEY (table_name, position),
		UNIQUE (table_name, name)
	);

	CREATE TABLE IF NOT EXISTS staged_rows (
		table_name TEXT NOT NULL,
		seq        INTEGER NOT NULL,
		cells      TEXT NOT NULL,
		PRIMARY KEY (table_name, seq)
	);
	`)
	return err
}

// StagedFlights returns the checksum of every staged flight by flight_id.
func (d *StagingDB) StagedFlights(ctx context.Context) (map[string]string, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT flight_id, checksum FROM staged_files`)
	if err != nil {
		return nil, fmt.Errorf("query staged flights: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, sum string
		if err := rows.Scan(&id, &sum); err != nil {
			return nil, fmt.Errorf("scan staged flight: %w", err)
		}
		out[id] = sum
	}
	return out, rows.Err()
}

// Flights lists staged flights in staging order.
func (d *StagingDB) Flights(ctx context.Context) ([]StagedFlight, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT flight_id, source_path, checksum, frame_count, has_summary, staged_at
		FROM staged_files ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("query flights: %w", err)
	}
	defer rows.Close()

	var flights []StagedFlight
	for rows.Next() {
		var f StagedFlight
		var stagedAt string
		if err := rows.Scan(&f.FlightID, &f.SourcePath, &f.Checksum, &f.Frames, &f.HasSummary, &stagedAt); err != nil {
			return nil, fmt.Errorf("scan flight: %w", err)
		}
		f.StagedAt, _ = time.Parse(time.RFC3339Nano, stagedAt)
		flights = append(flights, f)
	}
	return flights, rows.Err()
}

// StageFlight writes one flight in a single transaction: its file record,
// its summary row appended to the summary table, and its frame table.
func (d *StagingDB) StageFlight(ctx context.Context, f *extractor.Flight, sourcePath, checksum string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM staged_files WHERE flight_id = ?`, f.ID).Scan(&n); err != nil {
		return fmt.Errorf("check staged: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%s: %w", f.ID, ErrAlreadyStaged)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO staged_files (flight_id, source_path, checksum, frame_count, has_summary, staged_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, sourcePath, checksum, len(f.Frames), f.Summary != nil, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert staged file: %w", err)
	}

	if f.Summary != nil {
		if err := appendRows(ctx, tx, SummaryTable, []*telemetry.Row{f.Summary}); err != nil {
			return err
		}
	}
	if err := appendRows(ctx, tx, InfoTable(f.ID), f.Frames); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// SummaryRows returns all staged summary rows in staging order.
func (d *StagingDB) SummaryRows(ctx context.Context) ([]*telemetry.Row, error) {
	return d.readRows(ctx, SummaryTable)
}

// InfoRows returns the staged frames of one flight in source order.
func (d *StagingDB) InfoRows(ctx context.Context, flightID string) ([]*telemetry.Row, error) {
	return d.readRows(ctx, InfoTable(flightID))
}

// appendRows extends the column list of table with unseen keys and stores
// each row as a position-keyed object of tagged cells.
func appendRows(ctx context.Context, tx *sql.Tx, table string, rows []*telemetry.Row) error {
	if len(rows) == 0 {
		return nil
	}

	positions, err := columnPositions(ctx, tx, table)
	if err != nil {
		return err
	}
	next := len(positions)

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM staged_rows WHERE table_name = ?`, table,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("next sequence of %s: %w", table, err)
	}

	colStmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_columns (table_name, position, name) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare column insert: %w", err)
	}
	defer colStmt.Close()
	rowStmt, err := tx.PrepareContext(ctx, `INSERT INTO staged_rows (table_name, seq, cells) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare row insert: %w", err)
	}
	defer rowStmt.Close()

	for _, r := range rows {
		cells := make(map[int]telemetry.Value, r.Len())
		for _, f := range r.Fields() {
			pos, ok := positions[f.Key]
			if !ok {
				pos = next
				next++
				positions[f.Key] = pos
				if _, err := colStmt.ExecContext(ctx, table, pos, f.Key); err != nil {
					return fmt.Errorf("insert column %q of %s: %w", f.Key, table, err)
				}
			}
			cells[pos] = f.Value
		}
		data, err := json.Marshal(cells)
		if err != nil {
			return fmt.Errorf("encode row of %s: %w", table, err)
		}
		if _, err := rowStmt.ExecContext(ctx, table, seq, string(data)); err != nil {
			return fmt.Errorf("insert row of %s: %w", table, err)
		}
		seq++
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func columnPositions(ctx context.Context, q queryer, table string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, position FROM staged_columns WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("query columns of %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var name string
		var pos int
		if err := rows.Scan(&name, &pos); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		out[name] = pos
	}
	return out, rows.Err()
}

func (d *StagingDB) readRows(ctx context.Context, table string) ([]*telemetry.Row, error) {
	positions, err := columnPositions(ctx, d.db, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(positions))
	for name, pos := range positions {
		if pos < 0 || pos >= len(names) {
			return nil, fmt.Errorf("%s: column %q at invalid position %d", table, name, pos)
		}
		names[pos] = name
	}

	rows, err := d.db.QueryContext(ctx, `SELECT cells FROM staged_rows WHERE table_name = ? ORDER BY seq`, table)
	if err != nil {
		return nil, fmt.Errorf("query rows of %s: %w", table, err)
	}
	defer rows.Close()

	var out []*telemetry.Row
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		var cells map[int]telemetry.Value
		if err := json.Unmarshal([]byte(data), &cells); err != nil {
			return nil, fmt.Errorf("decode row of %s: %w", table, err)
		}
		present := make([]int, 0, len(cells))
		for pos := range cells {
			present = append(present, pos)
		}
		sort.Ints(present)

		row := telemetry.NewRow(len(present))
		for _, pos := range present {
			if pos < 0 || pos >= len(names) {
				return nil, fmt.Errorf("%s: cell at unknown position %d", table, pos)
			}
			if err := row.Set(names[pos], cells[pos]); err != nil {
				return nil, fmt.Errorf("%s: %w", table, err)
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
