package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB is the run journal: one row per pipeline run and one per input
// file outcome.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// DSN returns the connection URL with every component escaped.
func (c PostgresConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// OpenPostgres opens a connection pool to PostgreSQL.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}

	poolCfg.MaxConns = 4
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() {
	d.pool.Close()
}

// Pool returns the underlying connection pool.
func (d *PostgresDB) Pool() *pgxpool.Pool {
	return d.pool
}

// CreateSchema creates the journal tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS etl_runs (
		run_id            UUID PRIMARY KEY,
		command           TEXT NOT NULL,
		started_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at       TIMESTAMPTZ,
		status            TEXT NOT NULL DEFAULT 'running',
		files_succeeded   INTEGER NOT NULL DEFAULT 0,
		files_skipped     INTEGER NOT NULL DEFAULT 0,
		files_failed      INTEGER NOT NULL DEFAULT 0,
		summary_inserted  BIGINT NOT NULL DEFAULT 0,
		info_inserted     BIGINT NOT NULL DEFAULT 0,
		batches_failed    INTEGER NOT NULL DEFAULT 0,
		error             TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_etl_runs_started ON etl_runs(started_at);

	CREATE TABLE IF NOT EXISTS etl_file_events (
		id           BIGSERIAL PRIMARY KEY,
		run_id       UUID NOT NULL REFERENCES etl_runs(run_id) ON DELETE CASCADE,
		flight_id    TEXT NOT NULL,
		source_path  TEXT NOT NULL,
		outcome      TEXT NOT NULL,
		detail       TEXT,
		recorded_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_etl_file_events_run ON etl_file_events(run_id);
	CREATE INDEX IF NOT EXISTS idx_etl_file_events_flight ON etl_file_events(flight_id);
	`)
	if err != nil {
		return fmt.Errorf("create journal schema: %w", err)
	}
	return nil
}

// FileEvent is the outcome of one input file in a run.
type FileEvent struct {
	FlightID   string
	SourcePath string
	Outcome    string
	Detail     string
}

// RunTotals are the end-of-run counters stored with a run.
type RunTotals struct {
	FilesSucceeded  int
	FilesSkipped    int
	FilesFailed     int
	SummaryInserted int
	InfoInserted    int
	BatchesFailed   int
}

// Run is one journal entry.
type Run struct {
	ID         string
	Command    string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Totals     RunTotals
	Error      *string
}

// StartRun opens a journal entry and returns its id.
func (d *PostgresDB) StartRun(ctx context.Context, command string) (string, error) {
	id := uuid.New().String()
	_, err := d.pool.Exec(ctx, `
		INSERT INTO etl_runs (run_id, command, started_at)
		VALUES ($1, $2, $3)
	`, id, command, time.Now())
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// RecordFile appends a file outcome to a run.
func (d *PostgresDB) RecordFile(ctx context.Context, runID string, ev FileEvent) error {
	var detail *string
	if ev.Detail != "" {
		detail = &ev.Detail
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO etl_file_events (run_id, flight_id, source_path, outcome, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, runID, ev.FlightID, ev.SourcePath, ev.Outcome, detail)
	if err != nil {
		return fmt.Errorf("record file %s: %w", ev.FlightID, err)
	}
	return nil
}

// FinishRun closes a journal entry with its totals. A non-nil runErr marks
// the run failed.
func (d *PostgresDB) FinishRun(ctx context.Context, runID string, t RunTotals, runErr error) error {
	status := "succeeded"
	var errText *string
	if runErr != nil {
		status = "failed"
		s := runErr.Error()
		errText = &s
	}
	_, err := d.pool.Exec(ctx, `
		UPDATE etl_runs SET
			finished_at = $2,
			status = $3,
			files_succeeded = $4,
			files_skipped = $5,
			files_failed = $6,
			summary_inserted = $7,
			info_inserted = $8,
			batches_failed = $9,
			error = $10
		WHERE run_id = $1
	`, runID, time.Now(), status, t.FilesSucceeded, t.FilesSkipped, t.FilesFailed,
		t.SummaryInserted, t.InfoInserted, t.BatchesFailed, errText)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id. It returns nil when the run does not exist.
func (d *PostgresDB) GetRun(ctx context.Context, runID string) (*Run, error) {
	rows, err := d.pool.Query(ctx, runSelect+` WHERE run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	runs, err := collectRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// ListRuns returns the most recent runs, newest first.
func (d *PostgresDB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := d.pool.Query(ctx, runSelect+` ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	return collectRuns(rows)
}

// FileEvents returns the file outcomes of a run in recording order.
func (d *PostgresDB) FileEvents(ctx context.Context, runID string) ([]FileEvent, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT flight_id, source_path, outcome, COALESCE(detail, '')
		FROM etl_file_events WHERE run_id = $1 ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query file events: %w", err)
	}
	defer rows.Close()

	var events []FileEvent
	for rows.Next() {
		var ev FileEvent
		if err := rows.Scan(&ev.FlightID, &ev.SourcePath, &ev.Outcome, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan file event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

const runSelect = `
	SELECT run_id::text, command, started_at, finished_at, status,
		files_succeeded, files_skipped, files_failed,
		summary_inserted, info_inserted, batches_failed, error
	FROM etl_runs`

func collectRuns(rows pgx.Rows) ([]Run, error) {
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var summary, info int64
		err := rows.Scan(&r.ID, &r.Command, &r.StartedAt, &r.FinishedAt, &r.Status,
			&r.Totals.FilesSucceeded, &r.Totals.FilesSkipped, &r.Totals.FilesFailed,
			&summary, &info, &r.Totals.BatchesFailed, &r.Error)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Totals.SummaryInserted = int(summary)
		r.Totals.InfoInserted = int(info)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
