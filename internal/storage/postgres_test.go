package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestPostgres creates a test database connection.
// Returns nil if no PostgreSQL connection is available.
func setupTestPostgres(t *testing.T) *PostgresDB {
	t.Helper()

	ctx := context.Background()
	pg, err := OpenPostgres(ctx, PostgresConfig{
		Host:     envOr("POSTGRES_HOST", "localhost"),
		Port:     5432,
		User:     envOr("POSTGRES_USER", "flightlog"),
		Password: envOr("POSTGRES_PASSWORD", "flightlog"),
		Database: envOr("POSTGRES_DB", "flightlog"),
	})
	if err != nil {
		return nil
	}

	if err := pg.CreateSchema(ctx); err != nil {
		pg.Close()
		return nil
	}
	t.Cleanup(pg.Close)
	return pg
}

func TestPostgresDSNEscapesCredentials(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "db.internal",
		Port:     6432,
		Database: "flight log",
		User:     "etl@ops",
		Password: "p@ss/w:rd?#%",
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN())
	require.NoError(t, err)
	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(6432), pc.ConnConfig.Port)
	assert.Equal(t, "flight log", pc.ConnConfig.Database)
	assert.Equal(t, "etl@ops", pc.ConnConfig.User)
	assert.Equal(t, "p@ss/w:rd?#%", pc.ConnConfig.Password)
	assert.Nil(t, pc.ConnConfig.TLSConfig)
}

func TestRunJournal(t *testing.T) {
	pg := setupTestPostgres(t)
	if pg == nil {
		t.Skip("No PostgreSQL connection available")
	}
	ctx := context.Background()

	id, err := pg.StartRun(ctx, "run")
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pg.Pool().Exec(context.Background(), `DELETE FROM etl_runs WHERE run_id = $1`, id)
	})

	require.NoError(t, pg.RecordFile(ctx, id, FileEvent{FlightID: "a", SourcePath: "a.json", Outcome: "succeeded"}))
	require.NoError(t, pg.RecordFile(ctx, id, FileEvent{FlightID: "b", SourcePath: "b.json", Outcome: "failed", Detail: "parse error"}))

	totals := RunTotals{FilesSucceeded: 1, FilesFailed: 1, SummaryInserted: 1, InfoInserted: 120}
	require.NoError(t, pg.FinishRun(ctx, id, totals, errors.New("insert failed")))

	run, err := pg.GetRun(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, "failed", run.Status)
	assert.Equal(t, totals, run.Totals)
	require.NotNil(t, run.Error)
	assert.Equal(t, "insert failed", *run.Error)
	assert.NotNil(t, run.FinishedAt)

	events, err := pg.FileEvents(ctx, id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "parse error", events[1].Detail)

	missing, err := pg.GetRun(ctx, "00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Nil(t, missing)
}
