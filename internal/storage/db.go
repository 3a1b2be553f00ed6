package storage

import (
	"context"
	"errors"
	"fmt"
)

// Config holds the settings of every store the pipeline can use. The
// journal is optional and only opened when JournalEnabled is set.
type Config struct {
	ClickHouse     ClickHouseConfig
	Postgres       PostgresConfig
	StagingPath    string
	JournalEnabled bool
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "autrik",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "flightlog",
			User:     "flightlog",
			Password: "flightlog",
		},
		StagingPath: "flightlog-staging.db",
	}
}

// DB bundles the open stores of one run. Fields are nil for stores the run
// did not ask for.
type DB struct {
	Staging *StagingDB    // Intermediate artifact between transform and load.
	CH      *ClickHouseDB // Destination tables.
	PG      *PostgresDB   // Run journal.
}

// Open opens the staging database and, when withDestination is set, the
// ClickHouse destination. The journal is opened when enabled in cfg.
func Open(ctx context.Context, cfg Config, withDestination bool) (*DB, error) {
	db := &DB{}

	staging, err := OpenStaging(cfg.StagingPath)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	db.Staging = staging

	if withDestination {
		ch, err := OpenClickHouse(ctx, cfg.ClickHouse)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("clickhouse: %w", err)
		}
		db.CH = ch
	}

	if cfg.JournalEnabled {
		pg, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if err := pg.CreateSchema(ctx); err != nil {
			pg.Close()
			_ = db.Close()
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		db.PG = pg
	}

	return db, nil
}

// Close closes every open store.
func (d *DB) Close() error {
	var errs []error
	if d.Staging != nil {
		if err := d.Staging.Close(); err != nil {
			errs = append(errs, fmt.Errorf("staging: %w", err))
		}
	}
	if d.CH != nil {
		if err := d.CH.Close(); err != nil {
			errs = append(errs, fmt.Errorf("clickhouse: %w", err))
		}
	}
	if d.PG != nil {
		d.PG.Close()
	}
	return errors.Join(errs...)
}
