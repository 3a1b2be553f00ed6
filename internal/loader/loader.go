// Package loader inserts flattened flight rows into the destination store
// without ever inserting a record twice. Existing identities are looked up
// before every batch and only the set difference is written, in chunks.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"flightlog/internal/extractor"
	"flightlog/internal/metrics"
	"flightlog/internal/schema"
	"flightlog/internal/telemetry"
)

// LookupPolicy decides what happens to a batch whose identity lookup fails.
type LookupPolicy string

const (
	// LookupSkip fails the batch; nothing is inserted blind.
	LookupSkip LookupPolicy = "skip"
	// LookupAssumeEmpty treats a failed lookup as an empty key set.
	LookupAssumeEmpty LookupPolicy = "assume-empty"
)

// Options configures a Loader.
type Options struct {
	Database     string
	SummaryTable string
	InfoTable    string
	ChunkSize    int
	StoreTimeout time.Duration
	LookupPolicy LookupPolicy
}

// DefaultOptions returns the destination layout used in production.
func DefaultOptions() Options {
	return Options{
		Database:     "autrik",
		SummaryTable: "flight_summary",
		InfoTable:    "flight_info",
		ChunkSize:    50000,
		StoreTimeout: 2 * time.Minute,
		LookupPolicy: LookupSkip,
	}
}

// BatchResult describes one summary or info batch. Err is set when the batch
// failed without aborting the run.
type BatchResult struct {
	Table      string
	FlightID   string
	Rows       int
	Inserted   int
	Existing   int
	Duplicates int
	NoIdentity int
	Chunks     int
	Err        error
}

// Failed reports whether the batch was abandoned.
func (r BatchResult) Failed() bool { return r.Err != nil }

// Verification holds the post-load totals of the destination.
type Verification struct {
	SummaryRows uint64
	InfoRows    uint64
	InfoFlights uint64
}

// Loader writes summary and info batches to a Store.
type Loader struct {
	store  Store
	opts   Options
	log    *slog.Logger
	dbDone bool

	summary *schema.Schema
	info    *schema.Schema
}

// New creates a loader. Zero-valued options take their defaults.
func New(store Store, opts Options, logger *slog.Logger) *Loader {
	def := DefaultOptions()
	if opts.Database == "" {
		opts.Database = def.Database
	}
	if opts.SummaryTable == "" {
		opts.SummaryTable = def.SummaryTable
	}
	if opts.InfoTable == "" {
		opts.InfoTable = def.InfoTable
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = def.ChunkSize
	}
	if opts.LookupPolicy == "" {
		opts.LookupPolicy = def.LookupPolicy
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{store: store, opts: opts, log: logger}
}

// Options returns the effective options.
func (l *Loader) Options() Options { return l.opts }

// EnsureSummaryTable fixes the summary schema. An existing table is read
// back as is; otherwise the schema is inferred from prof and created.
func (l *Loader) EnsureSummaryTable(ctx context.Context, prof *schema.Profiler) (schema.Schema, error) {
	s, err := l.ensure(ctx, schema.TableSpec{
		Database: l.opts.Database,
		Name:     l.opts.SummaryTable,
		OrderBy:  []string{extractor.ColFlightID},
	}, prof, extractor.ColFlightID)
	if err != nil {
		return schema.Schema{}, err
	}
	l.summary = &s
	return s, nil
}

// EnsureInfoTable fixes the info schema, partitioned by flight.
func (l *Loader) EnsureInfoTable(ctx context.Context, prof *schema.Profiler) (schema.Schema, error) {
	s, err := l.ensure(ctx, schema.TableSpec{
		Database:    l.opts.Database,
		Name:        l.opts.InfoTable,
		OrderBy:     []string{extractor.ColFlightID, extractor.ColTimestamp},
		PartitionBy: extractor.ColFlightID,
	}, prof, extractor.ColPrimaryKey, extractor.ColFlightID, extractor.ColTimestamp)
	if err != nil {
		return schema.Schema{}, err
	}
	l.info = &s
	return s, nil
}

func (l *Loader) ensure(ctx context.Context, spec schema.TableSpec, prof *schema.Profiler, required ...string) (schema.Schema, error) {
	var exists bool
	err := l.call(ctx, func(ctx context.Context) (err error) {
		exists, err = l.store.TableExists(ctx, spec.Database, spec.Name)
		return err
	})
	if err != nil {
		return schema.Schema{}, &StoreUnavailableError{Op: "check table " + spec.Name, Err: err}
	}

	if exists {
		var s schema.Schema
		err := l.call(ctx, func(ctx context.Context) (err error) {
			s, err = l.store.TableColumns(ctx, spec.Database, spec.Name)
			return err
		})
		if err != nil {
			return schema.Schema{}, &StoreUnavailableError{Op: "read columns of " + spec.Name, Err: err}
		}
		l.log.Info("using existing table", "table", spec.Name, "columns", len(s.Columns))
		return s, nil
	}

	if prof == nil || len(prof.Columns()) == 0 {
		return schema.Schema{}, fmt.Errorf("create table %s: no rows to infer a schema from", spec.Name)
	}
	spec.Schema = prof.Schema(required...)
	ddl, err := schema.CreateTable(spec)
	if err != nil {
		return schema.Schema{}, err
	}

	if !l.dbDone && spec.Database != "" {
		if err := l.call(ctx, func(ctx context.Context) error {
			return l.store.ExecDDL(ctx, schema.CreateDatabase(spec.Database))
		}); err != nil {
			return schema.Schema{}, &StoreUnavailableError{Op: "create database " + spec.Database, Err: err}
		}
		l.dbDone = true
	}
	if err := l.call(ctx, func(ctx context.Context) error {
		return l.store.ExecDDL(ctx, ddl)
	}); err != nil {
		return schema.Schema{}, &StoreUnavailableError{Op: "create table " + spec.Name, Err: err}
	}
	l.log.Info("created table", "table", spec.Name, "columns", len(spec.Schema.Columns))
	return spec.Schema, nil
}

// LoadSummary inserts the summary rows whose flight_id is not stored yet in
// a single insert; ChunkSize applies to flight info only. The returned
// error is fatal to the run; batch level failures are reported through
// BatchResult.Err.
func (l *Loader) LoadSummary(ctx context.Context, rows []*telemetry.Row) (BatchResult, error) {
	res := BatchResult{Table: l.opts.SummaryTable, Rows: len(rows)}
	if l.summary == nil {
		return res, fmt.Errorf("load %s: table schema not prepared", res.Table)
	}
	return l.load(ctx, res, *l.summary, extractor.ColFlightID, nil, rows, len(rows))
}

// LoadFlightInfo inserts the frames of one flight whose primary_key is not
// stored yet. Only that flight's keys are looked up.
func (l *Loader) LoadFlightInfo(ctx context.Context, flightID string, rows []*telemetry.Row) (BatchResult, error) {
	res := BatchResult{Table: l.opts.InfoTable, FlightID: flightID, Rows: len(rows)}
	if l.info == nil {
		return res, fmt.Errorf("load %s: table schema not prepared", res.Table)
	}
	if flightID == "" {
		res.Err = &IdentityMissingError{Table: res.Table, Column: extractor.ColFlightID}
		l.log.Warn("skipping batch", "table", res.Table, "error", res.Err)
		return res, nil
	}
	filter := &Filter{Column: extractor.ColFlightID, Value: flightID}
	return l.load(ctx, res, *l.info, extractor.ColPrimaryKey, filter, rows, l.opts.ChunkSize)
}

func (l *Loader) load(ctx context.Context, res BatchResult, s schema.Schema, key string, filter *Filter, rows []*telemetry.Row, chunk int) (BatchResult, error) {
	if len(rows) == 0 {
		return res, nil
	}
	log := l.log.With("table", res.Table)
	if res.FlightID != "" {
		log = log.With("flight_id", res.FlightID)
	}

	if !s.Has(key) || !anyHas(rows, key) {
		res.Err = &IdentityMissingError{Table: res.Table, Column: key}
		log.Warn("skipping batch", "error", res.Err)
		return res, nil
	}

	existing, err := l.lookup(ctx, res.Table, key, filter)
	if err != nil {
		res.Err = err
		log.Warn("skipping batch", "error", err)
		return res, nil
	}

	fresh := make([]*telemetry.Row, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		v, _ := r.Get(key)
		id := v.Text()
		switch {
		case v.IsNull() || id == "":
			res.NoIdentity++
			continue
		case contains(existing, id):
			res.Existing++
			continue
		case contains(seen, id):
			res.Duplicates++
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, r)
	}
	if res.NoIdentity > 0 {
		log.Warn("rows without identity skipped", "column", key, "count", res.NoIdentity)
	}
	if res.Duplicates > 0 {
		log.Warn("duplicate identities in batch, keeping first", "column", key, "count", res.Duplicates)
	}
	metrics.RecordRows(res.Table, "existing", res.Existing)
	metrics.RecordRows(res.Table, "duplicate", res.Duplicates)
	metrics.RecordRows(res.Table, "no_identity", res.NoIdentity)

	if len(fresh) == 0 {
		log.Info("no new records")
		return res, nil
	}

	values, dropped, err := coerceRows(s, fresh)
	if err != nil {
		res.Err = err
		log.Warn("skipping batch", "error", err)
		return res, nil
	}
	if len(dropped) > 0 {
		log.Warn("columns not in table schema dropped", "columns", dropped)
	}

	columns := s.Names()
	for start := 0; start < len(values); start += chunk {
		end := min(start+chunk, len(values))
		err := l.call(ctx, func(ctx context.Context) error {
			return l.store.BulkInsert(ctx, l.opts.Database, res.Table, columns, values[start:end])
		})
		if err != nil {
			return res, &StoreUnavailableError{Op: "insert into " + res.Table, Err: err}
		}
		res.Chunks++
		res.Inserted += end - start
	}
	metrics.RecordRows(res.Table, "inserted", res.Inserted)
	log.Info("inserted records", "count", res.Inserted, "chunks", res.Chunks)
	return res, nil
}

// lookup fetches the stored identities, applying the lookup policy when the
// store cannot answer. An absent table is an empty set, not a failure.
func (l *Loader) lookup(ctx context.Context, table, key string, filter *Filter) (map[string]struct{}, error) {
	var keys map[string]struct{}
	err := l.call(ctx, func(ctx context.Context) error {
		exists, err := l.store.TableExists(ctx, l.opts.Database, table)
		if err != nil || !exists {
			return err
		}
		keys, err = l.store.QueryKeys(ctx, l.opts.Database, table, key, filter)
		return err
	})
	if err == nil {
		if keys == nil {
			keys = map[string]struct{}{}
		}
		return keys, nil
	}

	lookupErr := &StoreUnavailableError{Op: "look up " + key + " in " + table, Err: err}
	if l.opts.LookupPolicy == LookupAssumeEmpty {
		l.log.Warn("identity lookup failed, assuming no stored records", "table", table, "error", lookupErr)
		return map[string]struct{}{}, nil
	}
	return nil, lookupErr
}

// Verify reads the destination totals.
func (l *Loader) Verify(ctx context.Context) (Verification, error) {
	var v Verification
	counts := []struct {
		table, distinct string
		dst             *uint64
	}{
		{l.opts.SummaryTable, "", &v.SummaryRows},
		{l.opts.InfoTable, "", &v.InfoRows},
		{l.opts.InfoTable, extractor.ColFlightID, &v.InfoFlights},
	}
	for _, c := range counts {
		err := l.call(ctx, func(ctx context.Context) (err error) {
			*c.dst, err = l.store.Count(ctx, l.opts.Database, c.table, c.distinct)
			return err
		})
		if err != nil {
			return v, &StoreUnavailableError{Op: "count " + c.table, Err: err}
		}
	}
	return v, nil
}

// call runs fn under the per-call store deadline.
func (l *Loader) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if l.opts.StoreTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, l.opts.StoreTimeout)
	defer cancel()
	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w (after %s)", err, l.opts.StoreTimeout)
	}
	return err
}

// coerceRows converts every row before anything is sent so a mismatch never
// leaves a batch half inserted. Row columns missing from s are reported.
func coerceRows(s schema.Schema, rows []*telemetry.Row) ([][]any, []string, error) {
	known := make(map[string]bool, len(s.Columns))
	for _, c := range s.Columns {
		known[c.Name] = true
	}
	var dropped []string
	out := make([][]any, len(rows))
	for i, r := range rows {
		vals := make([]any, len(s.Columns))
		for j, col := range s.Columns {
			v, _ := r.Get(col.Name)
			cv, err := schema.Coerce(col, v)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d: %w", i, err)
			}
			vals[j] = cv
		}
		for _, f := range r.Fields() {
			if !known[f.Key] {
				known[f.Key] = true
				dropped = append(dropped, f.Key)
			}
		}
		out[i] = vals
	}
	return out, dropped, nil
}

func anyHas(rows []*telemetry.Row, key string) bool {
	for _, r := range rows {
		if r.Has(key) {
			return true
		}
	}
	return false
}

func contains(set map[string]struct{}, k string) bool {
	_, ok := set[k]
	return ok
}
