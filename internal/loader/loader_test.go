package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flightlog/internal/extractor"
	"flightlog/internal/schema"
	"flightlog/internal/telemetry"
)

type fakeTable struct {
	schema  schema.Schema
	columns []string
	rows    [][]any
}

// fakeStore keeps inserted rows in memory and can be told to fail.
type fakeStore struct {
	ddl     []string
	tables  map[string]*fakeTable
	inserts map[string][]int

	existsErr error
	keysErr   error
	insertErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: map[string]*fakeTable{}, inserts: map[string][]int{}}
}

var createTableRe = regexp.MustCompile("^CREATE TABLE IF NOT EXISTS `[^`]*`\\.`([^`]*)`")

func (f *fakeStore) ExecDDL(_ context.Context, stmt string) error {
	f.ddl = append(f.ddl, stmt)
	if m := createTableRe.FindStringSubmatch(stmt); m != nil {
		f.tables[m[1]] = &fakeTable{}
	}
	return nil
}

func (f *fakeStore) TableExists(_ context.Context, _, table string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.tables[table]
	return ok, nil
}

func (f *fakeStore) TableColumns(_ context.Context, _, table string) (schema.Schema, error) {
	return f.tables[table].schema, nil
}

func (f *fakeStore) QueryKeys(_ context.Context, _, table, key string, filter *Filter) (map[string]struct{}, error) {
	if f.keysErr != nil {
		return nil, f.keysErr
	}
	t := f.tables[table]
	out := map[string]struct{}{}
	for _, r := range t.rows {
		if filter != nil && fmt.Sprint(t.value(r, filter.Column)) != filter.Value {
			continue
		}
		out[fmt.Sprint(t.value(r, key))] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) BulkInsert(_ context.Context, _, table string, columns []string, rows [][]any) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	t := f.tables[table]
	t.columns = columns
	t.rows = append(t.rows, rows...)
	f.inserts[table] = append(f.inserts[table], len(rows))
	return nil
}

func (f *fakeStore) Count(_ context.Context, _, table, distinct string) (uint64, error) {
	t, ok := f.tables[table]
	if !ok {
		return 0, nil
	}
	if distinct == "" {
		return uint64(len(t.rows)), nil
	}
	seen := map[string]bool{}
	for _, r := range t.rows {
		seen[fmt.Sprint(t.value(r, distinct))] = true
	}
	return uint64(len(seen)), nil
}

func (t *fakeTable) value(row []any, column string) any {
	for i, c := range t.columns {
		if c == column {
			return row[i]
		}
	}
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func summaryRow(t *testing.T, id string, startTime int64) *telemetry.Row {
	t.Helper()
	r := telemetry.NewRow(3)
	require.NoError(t, r.Set(extractor.ColFlightID, telemetry.String(id)))
	require.NoError(t, r.Set(extractor.ColStartTime, telemetry.Int(startTime)))
	require.NoError(t, r.Set("aircraftName", telemetry.String("Mavic")))
	return r
}

func frameRow(t *testing.T, id string, flightTime int64) *telemetry.Row {
	t.Helper()
	ts := telemetry.Int(1000 + flightTime)
	r := telemetry.NewRow(6)
	require.NoError(t, r.Set(extractor.ColPrimaryKey, telemetry.String(extractor.PrimaryKey(id, ts))))
	require.NoError(t, r.Set(extractor.ColFlightID, telemetry.String(id)))
	require.NoError(t, r.Set(extractor.ColStartTime, telemetry.Int(1000)))
	require.NoError(t, r.Set(extractor.ColFlightTimeInSeconds, telemetry.Int(flightTime)))
	require.NoError(t, r.Set(extractor.ColTimestamp, ts))
	require.NoError(t, r.Set("osd_height", telemetry.Float(1.5)))
	return r
}

func frames(t *testing.T, id string, n int) []*telemetry.Row {
	t.Helper()
	rows := make([]*telemetry.Row, n)
	for i := range rows {
		rows[i] = frameRow(t, id, int64(i))
	}
	return rows
}

func profile(rows ...[]*telemetry.Row) *schema.Profiler {
	p := schema.NewProfiler()
	for _, batch := range rows {
		for _, r := range batch {
			p.Observe(r)
		}
	}
	return p
}

func prepared(t *testing.T, store *fakeStore, opts Options, summary, info []*telemetry.Row) *Loader {
	t.Helper()
	l := New(store, opts, quietLogger())
	ctx := context.Background()
	_, err := l.EnsureSummaryTable(ctx, profile(summary))
	require.NoError(t, err)
	_, err = l.EnsureInfoTable(ctx, profile(info))
	require.NoError(t, err)
	return l
}

func TestEnsureTablesCreatesOnce(t *testing.T) {
	store := newFakeStore()
	summary := []*telemetry.Row{summaryRow(t, "flightA", 1000)}
	info := frames(t, "flightA", 2)

	l := prepared(t, store, Options{}, summary, info)
	require.Len(t, store.ddl, 3)
	assert.Equal(t, "CREATE DATABASE IF NOT EXISTS `autrik`", store.ddl[0])
	assert.Contains(t, store.ddl[1], "`autrik`.`flight_summary`")
	assert.Contains(t, store.ddl[2], "PARTITION BY `flight_id`")

	// A second pass reads the existing tables instead of creating them.
	store.tables["flight_summary"].schema = schema.Schema{Columns: []schema.Column{{Name: extractor.ColFlightID, Type: schema.TypeString}}}
	s, err := l.EnsureSummaryTable(context.Background(), profile(summary))
	require.NoError(t, err)
	assert.Len(t, store.ddl, 3)
	assert.Equal(t, []string{extractor.ColFlightID}, s.Names())
}

func TestEnsureTableWithoutRows(t *testing.T) {
	l := New(newFakeStore(), Options{}, quietLogger())
	_, err := l.EnsureSummaryTable(context.Background(), schema.NewProfiler())
	assert.Error(t, err)
}

func TestLoadIsIdempotent(t *testing.T) {
	store := newFakeStore()
	summary := []*telemetry.Row{summaryRow(t, "flightA", 1000), summaryRow(t, "flightB", 2000)}
	info := frames(t, "flightA", 3)
	l := prepared(t, store, Options{}, summary, info)
	ctx := context.Background()

	res, err := l.LoadSummary(ctx, summary)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)

	res, err = l.LoadFlightInfo(ctx, "flightA", info)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)

	res, err = l.LoadSummary(ctx, summary)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 2, res.Existing)

	res, err = l.LoadFlightInfo(ctx, "flightA", info)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 3, res.Existing)

	v, err := l.Verify(ctx)
	require.NoError(t, err)
	assert.Equal(t, Verification{SummaryRows: 2, InfoRows: 3, InfoFlights: 1}, v)
}

func TestLoadFlightInfoScopesLookupToFlight(t *testing.T) {
	store := newFakeStore()
	a := frames(t, "flightA", 2)
	b := frames(t, "flightB", 2)
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "flightA", 1000)}, append(append([]*telemetry.Row{}, a...), b...))
	ctx := context.Background()

	_, err := l.LoadFlightInfo(ctx, "flightA", a)
	require.NoError(t, err)
	res, err := l.LoadFlightInfo(ctx, "flightB", b)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 0, res.Existing)
}

func TestLoadChunksLargeBatches(t *testing.T) {
	store := newFakeStore()
	info := frames(t, "long", 120000)
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "long", 1000)}, info)

	res, err := l.LoadFlightInfo(context.Background(), "long", info)
	require.NoError(t, err)
	assert.Equal(t, 120000, res.Inserted)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []int{50000, 50000, 20000}, store.inserts["flight_info"])

	// Chunks keep the batch order.
	rows := store.tables["flight_info"].rows
	assert.Equal(t, "long_1000", rows[0][0])
	assert.Equal(t, "long_120999", rows[len(rows)-1][0])
}

func TestLoadSummaryIsOneInsert(t *testing.T) {
	store := newFakeStore()
	var summary []*telemetry.Row
	for i := range 5 {
		summary = append(summary, summaryRow(t, fmt.Sprintf("flight%d", i), int64(1000+i)))
	}
	info := frames(t, "flight0", 5)
	l := prepared(t, store, Options{ChunkSize: 2}, summary, info)
	ctx := context.Background()

	res, err := l.LoadSummary(ctx, summary)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Inserted)
	assert.Equal(t, 1, res.Chunks)
	assert.Equal(t, []int{5}, store.inserts["flight_summary"])

	res, err = l.LoadFlightInfo(ctx, "flight0", info)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Chunks)
	assert.Equal(t, []int{2, 2, 1}, store.inserts["flight_info"])
}

func TestLoadKeepsFirstDuplicate(t *testing.T) {
	store := newFakeStore()
	first := frameRow(t, "dup", 7)
	second := telemetry.NewRow(6)
	for _, f := range first.Fields() {
		v := f.Value
		if f.Key == "osd_height" {
			v = telemetry.Float(9.5)
		}
		require.NoError(t, second.Set(f.Key, v))
	}
	info := []*telemetry.Row{first, second}
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "dup", 1000)}, info)

	res, err := l.LoadFlightInfo(context.Background(), "dup", info)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Duplicates)
	require.Len(t, store.tables["flight_info"].rows, 1)
	assert.Equal(t, 1.5, store.tables["flight_info"].value(store.tables["flight_info"].rows[0], "osd_height"))
}

func TestLoadSkipsRowsWithoutIdentity(t *testing.T) {
	store := newFakeStore()
	ok := summaryRow(t, "flightA", 1000)
	empty := summaryRow(t, "", 1000)
	missing := telemetry.NewRow(1)
	require.NoError(t, missing.Set(extractor.ColStartTime, telemetry.Int(5)))
	rows := []*telemetry.Row{ok, empty, missing}
	l := prepared(t, store, Options{}, rows, frames(t, "flightA", 1))

	res, err := l.LoadSummary(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, res.NoIdentity)
}

func TestLoadIdentityColumnMissing(t *testing.T) {
	store := newFakeStore()
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "a", 1)}, frames(t, "a", 1))

	row := telemetry.NewRow(1)
	require.NoError(t, row.Set(extractor.ColFlightID, telemetry.String("a")))
	res, err := l.LoadFlightInfo(context.Background(), "a", []*telemetry.Row{row})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, ErrIdentityMissing))
	assert.Empty(t, store.inserts["flight_info"])

	res, err = l.LoadFlightInfo(context.Background(), "", frames(t, "a", 1))
	require.NoError(t, err)
	var ime *IdentityMissingError
	require.True(t, errors.As(res.Err, &ime))
	assert.Equal(t, extractor.ColFlightID, ime.Column)
}

func TestLookupFailurePolicies(t *testing.T) {
	tests := []struct {
		name         string
		policy       LookupPolicy
		wantInserted int
		wantFailed   bool
	}{
		{"skip leaves batch out", LookupSkip, 0, true},
		{"assume-empty inserts everything", LookupAssumeEmpty, 2, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			info := frames(t, "a", 2)
			l := prepared(t, store, Options{LookupPolicy: tt.policy}, []*telemetry.Row{summaryRow(t, "a", 1)}, info)
			store.keysErr = errors.New("connection reset")

			res, err := l.LoadFlightInfo(context.Background(), "a", info)
			require.NoError(t, err)
			assert.Equal(t, tt.wantInserted, res.Inserted)
			assert.Equal(t, tt.wantFailed, res.Failed())
			if tt.wantFailed {
				assert.True(t, errors.Is(res.Err, ErrStoreUnavailable))
			}
		})
	}
}

func TestLoadSchemaMismatchFailsBatchOnly(t *testing.T) {
	store := newFakeStore()
	good := frames(t, "a", 2)
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "a", 1)}, good)

	bad := frameRow(t, "b", 1)
	broken := telemetry.NewRow(6)
	for _, f := range bad.Fields() {
		v := f.Value
		if f.Key == "osd_height" {
			v = telemetry.String("high")
		}
		require.NoError(t, broken.Set(f.Key, v))
	}

	res, err := l.LoadFlightInfo(context.Background(), "b", []*telemetry.Row{frameRow(t, "b", 0), broken})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Err, schema.ErrSchemaMismatch))
	assert.Empty(t, store.inserts["flight_info"])

	res, err = l.LoadFlightInfo(context.Background(), "a", good)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
}

func TestLoadDropsUnknownColumns(t *testing.T) {
	store := newFakeStore()
	rows := []*telemetry.Row{summaryRow(t, "a", 1)}
	l := prepared(t, store, Options{}, rows, frames(t, "a", 1))

	extra := summaryRow(t, "b", 2)
	require.NoError(t, extra.Set("newField", telemetry.Int(1)))
	res, err := l.LoadSummary(context.Background(), []*telemetry.Row{extra})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, []string{extractor.ColFlightID, extractor.ColStartTime, "aircraftName"}, store.tables["flight_summary"].columns)
}

func TestInsertFailureIsFatal(t *testing.T) {
	store := newFakeStore()
	info := frames(t, "a", 2)
	l := prepared(t, store, Options{}, []*telemetry.Row{summaryRow(t, "a", 1)}, info)
	store.insertErr = errors.New("disk full")

	_, err := l.LoadFlightInfo(context.Background(), "a", info)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
}

func TestLoadBeforeEnsure(t *testing.T) {
	l := New(newFakeStore(), Options{}, quietLogger())
	_, err := l.LoadSummary(context.Background(), []*telemetry.Row{summaryRow(t, "a", 1)})
	assert.Error(t, err)
}

func TestEnsureTableStoreDown(t *testing.T) {
	store := newFakeStore()
	store.existsErr = errors.New("dial tcp: connection refused")
	l := New(store, Options{}, quietLogger())

	_, err := l.EnsureInfoTable(context.Background(), profile(frames(t, "a", 1)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Empty(t, store.ddl)
}
