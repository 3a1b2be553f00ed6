package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flightlog/internal/loader"
	"flightlog/internal/metrics"
	"flightlog/internal/notify"
	"flightlog/internal/schema"
	"flightlog/internal/storage"
	"flightlog/internal/telemetry"
)

// Source reads staged flights back for loading.
type Source interface {
	Flights(ctx context.Context) ([]storage.StagedFlight, error)
	SummaryRows(ctx context.Context) ([]*telemetry.Row, error)
	InfoRows(ctx context.Context, flightID string) ([]*telemetry.Row, error)
}

// Publisher announces completed flight loads.
type Publisher interface {
	Publish(ev notify.Event) error
}

// LoadReport summarises a load run.
type LoadReport struct {
	Summary loader.BatchResult
	Info    []loader.BatchResult

	SummaryInserted int
	InfoInserted    int
	BatchesFailed   int

	Verification *loader.Verification
}

// Load moves every staged flight into the destination: the summary table
// first, then one info batch per flight. Failed batches are reported and
// the run continues; the returned error means the destination is unusable.
func Load(ctx context.Context, src Source, l *loader.Loader, pub Publisher, runID string, log *slog.Logger) (report LoadReport, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("load", err, time.Since(start)) }()

	if log == nil {
		log = slog.Default()
	}

	flights, err := src.Flights(ctx)
	if err != nil {
		return report, fmt.Errorf("list staged flights: %w", err)
	}
	summaryRows, err := src.SummaryRows(ctx)
	if err != nil {
		return report, fmt.Errorf("read staged summaries: %w", err)
	}

	// The info schema has to cover every flight, so all frames are profiled
	// before the first batch goes out.
	infoRows := make(map[string][]*telemetry.Row, len(flights))
	infoProf := schema.NewProfiler()
	for _, f := range flights {
		rows, err := src.InfoRows(ctx, f.FlightID)
		if err != nil {
			return report, fmt.Errorf("read staged frames of %s: %w", f.FlightID, err)
		}
		infoRows[f.FlightID] = rows
		for _, r := range rows {
			infoProf.Observe(r)
		}
	}

	if len(summaryRows) > 0 {
		sumProf := schema.NewProfiler()
		for _, r := range summaryRows {
			sumProf.Observe(r)
		}
		if _, err := l.EnsureSummaryTable(ctx, sumProf); err != nil {
			return report, err
		}
		res, err := l.LoadSummary(ctx, summaryRows)
		if err != nil {
			return report, err
		}
		report.Summary = res
		report.SummaryInserted = res.Inserted
		if res.Failed() {
			report.BatchesFailed++
			log.Error("summary batch failed", "error", res.Err)
		}
	} else {
		log.Info("no staged summaries, skipping summary table")
	}

	if len(infoProf.Columns()) > 0 {
		if _, err := l.EnsureInfoTable(ctx, infoProf); err != nil {
			return report, err
		}
		for _, f := range flights {
			rows := infoRows[f.FlightID]
			if len(rows) == 0 {
				continue
			}
			res, err := l.LoadFlightInfo(ctx, f.FlightID, rows)
			if err != nil {
				return report, err
			}
			report.Info = append(report.Info, res)
			report.InfoInserted += res.Inserted
			if res.Failed() {
				report.BatchesFailed++
				log.Error("info batch failed", "flight_id", f.FlightID, "error", res.Err)
				continue
			}
			if pub != nil && res.Inserted > 0 {
				ev := notify.Event{
					RunID:    runID,
					FlightID: f.FlightID,
					Table:    res.Table,
					Inserted: res.Inserted,
					Existing: res.Existing,
					LoadedAt: time.Now().UTC(),
				}
				if err := pub.Publish(ev); err != nil {
					log.Warn("publish load event failed", "flight_id", f.FlightID, "error", err)
				}
			}
		}
	} else {
		log.Info("no staged frames, skipping info table")
	}

	if len(summaryRows) > 0 && len(infoProf.Columns()) > 0 {
		v, err := l.Verify(ctx)
		if err != nil {
			log.Warn("verification failed", "error", err)
		} else {
			report.Verification = &v
			log.Info("destination totals",
				"summary_rows", v.SummaryRows,
				"info_rows", v.InfoRows,
				"info_flights", v.InfoFlights,
			)
		}
	}

	log.Info("load complete",
		"flights", len(flights),
		"summary_inserted", report.SummaryInserted,
		"info_inserted", report.InfoInserted,
		"batches_failed", report.BatchesFailed,
	)
	return report, nil
}
