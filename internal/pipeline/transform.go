// Package pipeline runs the two stages of the ETL. Transform turns input
// files into staged flights; Load moves staged flights into the destination.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/errgroup"

	"flightlog/internal/extractor"
	"flightlog/internal/metrics"
	"flightlog/internal/storage"
	"flightlog/internal/telemetry"
)

// Outcome classifies what happened to one input file.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
)

// Stager persists transformed flights between the two stages.
type Stager interface {
	StagedFlights(ctx context.Context) (map[string]string, error)
	StageFlight(ctx context.Context, f *extractor.Flight, sourcePath, checksum string) error
}

// Journal records per-file outcomes of a run.
type Journal interface {
	RecordFile(ctx context.Context, runID string, ev storage.FileEvent) error
}

// TransformOptions configures a transform run.
type TransformOptions struct {
	Workers     int
	FileTimeout time.Duration
	RunID       string
	Journal     Journal
}

// FileResult is the outcome of one input file.
type FileResult struct {
	Path     string
	FlightID string
	Checksum string
	Outcome  Outcome
	Frames   int
	// Changed is set when a skipped file no longer matches the staged copy.
	Changed bool
	Err     error
}

// TransformReport summarises a transform run.
type TransformReport struct {
	Files     []FileResult
	Succeeded int
	Skipped   int
	Failed    int
}

// Discover lists the *.json files directly inside dir, sorted by name.
func Discover(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Checksum fingerprints file content.
func Checksum(data []byte) string {
	return fmt.Sprintf("%016x", xxh3.Hash(data))
}

// work is what a worker hands back for one file. Workers share nothing;
// the results are folded in input order afterwards.
type work struct {
	result FileResult
	flight *extractor.Flight
}

// Transform parses, flattens and extracts every file in paths with a bounded
// worker pool, then stages the results in input order. Per-file problems
// are reported in the returned report; the error is reserved for failures
// of the staging area or a cancelled context.
func Transform(ctx context.Context, paths []string, st Stager, opts TransformOptions, log *slog.Logger) (report TransformReport, err error) {
	start := time.Now()
	defer func() { metrics.RecordStep("transform", err, time.Since(start)) }()

	if log == nil {
		log = slog.Default()
	}
	journal := opts.Journal
	if journal == nil {
		journal = nopJournal{}
	}
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	staged, err := st.StagedFlights(ctx)
	if err != nil {
		return report, fmt.Errorf("read staged flights: %w", err)
	}

	results := make([]work, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = processFile(gctx, path, staged, opts.FileTimeout)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("transform: %w", err)
	}

	seen := make(map[string]string, len(results))
	for _, w := range results {
		r := w.result
		if r.Outcome == OutcomeSucceeded {
			if first, dup := seen[r.FlightID]; dup {
				r.Outcome = OutcomeSkipped
				r.Err = fmt.Errorf("flight id also derived from %s", first)
				w.flight = nil
			}
		}
		if r.Outcome == OutcomeSucceeded {
			if err := st.StageFlight(ctx, w.flight, r.Path, r.Checksum); err != nil {
				if !errors.Is(err, storage.ErrAlreadyStaged) {
					return report, fmt.Errorf("stage %s: %w", r.FlightID, err)
				}
				r.Outcome = OutcomeSkipped
			}
		}
		// Only a staged file claims its flight id; a failed one must not
		// shadow a valid file with the same name in another case or form.
		if r.Outcome == OutcomeSucceeded {
			seen[r.FlightID] = r.Path
		}

		report.add(r)
		logResult(log, r)
		metrics.RecordFile(string(r.Outcome))
		ev := storage.FileEvent{FlightID: r.FlightID, SourcePath: r.Path, Outcome: string(r.Outcome)}
		if r.Err != nil {
			ev.Detail = r.Err.Error()
		}
		if err := journal.RecordFile(ctx, opts.RunID, ev); err != nil {
			log.Warn("journal write failed", "flight_id", r.FlightID, "error", err)
		}
	}

	log.Info("transform complete",
		"files", len(paths),
		"succeeded", report.Succeeded,
		"skipped", report.Skipped,
		"failed", report.Failed,
	)
	return report, nil
}

// processFile runs one file through read, repair, parse and extraction
// under its own deadline. The deadline is checked between phases.
func processFile(ctx context.Context, path string, staged map[string]string, timeout time.Duration) work {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := FileResult{Path: path, FlightID: extractor.FlightID(path)}
	fail := func(err error) work {
		r.Outcome = OutcomeFailed
		r.Err = err
		return work{result: r}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read: %w", err))
	}
	r.Checksum = Checksum(data)

	if sum, ok := staged[r.FlightID]; ok {
		r.Outcome = OutcomeSkipped
		r.Changed = sum != r.Checksum
		return work{result: r}
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	doc, err := telemetry.Parse(data)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	flight, err := extractor.Extract(doc, r.FlightID)
	if err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	r.Outcome = OutcomeSucceeded
	r.Frames = len(flight.Frames)
	return work{result: r, flight: flight}
}

func (rep *TransformReport) add(r FileResult) {
	rep.Files = append(rep.Files, r)
	switch r.Outcome {
	case OutcomeSucceeded:
		rep.Succeeded++
	case OutcomeSkipped:
		rep.Skipped++
	case OutcomeFailed:
		rep.Failed++
	}
}

func logResult(log *slog.Logger, r FileResult) {
	switch {
	case r.Outcome == OutcomeFailed:
		log.Warn("file failed", "path", r.Path, "flight_id", r.FlightID, "error", r.Err)
	case r.Outcome == OutcomeSkipped && r.Changed:
		log.Warn("file changed since it was staged, keeping staged copy", "path", r.Path, "flight_id", r.FlightID)
	case r.Outcome == OutcomeSkipped && r.Err != nil:
		log.Warn("file skipped", "path", r.Path, "flight_id", r.FlightID, "error", r.Err)
	case r.Outcome == OutcomeSkipped:
		log.Info("already staged", "path", r.Path, "flight_id", r.FlightID)
	default:
		log.Info("staged", "path", r.Path, "flight_id", r.FlightID, "frames", r.Frames)
	}
}

type nopJournal struct{}

func (nopJournal) RecordFile(context.Context, string, storage.FileEvent) error { return nil }
