package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"flightlog/internal/api"
	"flightlog/internal/loader"
	"flightlog/internal/notify"
	"flightlog/internal/pipeline"
	"flightlog/internal/storage"
)

// session is one journaled command over the open stores.
type session struct {
	db      *storage.DB
	runID   string
	journal pipeline.Journal
	totals  storage.RunTotals
}

func (a *app) open(ctx context.Context, command string, withDestination bool) (*session, error) {
	db, err := storage.Open(ctx, a.cfg.Storage(), withDestination)
	if err != nil {
		return nil, err
	}
	s := &session{db: db}
	if db.PG != nil {
		id, err := db.PG.StartRun(ctx, command)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		s.runID = id
		s.journal = db.PG
		a.log.Info("run started", "run_id", id, "command", command)
	}
	return s, nil
}

// close finishes the journal entry and releases the stores.
func (a *app) close(s *session, runErr error) {
	if s.db.PG != nil && s.runID != "" {
		// The command context may already be cancelled.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.db.PG.FinishRun(ctx, s.runID, s.totals, runErr); err != nil {
			a.log.Warn("journal finish failed", "run_id", s.runID, "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		a.log.Warn("close stores failed", "error", err)
	}
}

func (a *app) transform(ctx context.Context, s *session, out io.Writer) error {
	paths, err := pipeline.Discover(a.cfg.InputDir)
	if err != nil {
		return err
	}
	a.log.Info("transforming", "input", a.cfg.InputDir, "files", len(paths), "workers", a.cfg.Workers)

	rep, err := pipeline.Transform(ctx, paths, s.db.Staging, pipeline.TransformOptions{
		Workers:     a.cfg.Workers,
		FileTimeout: a.cfg.FileTimeout,
		RunID:       s.runID,
		Journal:     s.journal,
	}, a.log)
	s.totals.FilesSucceeded = rep.Succeeded
	s.totals.FilesSkipped = rep.Skipped
	s.totals.FilesFailed = rep.Failed
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Transform: %d succeeded, %d skipped, %d failed\n", rep.Succeeded, rep.Skipped, rep.Failed)
	if rep.Failed > 0 {
		return fmt.Errorf("%d of %d files failed: %w", rep.Failed, len(paths), errIncomplete)
	}
	return nil
}

func (a *app) load(ctx context.Context, s *session, out io.Writer) (err error) {
	var pub pipeline.Publisher
	if a.cfg.NATS.URL != "" {
		n, err := notify.Connect(notify.Config{URL: a.cfg.NATS.URL, SubjectPrefix: a.cfg.NATS.SubjectPrefix})
		if err != nil {
			return err
		}
		defer func() {
			if cerr := n.Close(); cerr != nil {
				a.log.Warn("close nats failed", "error", cerr)
			}
		}()
		pub = n
	}

	l := loader.New(s.db.CH, a.cfg.LoaderOptions(), a.log)
	rep, err := pipeline.Load(ctx, s.db.Staging, l, pub, s.runID, a.log)
	s.totals.SummaryInserted = rep.SummaryInserted
	s.totals.InfoInserted = rep.InfoInserted
	s.totals.BatchesFailed = rep.BatchesFailed
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(out, "Load: %d summary rows, %d info rows inserted, %d batches failed\n",
		rep.SummaryInserted, rep.InfoInserted, rep.BatchesFailed)
	if v := rep.Verification; v != nil {
		_, _ = fmt.Fprintf(out, "Destination: %d summary rows, %d info rows across %d flights\n",
			v.SummaryRows, v.InfoRows, v.InfoFlights)
	}
	if rep.BatchesFailed > 0 {
		return fmt.Errorf("%d batches failed: %w", rep.BatchesFailed, errIncomplete)
	}
	return nil
}

func newTransformCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Parse input logs and stage new flights",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := a.open(cmd.Context(), "transform", false)
			if err != nil {
				return err
			}
			defer func() { a.close(s, err) }()
			return a.transform(cmd.Context(), s, cmd.OutOrStdout())
		},
	}
	addTransformFlags(cmd)
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Load staged flights into ClickHouse",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := a.open(cmd.Context(), "load", true)
			if err != nil {
				return err
			}
			defer func() { a.close(s, err) }()
			return a.load(cmd.Context(), s, cmd.OutOrStdout())
		},
	}
	addLoadFlags(cmd)
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Transform then load",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			s, err := a.open(cmd.Context(), "run", true)
			if err != nil {
				return err
			}
			defer func() { a.close(s, err) }()

			// Failed files do not stop the load of the flights that made it.
			terr := a.transform(cmd.Context(), s, cmd.OutOrStdout())
			if terr != nil && !errors.Is(terr, errIncomplete) {
				return terr
			}
			if err := a.load(cmd.Context(), s, cmd.OutOrStdout()); err != nil {
				return err
			}
			return terr
		},
	}
	addTransformFlags(cmd)
	addLoadFlags(cmd)
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pg, err := storage.OpenPostgres(ctx, a.cfg.Storage().Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()

			runs, err := pg.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to show")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run journal over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pg, err := storage.OpenPostgres(ctx, a.cfg.Storage().Postgres)
			if err != nil {
				return err
			}
			defer pg.Close()
			return api.NewServer(pg, addr, a.log).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address of the journal API")
	return cmd
}

func printRuns(w io.Writer, runs []storage.Run) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tCOMMAND\tSTARTED\tSTATUS\tFILES OK/SKIP/FAIL\tINSERTED SUMMARY/INFO\tERROR")
	for _, r := range runs {
		errText := ""
		if r.Error != nil {
			errText = *r.Error
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d/%d\t%d/%d\t%s\n",
			r.ID, r.Command, r.StartedAt.Format(time.RFC3339), r.Status,
			r.Totals.FilesSucceeded, r.Totals.FilesSkipped, r.Totals.FilesFailed,
			r.Totals.SummaryInserted, r.Totals.InfoInserted, errText)
	}
	return tw.Flush()
}

func addTransformFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("input", "", "Directory holding the *.json flight logs")
	f.Int("workers", 0, "Number of files transformed in parallel")
	f.Duration("file-timeout", 0, "Deadline for transforming one file")
}

func addLoadFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("chunk-size", 0, "Rows per insert")
	f.String("lookup-policy", "", "On identity lookup failure: skip or assume-empty")
}
