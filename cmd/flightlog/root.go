package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"flightlog/internal/config"
	"flightlog/internal/metrics"
	"flightlog/internal/metrics/prompush"
)

// errIncomplete reports a run that finished but left files or batches behind.
var errIncomplete = errors.New("run finished with failures")

// app carries what every subcommand shares once flags are parsed.
type app struct {
	cfgPath string
	cfg     config.Config
	log     *slog.Logger
	stderr  io.Writer
}

// Execute runs the CLI with args and returns the process exit code.
func Execute(ctx context.Context, args []string) int {
	return execute(ctx, args, os.Stdout, os.Stderr)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stderr: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if ferr := metrics.Flush(); ferr != nil && a.log != nil {
		a.log.Warn("push metrics failed", "error", ferr)
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errIncomplete):
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 1
	default:
		_, _ = fmt.Fprintln(stderr, "Error:", err)
		return 2
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "flightlog",
		Short:         "Flight telemetry ETL into ClickHouse",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd.Flags())
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "", "Path to a YAML configuration file")
	pf.String("staging", "", "Path of the staging database")
	pf.String("log-level", "", "Log level: debug, info, warn or error")
	pf.String("log-format", "", "Log format: text or json")
	pf.Bool("journal", false, "Record the run in the PostgreSQL journal")

	root.AddCommand(
		newTransformCmd(a),
		newLoadCmd(a),
		newRunCmd(a),
		newRunsCmd(a),
		newServeCmd(a),
	)
	return root
}

// setup builds the configuration, the logger and the metrics backend.
func (a *app) setup(flags *pflag.FlagSet) error {
	cfg, err := config.Load(a.cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyFlags(flags, &cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	a.cfg = cfg
	a.log = newLogger(a.stderr, cfg)

	if cfg.Metrics.PushgatewayURL != "" {
		b, err := prompush.NewBackend(cfg.Metrics.Job, cfg.Metrics.PushgatewayURL)
		if err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
		metrics.SetBackend(b)
		a.log.Debug("pushing metrics", "url", cfg.Metrics.PushgatewayURL, "job", cfg.Metrics.Job)
	}
	return nil
}

// applyFlags overlays the flags the user actually set.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "input":
			cfg.InputDir = f.Value.String()
		case "staging":
			cfg.StagingPath = f.Value.String()
		case "log-level":
			cfg.LogLevel = f.Value.String()
		case "log-format":
			cfg.LogFormat = f.Value.String()
		case "workers":
			cfg.Workers, err = flags.GetInt("workers")
		case "file-timeout":
			cfg.FileTimeout, err = flags.GetDuration("file-timeout")
		case "chunk-size":
			cfg.Load.ChunkSize, err = flags.GetInt("chunk-size")
		case "lookup-policy":
			cfg.Load.LookupPolicy = f.Value.String()
		case "journal":
			cfg.Postgres.Enabled, err = flags.GetBool("journal")
		}
	})
	if err != nil {
		return fmt.Errorf("flags: %w", err)
	}
	return nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
