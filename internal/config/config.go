// Package config assembles the run configuration. Values are layered:
// built-in defaults, then an optional YAML file, then environment
// variables. Command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"flightlog/internal/loader"
	"flightlog/internal/storage"
)

// ClickHouse holds the destination connection.
type ClickHouse struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// LoadSettings holds the loader settings.
type LoadSettings struct {
	SummaryTable string        `yaml:"summary_table"`
	InfoTable    string        `yaml:"info_table"`
	ChunkSize    int           `yaml:"chunk_size"`
	StoreTimeout time.Duration `yaml:"store_timeout"`
	LookupPolicy string        `yaml:"lookup_policy"`
}

// Postgres holds the optional run journal connection.
type Postgres struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// NATS enables load events when URL is set.
type NATS struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// Metrics enables the Pushgateway backend when PushgatewayURL is set.
type Metrics struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Config is the complete configuration of a run.
type Config struct {
	InputDir    string        `yaml:"input_dir"`
	StagingPath string        `yaml:"staging_path"`
	Workers     int           `yaml:"workers"`
	FileTimeout time.Duration `yaml:"file_timeout"`
	LogLevel    string        `yaml:"log_level"`
	LogFormat   string        `yaml:"log_format"`

	ClickHouse ClickHouse   `yaml:"clickhouse"`
	Load       LoadSettings `yaml:"load"`
	Postgres   Postgres     `yaml:"postgres"`
	NATS       NATS         `yaml:"nats"`
	Metrics    Metrics      `yaml:"metrics"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	st := storage.DefaultConfig()
	lo := loader.DefaultOptions()
	return Config{
		InputDir:    "logs",
		StagingPath: st.StagingPath,
		Workers:     runtime.NumCPU(),
		FileTimeout: time.Minute,
		LogLevel:    "info",
		LogFormat:   "text",
		ClickHouse: ClickHouse{
			Host:     st.ClickHouse.Host,
			Port:     st.ClickHouse.Port,
			Database: lo.Database,
			User:     st.ClickHouse.User,
			Password: st.ClickHouse.Password,
		},
		Load: LoadSettings{
			SummaryTable: lo.SummaryTable,
			InfoTable:    lo.InfoTable,
			ChunkSize:    lo.ChunkSize,
			StoreTimeout: lo.StoreTimeout,
			LookupPolicy: string(lo.LookupPolicy),
		},
		Postgres: Postgres{
			Host:     st.Postgres.Host,
			Port:     st.Postgres.Port,
			Database: st.Postgres.Database,
			User:     st.Postgres.User,
			Password: st.Postgres.Password,
		},
		NATS:    NATS{SubjectPrefix: "flightlog"},
		Metrics: Metrics{Job: "flightlog"},
	}
}

// Load builds a configuration from defaults, the YAML file at path (when
// non-empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.setString("FLIGHTLOG_INPUT_DIR", &c.InputDir)
	e.setString("FLIGHTLOG_STAGING_PATH", &c.StagingPath)
	e.setInt("FLIGHTLOG_WORKERS", &c.Workers)
	e.setDuration("FLIGHTLOG_FILE_TIMEOUT", &c.FileTimeout)
	e.setString("FLIGHTLOG_LOG_LEVEL", &c.LogLevel)
	e.setString("FLIGHTLOG_LOG_FORMAT", &c.LogFormat)

	e.setString("CLICKHOUSE_HOST", &c.ClickHouse.Host)
	e.setInt("CLICKHOUSE_PORT", &c.ClickHouse.Port)
	e.setString("CLICKHOUSE_DATABASE", &c.ClickHouse.Database)
	e.setString("CLICKHOUSE_USER", &c.ClickHouse.User)
	e.setString("CLICKHOUSE_PASSWORD", &c.ClickHouse.Password)

	e.setString("FLIGHTLOG_SUMMARY_TABLE", &c.Load.SummaryTable)
	e.setString("FLIGHTLOG_INFO_TABLE", &c.Load.InfoTable)
	e.setInt("FLIGHTLOG_CHUNK_SIZE", &c.Load.ChunkSize)
	e.setDuration("FLIGHTLOG_STORE_TIMEOUT", &c.Load.StoreTimeout)
	e.setString("FLIGHTLOG_LOOKUP_POLICY", &c.Load.LookupPolicy)

	e.setBool("FLIGHTLOG_JOURNAL", &c.Postgres.Enabled)
	e.setString("POSTGRES_HOST", &c.Postgres.Host)
	e.setInt("POSTGRES_PORT", &c.Postgres.Port)
	e.setString("POSTGRES_DB", &c.Postgres.Database)
	e.setString("POSTGRES_USER", &c.Postgres.User)
	e.setString("POSTGRES_PASSWORD", &c.Postgres.Password)

	e.setString("NATS_URL", &c.NATS.URL)
	e.setString("FLIGHTLOG_NATS_PREFIX", &c.NATS.SubjectPrefix)

	e.setString("PUSHGATEWAY_URL", &c.Metrics.PushgatewayURL)
	e.setString("FLIGHTLOG_METRICS_JOB", &c.Metrics.Job)

	return errors.Join(e.errs...)
}

// Validate checks the configuration for values no run can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.FileTimeout < 0 {
		errs = append(errs, fmt.Errorf("file_timeout must not be negative"))
	}
	if c.StagingPath == "" {
		errs = append(errs, fmt.Errorf("staging_path is required"))
	}
	if c.Load.ChunkSize < 1 {
		errs = append(errs, fmt.Errorf("load.chunk_size must be at least 1, got %d", c.Load.ChunkSize))
	}
	switch loader.LookupPolicy(c.Load.LookupPolicy) {
	case loader.LookupSkip, loader.LookupAssumeEmpty:
	default:
		errs = append(errs, fmt.Errorf("load.lookup_policy must be %q or %q, got %q",
			loader.LookupSkip, loader.LookupAssumeEmpty, c.Load.LookupPolicy))
	}
	if c.ClickHouse.Database == "" {
		errs = append(errs, fmt.Errorf("clickhouse.database is required"))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LogLevel to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Storage returns the store settings.
func (c *Config) Storage() storage.Config {
	return storage.Config{
		ClickHouse: storage.ClickHouseConfig{
			Host:     c.ClickHouse.Host,
			Port:     c.ClickHouse.Port,
			Database: c.ClickHouse.Database,
			User:     c.ClickHouse.User,
			Password: c.ClickHouse.Password,
		},
		Postgres: storage.PostgresConfig{
			Host:     c.Postgres.Host,
			Port:     c.Postgres.Port,
			Database: c.Postgres.Database,
			User:     c.Postgres.User,
			Password: c.Postgres.Password,
		},
		StagingPath:    c.StagingPath,
		JournalEnabled: c.Postgres.Enabled,
	}
}

// LoaderOptions returns the loader settings.
func (c *Config) LoaderOptions() loader.Options {
	return loader.Options{
		Database:     c.ClickHouse.Database,
		SummaryTable: c.Load.SummaryTable,
		InfoTable:    c.Load.InfoTable,
		ChunkSize:    c.Load.ChunkSize,
		StoreTimeout: c.Load.StoreTimeout,
		LookupPolicy: loader.LookupPolicy(c.Load.LookupPolicy),
	}
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) setString(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) setInt(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) setBool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) setDuration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}
