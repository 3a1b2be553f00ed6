// Package metrics records operational counters and timings for the ETL
// stages. A process-wide backend defaults to a no-op so every call is safe
// whether or not a real backend was configured. Concrete backends live in
// subpackages.
package metrics

import (
	"sync"
	"time"
)

// Metric names understood by backends.
const (
	StepTotal    = "flightlog_step_total"
	StepDuration = "flightlog_step_duration_seconds"
	RowsTotal    = "flightlog_rows_total"
	FilesTotal   = "flightlog_files_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface a metrics system has to provide.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. Passing nil keeps the current backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush delegates to the current backend.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of a pipeline step and its duration.
func RecordStep(step string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"step": step, "status": status}
	b := current()
	b.IncCounter(StepTotal, 1, lbls)
	b.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRows adds n rows of the given kind for table. Kinds mirror the load
// report: "inserted", "existing", "duplicate", "no_identity".
func RecordRows(table, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RowsTotal, float64(n), Labels{"table": table, "kind": kind})
}

// RecordFile counts one input file by outcome: "succeeded", "skipped" or
// "failed".
func RecordFile(outcome string) {
	current().IncCounter(FilesTotal, 1, Labels{"outcome": outcome})
}
