// Package extractor builds the summary row and the per-frame time series rows
// of one flight from its parsed telemetry document.
// This package is storage-agnostic; rows are handed back to the caller.
package extractor

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"flightlog/internal/telemetry"
)

// Column names shared by the extractors and the loader.
const (
	ColFlightID            = "flight_id"
	ColPrimaryKey          = "primary_key"
	ColStartTime           = "startTime"
	ColFlightTimeInSeconds = "flightTimeInSeconds"
	ColTimestamp           = "timestamp"
)

// InfoLeadColumns are the derived columns every frame row starts with, in order.
var InfoLeadColumns = []string{
	ColPrimaryKey,
	ColFlightID,
	ColStartTime,
	ColFlightTimeInSeconds,
	ColTimestamp,
}

// ErrInvalidDocument marks documents whose shape cannot produce rows.
var ErrInvalidDocument = errors.New("invalid flight document")

// Flight holds everything extracted from one log file.
type Flight struct {
	ID      string
	Summary *telemetry.Row // nil when the document has no summary
	Frames  []*telemetry.Row
}

// FlightID derives the natural identity of a flight from its source file
// name: the base name without extension, in Unicode NFC form so the same
// file name yields the same identity on every filesystem.
func FlightID(path string) string {
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	return norm.NFC.String(base)
}

// Extract runs both extractors over doc.
func Extract(doc *telemetry.Node, flightID string) (*Flight, error) {
	summary, err := Summary(doc, flightID)
	if err != nil {
		return nil, err
	}
	frames, err := Frames(doc, flightID)
	if err != nil {
		return nil, err
	}
	return &Flight{ID: flightID, Summary: summary, Frames: frames}, nil
}

// Summary returns {flight_id} ∪ flatten(summary), or nil when the document
// has no summary object.
func Summary(doc *telemetry.Node, flightID string) (*telemetry.Row, error) {
	summary, ok := doc.Get("summary")
	if !ok || !summary.IsObject() {
		return nil, nil
	}

	flat, err := telemetry.Flatten(summary, "", telemetry.DefaultSeparator)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}

	row := telemetry.NewRow(flat.Len() + 1)
	_ = row.Set(ColFlightID, telemetry.String(flightID))
	if err := merge(row, flat, "summary"); err != nil {
		return nil, err
	}
	return row, nil
}

// Frames returns one row per element of info.frameTimeStates, in source
// order. Frames with equal flight times get equal primary keys; resolving
// that is left to the loader.
func Frames(doc *telemetry.Node, flightID string) ([]*telemetry.Row, error) {
	states, ok := doc.Path("info", "frameTimeStates")
	if !ok || !states.IsArray() {
		return nil, nil
	}

	startTime, err := numberAt(doc, telemetry.Int(0), "summary", "startTime")
	if err != nil {
		return nil, err
	}

	rows := make([]*telemetry.Row, 0, len(states.Items))
	for i, frame := range states.Items {
		if !frame.IsObject() {
			return nil, fmt.Errorf("%w: frame %d is not an object", ErrInvalidDocument, i)
		}

		flightTime, err := numberAt(frame, telemetry.Int(0), "flightControllerState", "flightTimeInSeconds")
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		ts, _ := telemetry.Add(startTime, flightTime)

		flat, err := telemetry.Flatten(frame, "", telemetry.DefaultSeparator)
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}

		row := telemetry.NewRow(flat.Len() + len(InfoLeadColumns))
		_ = row.Set(ColPrimaryKey, telemetry.String(PrimaryKey(flightID, ts)))
		_ = row.Set(ColFlightID, telemetry.String(flightID))
		_ = row.Set(ColStartTime, startTime)
		_ = row.Set(ColFlightTimeInSeconds, flightTime)
		_ = row.Set(ColTimestamp, ts)
		if err := merge(row, flat, fmt.Sprintf("frame %d", i)); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// PrimaryKey composes the identity of one frame record.
func PrimaryKey(flightID string, timestamp telemetry.Value) string {
	return flightID + "_" + timestamp.Text()
}

// numberAt reads a numeric scalar at path below n. A missing or null value
// yields def; anything else that is not a number is an invalid document.
func numberAt(n *telemetry.Node, def telemetry.Value, path ...string) (telemetry.Value, error) {
	v, ok := n.Path(path...)
	if !ok || (v.Kind == telemetry.NodeScalar && v.Scalar.IsNull()) {
		return def, nil
	}
	if v.Kind != telemetry.NodeScalar || !v.Scalar.IsNumeric() {
		return telemetry.Null(), fmt.Errorf("%w: %s is not a number", ErrInvalidDocument, strings.Join(path, "."))
	}
	return v.Scalar, nil
}

// merge appends the flattened fields after the derived columns. A flattened
// key that shadows a derived column is a collision, never an overwrite.
func merge(row, flat *telemetry.Row, where string) error {
	for _, f := range flat.Fields() {
		if row.Has(f.Key) {
			return fmt.Errorf("%s: %w", where, &telemetry.CollisionError{
				Key:    f.Key,
				First:  "derived column " + f.Key,
				Second: "document field " + f.Key,
			})
		}
		_ = row.Set(f.Key, f.Value)
	}
	return nil
}
