// Package notify publishes load events to NATS so downstream consumers can
// react to newly inserted flights without polling ClickHouse.
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Event announces the rows inserted for one flight.
type Event struct {
	RunID    string    `json:"run_id,omitempty"`
	FlightID string    `json:"flight_id"`
	Table    string    `json:"table"`
	Inserted int       `json:"inserted"`
	Existing int       `json:"existing"`
	LoadedAt time.Time `json:"loaded_at"`
}

// publisher is the part of *nats.Conn the notifier uses.
type publisher interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Config holds the NATS settings.
type Config struct {
	URL           string
	SubjectPrefix string
	FlushTimeout  time.Duration
}

// Notifier publishes one message per event on <prefix>.loaded.<flight_id>.
type Notifier struct {
	conn    publisher
	prefix  string
	timeout time.Duration
}

// Connect dials NATS.
func Connect(cfg Config) (*Notifier, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("flightlog"),
		nats.Timeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return newNotifier(nc, cfg), nil
}

func newNotifier(conn publisher, cfg Config) *Notifier {
	prefix := strings.TrimSuffix(cfg.SubjectPrefix, ".")
	if prefix == "" {
		prefix = "flightlog"
	}
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{conn: conn, prefix: prefix, timeout: timeout}
}

// Subject returns the subject an event for flightID is published on.
// NATS token separators and wildcards in the flight id are replaced.
func (n *Notifier) Subject(flightID string) string {
	return n.prefix + ".loaded." + subjectToken(flightID)
}

// Publish sends ev.
func (n *Notifier) Publish(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := n.conn.Publish(n.Subject(ev.FlightID), data); err != nil {
		return fmt.Errorf("publish %s: %w", ev.FlightID, err)
	}
	return nil
}

// Close flushes pending messages and closes the connection.
func (n *Notifier) Close() error {
	defer n.conn.Close()
	if err := n.conn.FlushTimeout(n.timeout); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
