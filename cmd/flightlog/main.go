// Command flightlog ingests per-flight telemetry logs into ClickHouse.
//
// Usage:
//
//	flightlog transform --input logs/   # stage every new *.json file
//	flightlog load                      # load staged flights into ClickHouse
//	flightlog run --input logs/         # transform then load
//	flightlog runs                      # list journaled runs
//	flightlog serve --addr :8080        # journal API
//
// Settings come from defaults, an optional YAML file (--config), the
// environment (FLIGHTLOG_*, CLICKHOUSE_*, POSTGRES_*, NATS_URL,
// PUSHGATEWAY_URL) and finally flags.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
