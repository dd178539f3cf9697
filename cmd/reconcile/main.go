// reconcile replays the journal-versus-broker comparison offline: it loads
// the order log, pulls the broker's deal history for the window, and writes
// a reconciliation report. Exits 0 when the book is clean and 5 when it is
// not, mirroring the launcher's reconciliation exit code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/reconcile"
	"github.com/mt5-crs/executor/internal/risk"
)

var (
	configPath = flag.String("config", "", "Executor config file (required)")
	fromFlag   = flag.String("from", "", "Window start, RFC3339 (overrides -lookback)")
	toFlag     = flag.String("to", "", "Window end, RFC3339 (default now)")
	lookback   = flag.Duration("lookback", 24*time.Hour, "Window length ending now, used when -from is absent")
	outPath    = flag.String("out", "", "Report path; .yaml/.yml writes YAML, anything else JSON")
	reportOnly = flag.Bool("report-only", false, "Skip breaker engagement on a dirty book")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "reconcile: -config is required")
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}
	if !cfg.Journal.Enabled {
		log.Fatal().Msg("Journal is disabled in config; reconciliation needs the order log")
	}

	from, to, err := window(*fromFlag, *toFlag, *lookback)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid reconciliation window")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	j, err := journal.New(ctx, cfg.Journal)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open journal")
	}
	defer j.Close()

	client := gateway.New(cfg.Gateway)
	defer client.Close()
	if _, err := client.Connect(ctx); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Gateway.Addr).Msg("Failed to connect to gateway")
	}

	var engage risk.EngageFunc
	if !*reportOnly {
		brk, err := breaker.New(cfg.Breaker.Path)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open circuit breaker")
		}
		engage = brk.Engage
	}

	engine := reconcile.New(j, client, engage, cfg.Symbols)
	report, err := engine.Run(ctx, from, to)
	if err != nil {
		log.Fatal().Err(err).Msg("Reconciliation failed")
	}

	if *outPath != "" {
		if err := reconcile.WriteReport(*outPath, report); err != nil {
			log.Fatal().Err(err).Str("path", *outPath).Msg("Failed to write report")
		}
		log.Info().Str("path", *outPath).Msg("Reconciliation report written")
	}

	fmt.Printf("reconciled %s to %s: %d orders, %d matched, %d mismatched, %d ghosts, %d orphans (rate %.2f)\n",
		from.Format(time.RFC3339), to.Format(time.RFC3339),
		report.Orders, report.Matches, report.Mismatches, report.Ghosts, report.Orphans, report.MatchRate)
	for _, row := range report.Rows {
		if row.Status == reconcile.StatusMatch {
			continue
		}
		fmt.Printf("  %s ticket %d %s: %s\n", row.Status, row.Ticket, row.Symbol, rowDetail(row))
	}

	if !report.Clean {
		os.Exit(5)
	}
}

func window(fromStr, toStr string, lookback time.Duration) (time.Time, time.Time, error) {
	to := time.Now()
	if toStr != "" {
		parsed, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad -to: %w", err)
		}
		to = parsed
	}

	if fromStr != "" {
		from, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("bad -from: %w", err)
		}
		if !from.Before(to) {
			return time.Time{}, time.Time{}, fmt.Errorf("-from %s is not before -to %s", fromStr, to.Format(time.RFC3339))
		}
		return from, to, nil
	}
	if lookback <= 0 {
		return time.Time{}, time.Time{}, fmt.Errorf("-lookback must be positive")
	}
	return to.Add(-lookback), to, nil
}

func rowDetail(row reconcile.Row) string {
	if row.Detail != "" {
		return row.Detail
	}
	if len(row.Fields) > 0 {
		f := row.Fields[0]
		return fmt.Sprintf("%s local=%v broker=%v", f.Field, f.Local, f.Broker)
	}
	return string(row.Status)
}
