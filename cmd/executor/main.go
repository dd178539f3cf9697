// executor is the trading process. It loads and validates configuration,
// opens the shared runtime (breaker, journal, gateway session, metrics,
// admin surface), then hands control to the launcher, whose exit code is
// the process exit code: 0 clean stop, 1 config, 2 admission NO-GO,
// 3 blocked account, 4 canary failure, 5 reconciliation mismatch.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/admin"
	"github.com/mt5-crs/executor/internal/breaker"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/engine"
	"github.com/mt5-crs/executor/internal/gateway"
	"github.com/mt5-crs/executor/internal/journal"
	"github.com/mt5-crs/executor/internal/launcher"
	"github.com/mt5-crs/executor/internal/metrics"
	"github.com/mt5-crs/executor/internal/shadow"
)

const (
	shutdownTimeout = 10 * time.Second
	updaterInterval = 30 * time.Second
)

var (
	configPath   = flag.String("config", "", "Path to the executor config file")
	validateOnly = flag.Bool("validate", false, "Validate configuration and connectivity, then exit")
	skipChecks   = flag.Bool("skip-connectivity", false, "Skip endpoint connectivity checks at startup")
	showVersion  = flag.Bool("version", false, "Print the build version and exit")
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	if *showVersion {
		fmt.Printf("mt5crs-executor %s\n", config.GetVersion())
		return launcher.ExitOK
	}

	bootCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "executor: %v\n", err)
		return launcher.ExitConfig
	}
	config.InitLogger(bootCfg.Logging.Level, bootCfg.Logging.Format)
	logger := config.NewLogger("main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Secrets load before anything dials out. Values fetched here are pinned
	// as overrides so a SIGHUP reload cannot drop them; rotating a secret
	// means restarting the process.
	overrides := map[string]interface{}{}
	if bootCfg.Vault.Enabled {
		if err := config.LoadSecretsFromVault(ctx, bootCfg, bootCfg.Vault); err != nil {
			logger.Error().Err(err).Msg("Vault secret load failed")
			return launcher.ExitConfig
		}
		overrides["journal.user"] = bootCfg.Journal.User
		overrides["journal.password"] = bootCfg.Journal.Password
		overrides["breaker.fanout.password"] = bootCfg.Breaker.Fanout.Password
		overrides["admin.operator_token"] = bootCfg.Admin.OperatorToken
	}

	center, err := config.NewCenter(*configPath, overrides)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build configuration center")
		return launcher.ExitConfig
	}
	cfg := center.Current()

	logger.Info().
		Str("version", config.GetVersion()).
		Str("instance", cfg.Common.InstanceID).
		Str("mode", cfg.Trading.Mode).
		Int("symbols", len(cfg.EnabledSymbols())).
		Msg("Executor starting")

	validator := config.NewValidator(cfg, config.ValidatorOptions{
		VerifyConnectivity: !*skipChecks,
		Timeout:            5 * time.Second,
	})
	if err := validator.ValidateStartup(ctx); err != nil {
		logger.Error().Err(err).Msg("Startup validation failed")
		return launcher.ExitConfig
	}
	if *validateOnly {
		logger.Info().Msg("Configuration and connectivity verified")
		return launcher.ExitOK
	}

	if cfg.Metrics.Enabled {
		msrv := metrics.NewServer(cfg.Metrics.Port, log.Logger)
		if err := msrv.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics server")
			return launcher.ExitConfig
		}
		defer stopWithTimeout(msrv.Shutdown, logger, "metrics server")
	}

	var brkOpts []breaker.Option
	var fan *breaker.Fanout
	if cfg.Breaker.Fanout.Enabled {
		fan, err = breaker.NewFanout(cfg.Breaker.Fanout)
		if err != nil {
			logger.Error().Err(err).Msg("Breaker fan-out unavailable")
			return launcher.ExitConfig
		}
		defer fan.Close()
		brkOpts = append(brkOpts, breaker.WithFanout(fan))
	}

	brk, err := breaker.New(cfg.Breaker.Path, brkOpts...)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open circuit breaker")
		return launcher.ExitConfig
	}
	if fan != nil {
		go watchPeerHalts(ctx, fan, brk, logger)
	}

	j, err := journal.New(ctx, cfg.Journal)
	if err != nil {
		logger.Error().Err(err).Msg("Journal unavailable")
		return launcher.ExitConfig
	}
	defer j.Close()

	if j != nil {
		journalTransitions(brk, j, logger)
		if cfg.Metrics.Enabled {
			if pool := j.Pool(); pool != nil {
				upd := metrics.NewUpdater(pool, updaterInterval)
				go upd.Start(ctx)
			}
		}
	}

	client := gateway.New(cfg.Gateway)
	defer func() { _ = client.Close() }()
	acct, err := client.Connect(ctx)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.Gateway.Addr).Msg("Gateway connection failed")
		return launcher.ExitConfig
	}
	logger.Info().
		Str("server", acct.ServerName).
		Str("trade_mode", acct.TradeMode).
		Str("currency", acct.Currency).
		Float64("balance", acct.Balance).
		Msg("Gateway session established")

	var rec *shadow.Recorder
	if !cfg.Trading.IsLive() {
		rec, err = shadow.NewRecorder(cfg.Shadow)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to open shadow recorder")
			return launcher.ExitConfig
		}
		defer func() { _ = rec.Close() }()
	}

	eng, err := engine.New(engine.Deps{
		Center:   center,
		Breaker:  brk,
		Broker:   client,
		Journal:  j,
		Recorder: rec,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build engine")
		return launcher.ExitConfig
	}

	if cfg.Admin.Enabled {
		adm := admin.New(cfg.Admin, admin.Deps{Engine: eng, Breaker: brk, Center: center, Journal: j})
		go func() {
			if err := adm.Start(); err != nil {
				logger.Error().Err(err).Msg("Admin surface failed")
			}
		}()
		defer stopWithTimeout(adm.Stop, logger, "admin surface")
	}

	go handleSignals(ctx, cancel, center, logger)

	l, err := launcher.New(launcher.Deps{
		Config:  cfg,
		Engine:  eng,
		Breaker: brk,
		Broker:  client,
		Journal: j,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to build launcher")
		return launcher.ExitConfig
	}

	code := l.Run(ctx)
	logger.Info().Int("code", code).Msg("Executor stopped")
	return code
}

// handleSignals cancels the run context on SIGINT/SIGTERM and reloads the
// configuration center on SIGHUP.
func handleSignals(ctx context.Context, cancel context.CancelFunc, center *config.Center, logger zerolog.Logger) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading configuration")
				if err := center.Reload(); err != nil {
					logger.Error().Err(err).Msg("Configuration reload rejected")
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
			cancel()
			return
		}
	}
}

// watchPeerHalts mirrors halts broadcast by peer hosts into the local
// breaker. The subscription reconnects until the process stops; the local
// file remains authoritative if Redis is down.
func watchPeerHalts(ctx context.Context, fan *breaker.Fanout, brk *breaker.Breaker, logger zerolog.Logger) {
	for {
		err := fan.Watch(ctx, func(snap breaker.Snapshot) {
			meta := map[string]string{"origin_reason": snap.Reason}
			for k, v := range snap.Metadata {
				if k != "origin_reason" {
					meta[k] = v
				}
			}
			if err := brk.Engage(breaker.ReasonPeer, meta); err != nil {
				logger.Error().Err(err).Msg("Failed to engage on peer halt")
			}
		})
		if ctx.Err() != nil {
			return
		}
		logger.Warn().Err(err).Msg("Peer halt subscription lost, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// journalTransitions writes every breaker transition to the audit trail.
// Transition listeners must not block, so the write happens on its own
// goroutine with a bounded context.
func journalTransitions(brk *breaker.Breaker, j *journal.Journal, logger zerolog.Logger) {
	brk.OnTransition(func(old, next breaker.Snapshot) {
		detail := "engaged"
		meta := map[string]string{"reason": next.Reason}
		if next.State == breaker.StateSafe {
			detail = "disengaged"
			meta = map[string]string{"previous_reason": old.Reason}
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := j.RecordEvent(ctx, journal.EventBreaker, "breaker", detail, meta); err != nil {
				logger.Warn().Err(err).Msg("Breaker transition not journaled")
			}
		}()
	})
}

func stopWithTimeout(fn func(context.Context) error, logger zerolog.Logger, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		logger.Warn().Err(err).Str("target", what).Msg("Shutdown incomplete")
	}
}
