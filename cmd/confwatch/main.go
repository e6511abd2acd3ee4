package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"confwatch/internal/api"
	"confwatch/internal/config"
	"confwatch/internal/metrics"
	"confwatch/internal/scheduler"
	"confwatch/internal/store"
	"confwatch/internal/tasks"
	"confwatch/internal/webhook"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config path (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof endpoints and debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	mgr := config.NewManager(*cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	st := store.New(db)

	notifier := webhook.NewNotifier(config.Duration(cfg.Webhook.Timeout, 10*time.Second), cfg.BaseURL)

	registry := tasks.NewRegistry()
	registry.Register("drift_scan", &tasks.DriftScan{Targets: st})
	registry.Register("cost_analysis", &tasks.CostAnalysis{Targets: st})

	provider := metrics.NewProvider(st)
	runner := scheduler.New(schedulerConfig(cfg), st, registry, notifier, provider.Fetch, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// stale schedules from a previous run become due again at boot
	if err := runner.RefreshNextRunTimes(ctx); err != nil {
		log.Error().Err(err).Msg("refresh next run times")
	}
	if err := runner.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	if *cfgPath != "" {
		go func() {
			err := mgr.Watch(ctx, func(c config.Config) {
				runner.ApplyConfig(schedulerConfig(c))
				if err := runner.RefreshNextRunTimes(ctx); err != nil {
					log.Error().Err(err).Msg("refresh after config reload")
				}
			})
			if err != nil {
				log.Error().Err(err).Msg("config watch")
			}
		}()
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServerWithDebug(st, runner, notifier, *debug)}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	runner.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		PollInterval:    config.Duration(cfg.Scheduler.PollInterval, time.Minute),
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		ExecTimeout:     config.Duration(cfg.Scheduler.ExecTimeout, 5*time.Minute),
		DrainTimeout:    config.Duration(cfg.Scheduler.DrainTimeout, 30*time.Second),
		WatcherInterval: config.Duration(cfg.Scheduler.WatcherInterval, time.Minute),
		RetryAttempts:   cfg.Scheduler.RetryAttempts,
	}
}
