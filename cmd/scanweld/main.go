package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"scanweld/internal/api"
	"scanweld/internal/config"
	"scanweld/internal/metrics"
	"scanweld/internal/scheduler"
	"scanweld/internal/storage"
)

func main() {
	var (
		addr       = flag.String("addr", "", "listen address (overrides config)")
		dbPath     = flag.String("db", "", "sqlite database path (overrides config)")
		configPath = flag.String("config", "", "path to config file")
		poll       = flag.Duration("poll", 0, "schedule poll interval (overrides config)")
		debug      = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
		}
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DB = *dbPath
	}
	if *poll > 0 {
		cfg.PollInterval = config.Duration(*poll)
	}

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("exiting")
	}
}

func run(cfg config.Config) error {
	db, err := sql.Open("sqlite", cfg.DB+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return err
	}
	defer db.Close()
	// modernc sqlite allows one writer at a time.
	db.SetMaxOpenConns(1)

	if err := storage.EnsureSchema(db); err != nil {
		return err
	}
	store := storage.NewStore(db)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := scheduler.NewRegistry()
	for _, org := range cfg.Organizations {
		qc := cfg.QueueFor(org)
		sched := scheduler.New(scheduler.Config{
			ID:                   org.ID,
			ItemType:             qc.ItemType,
			MaxSize:              qc.MaxSize,
			AllowReplace:         qc.AllowReplace,
			AllowUpdates:         qc.AllowUpdates,
			AllowPriorityUpdates: qc.AllowPriorityUpdates,
			PollInterval:         cfg.PollInterval.Std(),
			StopTimeout:          cfg.StopTimeout.Std(),
		}, store, log.Logger, m)
		if err := sched.Start(ctx); err != nil {
			return err
		}
		registry.Add(sched)
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServer(registry, store, promReg),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	for _, sched := range registry.List() {
		sched.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}
