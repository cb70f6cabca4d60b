package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/poyrazK/intelsync/internal/adapters/api"
	"github.com/poyrazK/intelsync/internal/adapters/cache"
	"github.com/poyrazK/intelsync/internal/adapters/misp"
	"github.com/poyrazK/intelsync/internal/adapters/otx"
	"github.com/poyrazK/intelsync/internal/adapters/repository"
	"github.com/poyrazK/intelsync/internal/core/services"
	"github.com/poyrazK/intelsync/internal/infrastructure/config"
	"github.com/poyrazK/intelsync/internal/infrastructure/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		log.Fatalf("intelsync: %v", err)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("intelsync", flag.ContinueOnError)
	envFile := fs.String("env", ".env", "Optional .env file")
	check := fs.Bool("check", false, "Validate configuration and exit")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer func() { _ = logCloser.Close() }()
	slog.SetDefault(logger)

	if *check {
		logger.Info("configuration valid", "http_addr", cfg.HTTPAddr, "redis", cfg.RedisAddr != "", "export", cfg.MISPURL != "")
		return nil
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if errClose := db.Close(); errClose != nil {
			logger.Error("failed to close database", "error", errClose)
		}
	}()

	repo := repository.NewPostgresRepository(db)
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}
	if err := repo.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	// Lookup cache: in-process L1, Redis L2 when configured.
	l1 := cache.NewMemoryCache(time.Minute)
	defer l1.Close()
	var l2 *cache.RedisCache
	checks := map[string]api.HealthCheck{"database": repo.Ping}
	if cfg.RedisAddr != "" {
		l2 = cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		defer func() { _ = l2.Close() }()
		if err := l2.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, continuing with in-process cache", "addr", cfg.RedisAddr, "error", err)
		}
		checks["redis"] = l2.Ping
	}
	lookupCache := cache.NewTieredCache(l1, l2, logger)

	intel := otx.NewClient(cfg.OTXBaseURL, cfg.UpstreamTimeout)
	exportAPI := misp.NewClient(cfg.MISPURL, cfg.MISPAPIKey, cfg.UpstreamTimeout)
	if !exportAPI.Configured() {
		logger.Warn("export endpoint not configured, export jobs will fail per record")
	}

	pool := services.NewCredentialPool(repo, intel, logger)
	if err := pool.Load(ctx); err != nil {
		return fmt.Errorf("load credential pool: %w", err)
	}
	ledger := services.NewSyncLedger(repo, logger)
	enricher := services.NewEnrichmentService(pool, intel, lookupCache, cfg.CacheTTL, logger)
	orchestrator := services.NewBulkOrchestrator(pool, enricher, repo, ledger, cfg.PacingDelay, logger)
	exporter := services.NewExportPipeline(repo, exportAPI, ledger, logger)
	scheduler := services.NewScheduler(pool, orchestrator, exporter, services.SchedulerConfig{
		BatchInterval:  cfg.BatchInterval,
		ExportInterval: cfg.ExportInterval,
		HealthInterval: cfg.HealthInterval,
		BatchLimit:     cfg.BatchLimit,
		ExportLimit:    cfg.ExportLimit,
		PriorityOnly:   cfg.PriorityOnly,
	}, logger)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		scheduler.Start(ctx)
	}()

	handler := api.NewAPIHandler(api.Services{
		Pool:        pool,
		Enricher:    enricher,
		Jobs:        scheduler,
		Exporter:    exporter,
		Ledger:      ledger,
		Keys:        repo,
		Checks:      checks,
		EnrichRate:  cfg.EnrichRate,
		EnrichBurst: cfg.EnrichBurst,
	})
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("management API listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}

	select {
	case <-schedulerDone:
	case <-shutdownCtx.Done():
		logger.Warn("scheduler did not stop before the shutdown deadline")
	}
	logger.Info("intelsync stopped")
	return nil
}
