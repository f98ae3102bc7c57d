// FraudWatch - Fraud detection and reporting for payment transactions.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/fraudwatch/internal/api"
	"github.com/opensource-finance/fraudwatch/internal/bus"
	"github.com/opensource-finance/fraudwatch/internal/cache"
	"github.com/opensource-finance/fraudwatch/internal/config"
	"github.com/opensource-finance/fraudwatch/internal/detect"
	"github.com/opensource-finance/fraudwatch/internal/domain"
	"github.com/opensource-finance/fraudwatch/internal/metrics"
	"github.com/opensource-finance/fraudwatch/internal/pipeline"
	"github.com/opensource-finance/fraudwatch/internal/report"
	"github.com/opensource-finance/fraudwatch/internal/repository"
	"github.com/opensource-finance/fraudwatch/internal/rules"
	"github.com/opensource-finance/fraudwatch/internal/scoring"
	"github.com/opensource-finance/fraudwatch/internal/velocity"
	"github.com/opensource-finance/fraudwatch/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := config.LoadEnvFiles("config/*.env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env files: %v\n", err)
	}

	cfg, err := config.Load(os.Getenv("FRAUDWATCH_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(config.Logger(cfg.Logging))

	slog.Info("starting fraudwatch",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scoring", cfg.Scoring.Type,
		"report_sink", cfg.Reporting.Sink,
		"auto_report", cfg.Reporting.AutoReport,
	)

	if err := run(cfg); err != nil {
		slog.Error("fraudwatch failed", "error", err)
		os.Exit(1)
	}
	slog.Info("fraudwatch shutdown complete")
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := setupTracing(cfg.Tracing, Version)
	defer shutdownTracing()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	model, err := scoring.New(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("failed to initialize scoring model: %w", err)
	}

	ruleService := rules.NewService(repo)
	if err := seedRules(ctx, ruleService, cfg.RulesFile); err != nil {
		return err
	}

	detectorOpts := []detect.Option{
		detect.WithMaxWorkers(cfg.Detection.MaxWorkers),
		detect.WithTimeout(cfg.Detection.Timeout),
	}
	if cfg.Velocity.Enabled {
		detectorOpts = append(detectorOpts, detect.WithEnricher(velocity.NewService(cacheImpl, cfg.Velocity.Window)))
		slog.Info("velocity enrichment enabled", "window", cfg.Velocity.Window)
	}
	detector := detect.New(model, detectorOpts...)

	sink, err := report.NewSink(cfg.Reporting)
	if err != nil {
		return fmt.Errorf("failed to initialize report sink: %w", err)
	}
	reporter := report.New(sink, repo, cfg.Reporting.EntityID, cfg.Reporting.MaxWorkers)

	collector := metrics.NewCollector()

	p := pipeline.New(pipeline.Deps{
		Rules:     ruleService,
		Detector:  detector,
		Reporter:  reporter,
		Store:     repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Metrics:   collector,
		Policy:    cfg.Reporting.AutoReport,
		ResultTTL: cfg.Cache.ResultTTL,
	})

	batchWorker := worker.NewWorker(busImpl, p)
	if err := batchWorker.Start(worker.Config{}); err != nil {
		return fmt.Errorf("failed to start batch worker: %w", err)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Pipeline:     p,
		Rules:        ruleService,
		Repo:         repo,
		Cache:        cacheImpl,
		Bus:          busImpl,
		Metrics:      collector.Handler(),
		Version:      Version,
		MaxBatchSize: cfg.Server.MaxBatchSize,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("fraudwatch is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	// In-flight batches finish before the stores close.
	if err := batchWorker.Stop(); err != nil {
		slog.Error("failed to stop batch worker", "error", err)
	}
	return nil
}

// seedRules loads the optional rules file. Rules already in the store are
// left untouched so edits made through the API survive restarts.
func seedRules(ctx context.Context, svc *rules.Service, path string) error {
	if path == "" {
		slog.Info("no rules file configured - manage rules via the /rules API")
		return nil
	}
	seed, err := rules.LoadFile(path)
	if err != nil {
		return fmt.Errorf("failed to load rules file: %w", err)
	}
	created, err := svc.Seed(ctx, seed)
	if err != nil {
		return err
	}
	slog.Info("rules seeded", "path", path, "in_file", len(seed), "created", created)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  FraudWatch - fraud detection and reporting")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /detect             - Detect fraud in one transaction")
	fmt.Println("    POST   /detect/batch       - Detect fraud in a batch")
	fmt.Println("    POST   /batches            - Detect and auto-report a batch (?async=true)")
	fmt.Println("    GET    /batches/{id}       - Get a batch outcome")
	fmt.Println("    GET    /detections/{id}    - Latest detection of a transaction")
	fmt.Println("    POST   /report             - Report fraud manually")
	fmt.Println("    GET    /reports            - List reports")
	fmt.Println("    GET    /stats              - Predicted vs reported fraud per day")
	fmt.Println("    GET    /rules              - List rules")
	fmt.Println("    POST   /rules              - Create a rule")
	fmt.Println("    PUT    /rules/{id}         - Replace a rule")
	fmt.Println("    DELETE /rules/{id}         - Delete a rule")
	fmt.Println("    POST   /rules/validate     - Validate a rule without saving")
	fmt.Println("    GET    /health, /metrics   - Health and Prometheus metrics")
	fmt.Println()
}
