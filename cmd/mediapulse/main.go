package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mediapulse-io/mediapulse/internal/aggregation"
	corecfg "github.com/mediapulse-io/mediapulse/internal/core/config"
	"github.com/mediapulse-io/mediapulse/internal/core/normalize"
	"github.com/mediapulse-io/mediapulse/internal/core/storage/postgres"
	"github.com/mediapulse-io/mediapulse/internal/ingestion"
	"github.com/mediapulse-io/mediapulse/internal/migrations"
	"github.com/mediapulse-io/mediapulse/internal/reporting"
	"github.com/mediapulse-io/mediapulse/internal/server"
)

func main() {
	configPath := flag.String("config", "mediapulse.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Initialize Storage (PostgreSQL)
	factStore, err := postgres.NewFactsAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer factStore.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(factStore.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	aggStore := postgres.NewAggregateAdapter(factStore.DB())

	// 3. Initialize Normalization
	normalizer, err := normalize.New(normalize.Options{
		Timezone:       cfg.ETL.Timezone,
		InternalDomain: cfg.ETL.InternalDomain,
		RulesDir:       cfg.ETL.RulesDir,
	})
	if err != nil {
		slog.Error("Failed to initialize normalizer", "error", err)
		os.Exit(1)
	}

	// 4. Initialize Aggregation (checkpointed incremental sweep)
	engine := aggregation.NewEngine(factStore, aggStore, aggregation.SweepParameter{
		BatchSize:         cfg.Aggregation.BatchSize,
		WorkerCount:       cfg.Aggregation.WorkerCount,
		SweepInterval:     cfg.Aggregation.SweepIntervalDuration(),
		SessionInactivity: cfg.Aggregation.SessionInactivityDuration(),
	})

	slog.Info("Aggregation engine initialized",
		"enabled", cfg.Aggregation.Enabled,
		"sweep_interval", cfg.Aggregation.SweepIntervalDuration(),
		"batch_size", cfg.Aggregation.BatchSize,
		"worker_count", cfg.Aggregation.WorkerCount,
	)

	// 5. Initialize Ingestion. Every committed batch nudges the engine so
	// fresh facts are swept without waiting for the next cron tick.
	onCommit := func() {}
	if cfg.Aggregation.Enabled {
		onCommit = engine.Notify
	}
	pipeline := ingestion.NewPipeline(normalizer, factStore, cfg.ETL.LoadWorkers, onCommit)
	ingestionSvc := ingestion.NewService(pipeline, cfg.Server.MaxBodySizeMB)

	// 6. Initialize Reporting (query API)
	reportingSvc := reporting.NewService(aggStore, cfg.Reporting.MaxRangeDays)

	// 7. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), factStore.DB(), cfg.Server.Mode)
	ingestionSvc.RegisterRoutes(srv.Engine)
	reportingSvc.RegisterRoutes(srv.Engine)

	// 8. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Aggregation.Enabled {
		go func() {
			if err := engine.Run(ctx); err != nil {
				slog.Error("Aggregation engine stopped with error", "error", err)
			}
		}()
	} else {
		slog.Info("Aggregation engine disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
