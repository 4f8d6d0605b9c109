// Package main is the entry point for the requiem worker.
// The worker claims queued runs, provisions runner images, and executes
// analyst scripts against evidence inside sandboxed containers.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"requiem/internal/config"
	"requiem/internal/engine"
	"requiem/internal/indexer"
	"requiem/internal/logger"
	"requiem/internal/observability"
	"requiem/internal/runtime"
	"requiem/internal/store/postgres"
	"requiem/internal/worker"
)

func main() {
	log := logger.New()

	cfg, err := config.Load()
	if err != nil {
		log.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	shutdownTracer, err := observability.InitTracer(ctx, "requiem-worker", cfg.OTELEndpoint)
	if err != nil {
		log.Error("failed to init tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Warn("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Error("failed to create Docker runtime", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer rt.Close()

	var idx indexer.Indexer
	if cfg.IndexerURL != "" {
		idx = indexer.NewClient(cfg.IndexerURL)
	}

	controller := engine.NewController(
		rt,
		db,
		engine.NewImageProvisioner(rt, log),
		engine.NewWorkspacePreparer(log),
		engine.NewOutputCollector(idx, cfg.MaxIndexFileMB*1024*1024, log),
		engine.ControllerConfig{
			LakeRoot:     cfg.LakeRoot,
			PollInterval: cfg.EnginePollInterval,
		},
		log,
	)

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Error("failed to init metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Warn("failed to shutdown metrics", slog.String("error", err.Error()))
		}
	}()

	runMetrics, err := observability.NewRunMetrics()
	if err != nil {
		log.Error("failed to register run metrics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = uuid.NewString()
	}
	agent := worker.New(db, db, db, db, controller, runMetrics, worker.AgentConfig{
		ID:                hostname,
		Concurrency:       cfg.WorkerConcurrency,
		PollInterval:      cfg.WorkerPollInterval,
		MaxBackoff:        cfg.WorkerMaxBackoff,
		HeartbeatInterval: cfg.WorkerHeartbeatInterval,
	}, log)

	log.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	go agent.Run(ctx)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		log.Info("metrics listening", slog.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn("metrics server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker, draining in-flight runs")
	cancel()

	<-agent.Done()
}
