// dispatchd is the test-job orchestrator server: HTTP intake for jobs
// and agents, the batching and scheduling workers, and the lifecycle
// supervisor over a Postgres store.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/questgrid/dispatch/pkg/api"
	"github.com/questgrid/dispatch/pkg/batcher"
	"github.com/questgrid/dispatch/pkg/config"
	"github.com/questgrid/dispatch/pkg/queueindex"
	"github.com/questgrid/dispatch/pkg/scheduler"
	"github.com/questgrid/dispatch/pkg/services"
	"github.com/questgrid/dispatch/pkg/store"
	"github.com/questgrid/dispatch/pkg/supervisor"
	"github.com/questgrid/dispatch/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.StoreURL == "" {
		slog.Error("STORE_URL is required")
		os.Exit(1)
	}

	slog.Info("Starting dispatchd",
		"version", version.Full(),
		"bind_addr", cfg.BindAddr,
		"max_batch_size", cfg.MaxBatchSize,
		"lease", cfg.Lease)

	ctx := context.Background()

	// 1. Store: migrations run before anything touches the tables.
	st, err := store.NewPostgres(ctx, cfg.StoreURL)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("Connected to Postgres store")

	// 2. Rebuild the pending-job index from committed state.
	index := queueindex.New()
	if err := index.Rebuild(ctx, st); err != nil {
		slog.Error("Failed to rebuild queue index", "error", err)
		os.Exit(1)
	}
	slog.Info("Queue index rebuilt", "pending_jobs", index.Len())

	// 3. Workers and services share two wake channels: intake → batcher
	// and batcher/polls → scheduler.
	batcherWake := make(chan struct{}, 1)
	schedWake := make(chan struct{}, 1)

	intakeService := services.NewIntakeService(st, index, cfg, batcherWake)
	jobService := services.NewJobService(st, index)
	agentService := services.NewAgentService(st, cfg, schedWake)

	batchWorker := batcher.New(st, index, cfg, batcherWake, schedWake)
	schedWorker := scheduler.New(st, cfg, schedWake)
	sup := supervisor.New(st, index, cfg, batcherWake)

	metricsService := services.NewMetricsService(st, index, schedWorker)

	// 4. Startup recovery: reclaim work orphaned by a previous crash
	// before accepting new traffic.
	if err := sup.Recover(ctx); err != nil {
		slog.Error("Startup recovery failed", "error", err)
		os.Exit(1)
	}

	// 5. Background workers start before the API takes traffic.
	batchWorker.Start(ctx)
	schedWorker.Start(ctx)
	sup.Start(ctx)

	// 6. HTTP server.
	httpServer := api.NewServer(cfg, st, intakeService, jobService, agentService, metricsService, sup)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil {
			errCh <- err
		}
	}()

	slog.Info("dispatchd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop intake first, then the workers, so nothing
	// new enters while in-flight passes finish. Leases cover anything
	// that does not make it.
	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	workersDone := make(chan struct{})
	go func() {
		batchWorker.Stop()
		schedWorker.Stop()
		sup.Stop()
		close(workersDone)
	}()

	select {
	case <-workersDone:
		slog.Info("Workers stopped gracefully")
	case <-time.After(cfg.ShutdownGrace):
		slog.Warn("Shutdown grace exceeded, leased work will be reclaimed on restart")
	}

	slog.Info("Shutdown complete")
}
