package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/joseph-ayodele/docparse/internal/app"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/server"
	"github.com/joseph-ayodele/docparse/internal/worker"
)

func main() {
	cfg := common.LoadConfig()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.ValidateWorker(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	if cfg.Queue.Driver == "memory" {
		logger.Warn("QUEUE_DRIVER=memory only sees jobs dispatched in this process; use docparse-batch for local runs")
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("no LLM API key configured, extract jobs will fail")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer server.CloseDB(db, logger)

	var rdb redis.UniversalClient
	if app.NeedsRedis(cfg) {
		c, err := app.OpenRedis(ctx, cfg.Redis.URL, logger)
		if err != nil {
			os.Exit(1)
		}
		defer func() { _ = c.Close() }()
		rdb = c
	}

	store, err := app.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	q, err := app.OpenQueue(cfg, rdb, logger)
	if err != nil {
		logger.Error("failed to open queue", "driver", cfg.Queue.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("close queue", "error", err)
		}
	}()
	broker, err := app.OpenBroker(cfg, rdb, logger)
	if err != nil {
		logger.Error("failed to open event broker", "driver", cfg.Events.Driver, "error", err)
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	svcs := app.NewServices(db, store, q, broker, cfg.Server.MaxUploadBytes, logger)
	processor := worker.NewProcessor(worker.Deps{
		Jobs:      svcs.Jobs,
		Schemas:   svcs.Schemas,
		Storage:   store,
		OCR:       app.NewOCR(cfg.OCR, logger),
		Extractor: app.NewLLM(cfg.LLM, logger),
		Updater:   svcs.Updater,
		Fetcher:   worker.NewFetcher(cfg.Worker.FetchTimeout, cfg.Worker.FetchMaxBytes, logger),
	}, logger)

	// gRPC health
	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	lis, err := net.Listen("tcp", cfg.Server.HealthAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.HealthAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("health listening", "addr", cfg.Server.HealthAddr)
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()

	pool := worker.NewPool(q, processor, svcs.Updater, logger,
		worker.WithConcurrency(cfg.Worker.Concurrency),
		worker.WithProcessTimeout(cfg.Worker.ProcessTimeout),
		worker.WithHealth(healthServer),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pool.Run(ctx); err != nil {
			logger.Error("worker pool", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	// let in-flight attempts finish, bounded by the process timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ProcessTimeout+30*time.Second)
	defer cancel()
	pool.Shutdown(shutdownCtx)
	select {
	case <-done:
	case <-shutdownCtx.Done():
	}
	grpcServer.GracefulStop()
	logger.Info("stopped")
}
