package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docparse/internal/app"
	"github.com/joseph-ayodele/docparse/internal/auth"
	"github.com/joseph-ayodele/docparse/internal/bridge"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/server"
)

func main() {
	cfg := common.LoadConfig()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer server.CloseDB(db, logger)
	if err := server.PingDB(ctx, db, logger, 5*time.Second); err != nil {
		os.Exit(1)
	}

	var rdb *redis.Client
	if app.NeedsRedis(cfg) {
		rdb, err = app.OpenRedis(ctx, cfg.Redis.URL, logger)
		if err != nil {
			os.Exit(1)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("close redis", "error", err)
			}
		}()
	}

	store, err := app.OpenStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open storage", "driver", cfg.Storage.Driver, "error", err)
		os.Exit(1)
	}
	q, err := app.OpenQueue(cfg, redisClient(rdb), logger)
	if err != nil {
		logger.Error("failed to open queue", "driver", cfg.Queue.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("close queue", "error", err)
		}
	}()
	broker, err := app.OpenBroker(cfg, redisClient(rdb), logger)
	if err != nil {
		logger.Error("failed to open event broker", "driver", cfg.Events.Driver, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("close event broker", "error", err)
		}
	}()

	svcs := app.NewServices(db, store, q, broker, cfg.Server.MaxUploadBytes, logger)
	resolver := auth.NewResolver(svcs.Credentials, logger)

	srv := server.New(server.Deps{
		DB:      db,
		Jobs:    svcs.Intake,
		Auth:    resolver,
		Bridge:  bridge.New(resolver, svcs.Intake, broker, logger),
		Queue:   q,
		Storage: store,
		OCR:     app.NewOCR(cfg.OCR, logger),
	}, logger,
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithSessionCookie(cfg.Auth.SessionCookie),
		server.WithMaxUploadBytes(cfg.Server.MaxUploadBytes),
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("docparse-api listening", "addr", cfg.Server.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	logger.Info("stopped")
}

// redisClient keeps a nil *redis.Client from becoming a non-nil interface.
func redisClient(rdb *redis.Client) redis.UniversalClient {
	if rdb == nil {
		return nil
	}
	return rdb
}
