package server

import (
	"context"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docparse/internal/common"
	repo "github.com/joseph-ayodele/docparse/internal/repository"
)

// ConnectDB opens the job store described by cfg and applies migrations when AutoMigrate is set.
func ConnectDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repo.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database", "driver", cfg.Driver)
	db, err := repo.Open(ctx, repo.Config{
		Driver:           cfg.Driver,
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}
	if cfg.AutoMigrate || cfg.Driver == string(repo.SQLite) {
		if err := db.Migrate(ctx); err != nil {
			repo.Close(db, logger)
			logger.Error("failed to migrate database", "error", err)
			return nil, err
		}
		logger.Info("database migrated")
	}

	logger.Info("successfully connected to database")
	return db, nil
}

// PingDB pings the database to ensure it's responsive
func PingDB(ctx context.Context, db *repo.DB, logger *slog.Logger, timeout time.Duration) error {
	if logger == nil {
		logger = slog.Default()
	}
	err := repo.HealthCheck(ctx, db, timeout, logger)
	if err != nil {
		logger.Error("database ping failed", "error", err)
		return err
	}
	logger.Debug("database ping successful")
	return nil
}

// CloseDB closes the database connections gracefully
func CloseDB(db *repo.DB, logger *slog.Logger) {
	repo.Close(db, logger)
}
