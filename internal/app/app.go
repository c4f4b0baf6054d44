// Package app wires configuration into the concrete store, queue, broker and
// collaborator clients shared by the binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/events"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/llm/openai"
	"github.com/joseph-ayodele/docparse/internal/ocr"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

// OpenRedis connects to url and pings it.
func OpenRedis(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	logger = orDefault(logger)
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, common.NewAppError(common.CodeConfig, "invalid REDIS_URL", err)
	}
	rdb := redis.NewClient(opt)
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		logger.Error("redis connection failed", "addr", opt.Addr, "error", err)
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected", "addr", opt.Addr, "db", opt.DB)
	return rdb, nil
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

// NeedsRedis reports whether the queue or the broker depends on Redis. The AMQP
// queue keeps its execution locks and dispatch guard there.
func NeedsRedis(cfg *common.Config) bool {
	switch {
	case cfg.Queue.Driver == "redis", cfg.Queue.Driver == "amqp":
		return true
	default:
		return cfg.Events.Driver == "redis"
	}
}

func retryPolicy(cfg common.QueueConfig) queue.RetryPolicy {
	return queue.RetryPolicy{MaxAttempts: cfg.MaxAttempts, Backoff: queue.ExponentialBackoff(cfg.BackoffBase)}
}

// OpenQueue builds the transport named by QUEUE_DRIVER. rdb may be nil only for
// the memory driver; AMQP takes its execution lock and dispatch guard from it.
func OpenQueue(cfg *common.Config, rdb redis.UniversalClient, logger *slog.Logger) (queue.Queue, error) {
	q := cfg.Queue
	opts := []queue.Option{
		queue.WithRetryPolicy(retryPolicy(q)),
		queue.WithRetention(queue.Retention{Completed: q.RetentionComplete, Failed: q.RetentionFail}),
		queue.WithPollInterval(q.PollInterval),
		queue.WithPrefetch(cfg.Worker.Concurrency),
	}
	switch q.Driver {
	case "redis":
		if rdb == nil {
			return nil, common.NewAppError(common.CodeConfig, "redis queue needs a redis client", common.ErrInvalidInput)
		}
		return queue.NewRedis(rdb, q.Prefix, q.Name, logger, opts...), nil
	case "amqp":
		if rdb == nil {
			return nil, common.NewAppError(common.CodeConfig, "amqp queue needs a redis client", common.ErrInvalidInput)
		}
		locker := queue.NewRedisLocker(rdb, q.Prefix, logger)
		opts = append(opts, queue.WithLocker(locker), queue.WithDispatchGuard(locker))
		aq, err := queue.NewAMQP(q.AMQPURL, q.Name, logger, opts...)
		if err != nil {
			return nil, err
		}
		return aq, nil
	case "memory":
		return queue.NewMemory(logger, opts...), nil
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown queue driver %q", q.Driver), common.ErrInvalidInput)
	}
}

// OpenBroker builds the event broker named by EVENTS_DRIVER.
func OpenBroker(cfg *common.Config, rdb redis.UniversalClient, logger *slog.Logger) (events.Broker, error) {
	switch cfg.Events.Driver {
	case "redis":
		if rdb == nil {
			return nil, common.NewAppError(common.CodeConfig, "redis broker needs a redis client", common.ErrInvalidInput)
		}
		return events.NewRedis(rdb, logger), nil
	case "memory":
		return events.NewMemory(logger), nil
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown events driver %q", cfg.Events.Driver), common.ErrInvalidInput)
	}
}

// OpenStorage builds the blob store named by STORAGE_DRIVER.
func OpenStorage(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	logger = orDefault(logger)
	switch cfg.Driver {
	case "s3":
		s3, err := storage.NewS3(storage.S3Config{
			Endpoint:  cfg.Endpoint,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
		}, logger)
		if err != nil {
			return nil, err
		}
		if err := s3.Health(ctx); err != nil {
			logger.Warn("storage bucket not reachable at startup", "bucket", cfg.Bucket, "error", err)
		}
		return s3, nil
	case "local":
		local, err := storage.NewLocal(cfg.LocalDir, logger)
		if err != nil {
			return nil, err
		}
		return local, nil
	default:
		return nil, common.NewAppError(common.CodeConfig, fmt.Sprintf("unknown storage driver %q", cfg.Driver), common.ErrInvalidInput)
	}
}

func NewOCR(cfg common.OCRConfig, logger *slog.Logger) *ocr.Client {
	return ocr.NewClient(ocr.Config{
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		Retries:    cfg.Retries,
		RetryDelay: cfg.RetryDelay,
	}, logger)
}

func NewLLM(cfg common.LLMConfig, logger *slog.Logger) *openai.Client {
	return openai.NewClient(openai.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Model:        cfg.Model,
		Provider:     cfg.Provider,
		Temperature:  cfg.Temperature,
		Timeout:      cfg.Timeout,
		StrictSchema: cfg.StrictSchema,
	}, logger)
}

// Services are the repositories and job services built over one database.
type Services struct {
	Jobs        repository.JobRepository
	Schemas     repository.SchemaRepository
	Credentials repository.CredentialRepository
	Updater     *jobs.Updater
	Intake      *jobs.Service
}

func NewServices(db *repository.DB, store storage.Storage, dispatcher queue.Dispatcher, broker events.Broker, maxUploadBytes int64, logger *slog.Logger) *Services {
	s := &Services{
		Jobs:        repository.NewJobRepository(db, logger),
		Schemas:     repository.NewSchemaRepository(db, logger),
		Credentials: repository.NewCredentialRepository(db, logger),
	}
	s.Updater = jobs.NewUpdater(s.Jobs, broker, logger)
	s.Intake = jobs.NewService(s.Jobs, s.Schemas, store, dispatcher, s.Updater, logger, jobs.WithMaxUploadBytes(maxUploadBytes))
	return s
}
