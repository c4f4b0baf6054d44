package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/app"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/events"
	"github.com/joseph-ayodele/docparse/internal/ingest"
	"github.com/joseph-ayodele/docparse/internal/llm"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
	"github.com/joseph-ayodele/docparse/internal/worker"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...interface{}) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

var batchIdentity = entity.Identity{OrganizationID: "org_local", UserID: "user_local"}

func main() {
	// Parse CLI flags
	var (
		inmem      = flag.Bool("inmem", false, "use in-memory SQLite database")
		dbPath     = flag.String("db", "docparse-batch.db", "SQLite database file (ignored with -inmem)")
		dir        = flag.String("dir", "", "directory to process documents from (required)")
		out        = flag.String("out", "", "output XLSX file path (optional, defaults to parent directory)")
		schemaPath = flag.String("schema", "", "JSON Schema file; when set, documents are extracted against it")
		hints      = flag.String("hints", "", "extraction hints passed to the LLM")
		workers    = flag.Int("workers", 2, "concurrent jobs")
		watch      = flag.Bool("watch", false, "keep watching -dir and process new files until interrupted")
	)
	flag.Parse()

	// Validate required flags
	if *dir == "" {
		printError("Error: --dir is required\n")
		os.Exit(1)
	}
	if *out == "" {
		*out = filepath.Join(filepath.Dir(filepath.Clean(*dir)), "docparse.xlsx")
	}

	cfg := common.LoadConfig()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn := "file:" + *dbPath + "?_pragma=busy_timeout(5000)"
	if *inmem {
		dsn = ":memory:"
	}
	db, err := repository.Open(ctx, repository.Config{Driver: string(repository.SQLite), DSN: dsn}, logger)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer repository.Close(db, logger)
	if err := db.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	storeDir, err := os.MkdirTemp("", "docparse-batch-*")
	if err != nil {
		logger.Error("failed to create storage dir", "error", err)
		os.Exit(1)
	}
	defer func() { _ = os.RemoveAll(storeDir) }()
	store, err := storage.NewLocal(storeDir, logger)
	if err != nil {
		logger.Error("failed to open storage", "error", err)
		os.Exit(1)
	}

	q := queue.NewMemory(logger, queue.WithRetryPolicy(queue.RetryPolicy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     queue.ExponentialBackoff(cfg.Queue.BackoffBase),
	}))
	defer func() { _ = q.Close() }()
	broker := events.NewMemory(logger)
	defer func() { _ = broker.Close() }()

	svcs := app.NewServices(db, store, q, broker, cfg.Server.MaxUploadBytes, logger)

	var opts []ingest.Option
	if *hints != "" {
		opts = append(opts, ingest.WithHints(*hints))
	}
	if *schemaPath != "" {
		id, err := loadSchema(ctx, svcs.Schemas, *schemaPath)
		if err != nil {
			logger.Error("failed to load schema", "path", *schemaPath, "error", err)
			os.Exit(1)
		}
		opts = append(opts, ingest.WithExtract(id))
		if cfg.LLM.APIKey == "" {
			logger.Warn("no LLM API key configured, extract jobs will fail")
		}
	}

	processor := worker.NewProcessor(worker.Deps{
		Jobs:      svcs.Jobs,
		Schemas:   svcs.Schemas,
		Storage:   store,
		OCR:       app.NewOCR(cfg.OCR, logger),
		Extractor: app.NewLLM(cfg.LLM, logger),
		Updater:   svcs.Updater,
	}, logger)
	pool := worker.NewPool(q, processor, svcs.Updater, logger,
		worker.WithConcurrency(*workers),
		worker.WithProcessTimeout(cfg.Worker.ProcessTimeout),
	)
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = pool.Run(ctx)
	}()

	ingestor := ingest.NewFSIngestor(svcs.Intake, batchIdentity, logger, opts...)

	logger.Info("starting ingestion", "dir", *dir)
	results, stats, err := ingestor.IngestDirectory(ctx, *dir, true)
	if err != nil {
		logger.Error("failed to ingest directory", "error", err)
		os.Exit(1)
	}
	seen := make(map[string]bool, len(results))
	for _, r := range results {
		seen[r.SourcePath] = true
		if r.JobID != "" {
			follow(broker, r.JobID, r.SourcePath, logger)
		}
	}
	logger.Info("ingestion complete",
		"scanned", stats.Scanned,
		"matched", stats.Matched,
		"submitted", stats.Submitted,
		"failed", stats.Failed)

	if *watch {
		watchDir(ctx, *dir, ingestor, broker, seen, logger)
	} else {
		waitIdle(ctx, q)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool.Shutdown(shutdownCtx)
	<-poolDone

	all, err := listAll(context.Background(), svcs.Jobs)
	if err != nil {
		logger.Error("failed to list jobs", "error", err)
		os.Exit(1)
	}

	logger.Info("exporting to XLSX", "output", *out)
	xlsxBytes, err := svcs.Intake.Export(all)
	if err != nil {
		logger.Error("failed to export jobs", "error", err)
		os.Exit(1)
	}
	if err := os.WriteFile(*out, xlsxBytes, 0o644); err != nil {
		logger.Error("failed to write output file", "error", err)
		os.Exit(1)
	}

	counts := map[constants.JobStatus]int{}
	for _, j := range all {
		counts[j.Status]++
	}
	logger.Info("batch processing complete",
		"jobs", len(all),
		"completed", counts[constants.JobStatusCompleted],
		"failed", counts[constants.JobStatusFailed],
		"output_file", *out)

	fmt.Printf("Batch processing complete!\n")
	fmt.Printf("- Jobs: %d\n", len(all))
	fmt.Printf("- Completed: %d\n", counts[constants.JobStatusCompleted])
	fmt.Printf("- Failed: %d\n", counts[constants.JobStatusFailed])
	fmt.Printf("- Output: %s\n", *out)
}

func loadSchema(ctx context.Context, schemas repository.SchemaRepository, path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if _, err := llm.CompileSchema(json.RawMessage(raw)); err != nil {
		return "", fmt.Errorf("invalid schema: %w", err)
	}
	s := &entity.ExtractionSchema{
		OrganizationID: batchIdentity.OrganizationID,
		Name:           strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		JSONSchema:     raw,
	}
	if err := schemas.Create(ctx, s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// follow logs a job's lifecycle events until it reaches a terminal state.
func follow(broker events.Broker, jobID, path string, logger *slog.Logger) {
	var id events.SubscriptionID
	ready := make(chan struct{})
	id, err := broker.Subscribe(jobID, func(ev events.Event) {
		switch ev.Type {
		case events.TypeCompleted:
			logger.Info("batch.job.completed", "job_id", jobID, "path", path)
		case events.TypeError:
			logger.Warn("batch.job.failed", "job_id", jobID, "path", path, "error", ev.Data.Error)
		default:
			logger.Debug("batch.job.status", "job_id", jobID, "status", ev.Data.Status)
			return
		}
		// handlers run on the publisher's goroutine; unsubscribe off it
		go func() {
			<-ready
			_ = broker.Unsubscribe(id)
		}()
	})
	close(ready)
	if err != nil {
		logger.Warn("batch.follow.failed", "job_id", jobID, "error", err)
	}
}

func watchDir(ctx context.Context, dir string, ing *ingest.FSIngestor, broker events.Broker, seen map[string]bool, logger *slog.Logger) {
	paths, errs, err := ingest.StartWatcher(ctx, ingest.WatchConfig{
		Roots:      []string{dir},
		Debounce:   500 * time.Millisecond,
		SkipHidden: true,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to start watcher", "error", err)
		return
	}
	logger.Info("watching for new documents", "dir", dir)
	for {
		select {
		case p, ok := <-paths:
			if !ok {
				return
			}
			abs, _ := filepath.Abs(p)
			if seen[abs] {
				continue
			}
			seen[abs] = true
			r, err := ing.IngestPath(ctx, p)
			if err != nil {
				logger.Warn("batch.submit.failed", "path", p, "error", err)
				continue
			}
			follow(broker, r.JobID, r.SourcePath, logger)
		case err, ok := <-errs:
			if !ok {
				return
			}
			logger.Warn("watcher error", "error", err)
		}
	}
}

func waitIdle(ctx context.Context, q *queue.Memory) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if q.Idle() {
				return
			}
		}
	}
}

func listAll(ctx context.Context, jobsRepo repository.JobRepository) ([]entity.Job, error) {
	var all []entity.Job
	f := repository.ListFilter{Limit: repository.MaxListLimit, SortOrder: "asc"}
	for {
		page, total, err := jobsRepo.List(ctx, batchIdentity.OrganizationID, f)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		f.Offset += len(page)
		if len(page) == 0 || f.Offset >= total {
			return all, nil
		}
	}
}
