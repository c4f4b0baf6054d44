package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/jobs"
	"github.com/joseph-ayodele/docparse/internal/llm"
	"github.com/joseph-ayodele/docparse/internal/ocr"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

// StatusUpdater is the part of jobs.Updater the worker drives.
type StatusUpdater interface {
	StartAttempt(ctx context.Context, jobID string, startedAt time.Time) error
	UpdateStatus(ctx context.Context, jobID string, status constants.JobStatus, fields entity.JobUpdate) error
	CompleteJob(ctx context.Context, jobID string, res jobs.CompleteResult) error
	FailJob(ctx context.Context, jobID, code, message string, willRetry bool) error
	UpdateFileInfo(ctx context.Context, jobID, fileKey, fileName string, fileSize int64, mimeType string) error
}

// Deps are the collaborators of a Processor.
type Deps struct {
	Jobs      repository.JobRepository
	Schemas   repository.SchemaRepository
	Storage   storage.Storage
	OCR       ocr.Parser
	Extractor llm.Extractor
	Updater   StatusUpdater
	Fetcher   *Fetcher
}

// Processor runs one attempt of a job: fetch (URL jobs), OCR, then extraction for extract jobs.
type Processor struct {
	Deps
	logger *slog.Logger
	now    func() time.Time
}

func NewProcessor(deps Deps, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Fetcher == nil {
		deps.Fetcher = NewFetcher(0, 0, logger)
	}
	return &Processor{Deps: deps, logger: logger, now: time.Now}
}

// Process returns nil on success. Errors that no retry can fix are marked queue.Permanent.
func (p *Processor) Process(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	job, err := p.Jobs.GetByID(ctx, msg.JobID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return queue.Permanent(err)
		}
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status == constants.JobStatusCompleted {
		p.logger.Info("processor.job.already_completed", "job_id", job.ID)
		return nil
	}

	startedAt := p.now().UTC()
	if err := p.Updater.StartAttempt(ctx, job.ID, startedAt); err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			return queue.Permanent(err)
		}
		return err
	}
	p.logger.Info("processor.job.start", "job_id", job.ID, "type", job.Type, "retry_count", job.RetryCount)

	data, err := p.loadDocument(ctx, job)
	if err != nil {
		p.logger.Error("processor.load.failed", "job_id", job.ID, "error", err)
		return err
	}

	res, err := p.OCR.Parse(ctx, data, job.MimeType)
	if err != nil {
		p.logger.Error("processor.ocr.failed", "job_id", job.ID, "error", err)
		return fmt.Errorf("ocr: %w", err)
	}
	pageCount := res.PageCount
	if err := p.Updater.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, entity.JobUpdate{
		MarkdownResult: &res.Markdown,
		PageCount:      &pageCount,
	}); err != nil {
		return err
	}
	p.logger.Info("processor.ocr.ok", "job_id", job.ID, "pages", pageCount, "markdown_len", len(res.Markdown))

	done := jobs.CompleteResult{MarkdownResult: res.Markdown, PageCount: &pageCount}
	if job.Type == constants.JobTypeExtract {
		if err := p.extract(ctx, job, res.Markdown, &done); err != nil {
			p.logger.Error("processor.extract.failed", "job_id", job.ID, "error", err)
			return err
		}
	}

	if err := p.Updater.CompleteJob(ctx, job.ID, done); err != nil {
		return err
	}
	p.logger.Info("processor.job.ok", "job_id", job.ID, "elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

// loadDocument returns the job's bytes, fetching and storing them first for URL jobs.
// A job that already has a file key is never fetched again.
func (p *Processor) loadDocument(ctx context.Context, job *entity.Job) ([]byte, error) {
	if job.NeedsFetch() {
		f, err := p.Fetcher.Fetch(ctx, entity.StringValue(job.SourceURL))
		if err != nil {
			return nil, err
		}
		key := storage.JobFileKey(job.OrganizationID, job.ID, f.FileName)
		if err := p.Storage.Put(ctx, key, f.Data, f.MimeType); err != nil {
			return nil, err
		}
		if err := p.Updater.UpdateFileInfo(ctx, job.ID, key, f.FileName, int64(len(f.Data)), f.MimeType); err != nil {
			return nil, err
		}
		job.FileKey = &key
		job.FileName = f.FileName
		job.FileSize = int64(len(f.Data))
		job.MimeType = f.MimeType
		return f.Data, nil
	}

	key := entity.StringValue(job.FileKey)
	if key == "" {
		return nil, queue.Permanent(common.NewValidationError("job has neither a stored file nor a source url"))
	}
	data, err := p.Storage.Get(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	return data, nil
}

func (p *Processor) extract(ctx context.Context, job *entity.Job, markdown string, done *jobs.CompleteResult) error {
	var schema json.RawMessage
	if id := entity.StringValue(job.SchemaID); id != "" {
		s, err := p.Schemas.Get(ctx, id, job.OrganizationID)
		switch {
		case err == nil:
			schema = s.JSONSchema
		case errors.Is(err, common.ErrNotFound):
			p.logger.Warn("processor.schema.missing", "job_id", job.ID, "schema_id", id)
		default:
			return fmt.Errorf("load schema: %w", err)
		}
	}

	if err := p.Updater.UpdateStatus(ctx, job.ID, constants.JobStatusExtracting, entity.JobUpdate{}); err != nil {
		return err
	}

	out, err := p.Extractor.Extract(ctx, llm.ExtractRequest{
		Markdown: markdown,
		Schema:   schema,
		Hints:    entity.StringValue(job.Hints),
	})
	if err != nil {
		if !errors.Is(err, common.ErrExtraction) {
			err = common.NewExtractionError("extraction failed", err)
		}
		if errors.Is(err, llm.ErrMissingAPIKey) {
			return queue.Permanent(err)
		}
		return err
	}

	tokens := out.Usage.Total()
	done.JSONResult = out.Data
	done.TokenCount = &tokens
	if out.Model != "" {
		done.LLMModel = &out.Model
	}
	if out.Provider != "" {
		done.LLMProvider = &out.Provider
	}
	p.logger.Info("processor.extract.ok", "job_id", job.ID, "model", out.Model, "tokens", tokens)
	return nil
}
