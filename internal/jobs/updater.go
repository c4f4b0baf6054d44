package jobs

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
	"github.com/joseph-ayodele/docparse/internal/events"
	"github.com/joseph-ayodele/docparse/internal/repository"
)

// ErrInvalidTransition is matched by errors.Is on rejected status changes.
var ErrInvalidTransition = errors.New("invalid status transition")

// Updater is the only writer of job status. Every change is persisted first
// and then announced on the event broker; a failed announcement is logged and
// dropped because the row is authoritative.
type Updater struct {
	repo   repository.JobRepository
	broker events.Broker
	logger *slog.Logger
	now    func() time.Time
}

func NewUpdater(repo repository.JobRepository, broker events.Broker, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{repo: repo, broker: broker, logger: logger, now: time.Now}
}

// CompleteResult is what a successful attempt produced.
type CompleteResult struct {
	MarkdownResult string
	JSONResult     json.RawMessage
	PageCount      *int
	TokenCount     *int
	LLMProvider    *string
	LLMModel       *string
}

func checkTransition(job *entity.Job, to constants.JobStatus) error {
	if !constants.CanTransition(job.Status, to) {
		return common.NewAppError(common.CodeTransition,
			fmt.Sprintf("job %s cannot move from %s to %s", job.ID, job.Status, to), ErrInvalidTransition)
	}
	if to == constants.JobStatusExtracting && job.Type != constants.JobTypeExtract {
		return common.NewAppError(common.CodeTransition,
			fmt.Sprintf("job %s is a %s job and never extracts", job.ID, job.Type), ErrInvalidTransition)
	}
	return nil
}

// UpdateStatus moves a job to status, persisting fields alongside, and publishes a status event.
func (u *Updater) UpdateStatus(ctx context.Context, jobID string, status constants.JobStatus, fields entity.JobUpdate) error {
	job, err := u.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := checkTransition(job, status); err != nil {
		return err
	}
	fields.Status = &status
	if err := u.repo.UpdateFields(ctx, jobID, fields); err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	u.logger.Info("jobs.status.updated", "job_id", jobID, "from", job.Status, "to", status)
	u.publish(ctx, events.Event{
		Type:  events.TypeStatus,
		JobID: jobID,
		Data:  events.Data{Status: status, ProcessingTimeMs: fields.ProcessingTimeMs},
	})
	return nil
}

// StartAttempt moves a job into processing at the start of a worker attempt.
// Any status but completed is accepted: an attempt cut short by a crash or a
// drain timeout may leave the row extracting, and the next attempt restarts
// from the beginning.
func (u *Updater) StartAttempt(ctx context.Context, jobID string, startedAt time.Time) error {
	job, err := u.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == constants.JobStatusCompleted {
		return common.NewAppError(common.CodeTransition,
			fmt.Sprintf("job %s is already completed", job.ID), ErrInvalidTransition)
	}
	status := constants.JobStatusProcessing
	if err := u.repo.UpdateFields(ctx, jobID, entity.JobUpdate{Status: &status, StartedAt: &startedAt}); err != nil {
		return fmt.Errorf("start attempt %s: %w", jobID, err)
	}
	u.logger.Info("jobs.attempt.started", "job_id", jobID, "from", job.Status, "retry_count", job.RetryCount)
	u.publish(ctx, events.Event{
		Type:  events.TypeStatus,
		JobID: jobID,
		Data:  events.Data{Status: status},
	})
	return nil
}

// CompleteJob records a successful result. Completing an already completed job is a no-op.
func (u *Updater) CompleteJob(ctx context.Context, jobID string, res CompleteResult) error {
	job, err := u.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == constants.JobStatusCompleted {
		u.logger.Debug("jobs.complete.already_completed", "job_id", jobID)
		return nil
	}
	if err := checkTransition(job, constants.JobStatusCompleted); err != nil {
		return err
	}

	now := u.now()
	status := constants.JobStatusCompleted
	fields := entity.JobUpdate{
		Status:           &status,
		MarkdownResult:   &res.MarkdownResult,
		JSONResult:       res.JSONResult,
		PageCount:        res.PageCount,
		TokenCount:       res.TokenCount,
		LLMProvider:      res.LLMProvider,
		LLMModel:         res.LLMModel,
		CompletedAt:      &now,
		ProcessingTimeMs: elapsedSince(job.StartedAt, now),
	}
	if err := u.repo.UpdateFields(ctx, jobID, fields); err != nil {
		return fmt.Errorf("complete job %s: %w", jobID, err)
	}
	u.logger.Info("jobs.completed",
		"job_id", jobID,
		"type", job.Type,
		"page_count", res.PageCount,
		"token_count", res.TokenCount,
		"processing_time_ms", fields.ProcessingTimeMs,
	)
	u.publish(ctx, events.Event{
		Type:  events.TypeCompleted,
		JobID: jobID,
		Data: events.Data{
			Status:           status,
			MarkdownResult:   &res.MarkdownResult,
			JSONResult:       res.JSONResult,
			PageCount:        res.PageCount,
			TokenCount:       res.TokenCount,
			ProcessingTimeMs: fields.ProcessingTimeMs,
		},
	})
	return nil
}

// FailJob records a failed attempt. The error event is only published when no
// further attempt will follow; willRetry must come from the queue delivery.
func (u *Updater) FailJob(ctx context.Context, jobID, code, message string, willRetry bool) error {
	job, err := u.repo.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if err := checkTransition(job, constants.JobStatusFailed); err != nil {
		return err
	}

	now := u.now()
	status := constants.JobStatusFailed
	retries := job.RetryCount + 1
	fields := entity.JobUpdate{
		Status:           &status,
		ErrorCode:        &code,
		ErrorMessage:     &message,
		RetryCount:       &retries,
		ProcessingTimeMs: elapsedSince(job.StartedAt, now),
	}
	if err := u.repo.UpdateFields(ctx, jobID, fields); err != nil {
		return fmt.Errorf("fail job %s: %w", jobID, err)
	}
	u.logger.Warn("jobs.failed",
		"job_id", jobID,
		"error_code", code,
		"error", message,
		"retry_count", retries,
		"will_retry", willRetry,
	)
	if willRetry {
		return nil
	}
	u.publish(ctx, events.Event{
		Type:  events.TypeError,
		JobID: jobID,
		Data:  events.Data{Status: status, Error: message},
	})
	return nil
}

// UpdateFileInfo records where a fetched file was stored. It does not change status or publish.
func (u *Updater) UpdateFileInfo(ctx context.Context, jobID, fileKey, fileName string, fileSize int64, mimeType string) error {
	err := u.repo.UpdateFields(ctx, jobID, entity.JobUpdate{
		FileKey:  &fileKey,
		FileName: &fileName,
		FileSize: &fileSize,
		MimeType: &mimeType,
	})
	if err != nil {
		return fmt.Errorf("update file info %s: %w", jobID, err)
	}
	return nil
}

func (u *Updater) publish(ctx context.Context, ev events.Event) {
	if u.broker == nil {
		return
	}
	if err := u.broker.Publish(ctx, ev.JobID, ev); err != nil {
		u.logger.Warn("jobs.publish_failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

func elapsedSince(start *time.Time, now time.Time) *int64 {
	if start == nil || start.IsZero() {
		return nil
	}
	ms := now.Sub(*start).Milliseconds()
	return &ms
}
