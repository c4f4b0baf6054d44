package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/export"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

// DefaultMaxUploadBytes bounds uploaded documents.
const DefaultMaxUploadBytes int64 = 50 << 20

// Service handles job intake and the read side used by the HTTP layer.
type Service struct {
	jobs       repository.JobRepository
	schemas    repository.SchemaRepository
	store      storage.Storage
	dispatcher queue.Dispatcher
	updater    *Updater
	export     *export.Service
	logger     *slog.Logger

	maxUploadBytes int64
	now            func() time.Time
}

type ServiceOption func(*Service)

func WithMaxUploadBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

func NewService(
	jobs repository.JobRepository,
	schemas repository.SchemaRepository,
	store storage.Storage,
	dispatcher queue.Dispatcher,
	updater *Updater,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		jobs:           jobs,
		schemas:        schemas,
		store:          store,
		dispatcher:     dispatcher,
		updater:        updater,
		export:         export.NewService(logger),
		logger:         logger,
		maxUploadBytes: DefaultMaxUploadBytes,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitFileRequest is an uploaded document.
type SubmitFileRequest struct {
	Identity entity.Identity
	Type     constants.JobType
	SchemaID string
	Hints    string
	FileName string
	MimeType string
	Data     []byte
}

// SubmitURLRequest is a document the worker downloads itself.
type SubmitURLRequest struct {
	Identity entity.Identity
	Type     constants.JobType
	SchemaID string
	Hints    string
	URL      string
}

// SubmitFile stores an uploaded document and dispatches its job. When dispatch
// fails the pending job is returned together with the dispatch error.
func (s *Service) SubmitFile(ctx context.Context, req SubmitFileRequest) (*entity.Job, error) {
	fileName := strings.TrimSpace(req.FileName)
	mimeType := constants.NormalizeMimeType(req.MimeType)
	if mimeType == "" || mimeType == constants.DefaultMimeType {
		if byExt := constants.MimeTypeFromExt(filepath.Ext(fileName)); byExt != "" {
			mimeType = byExt
		}
	}

	v := common.NewValidator().
		Field("type", string(req.Type), common.OneOf(string(constants.JobTypeParse), string(constants.JobTypeExtract))).
		Field("fileName", fileName, common.Required, common.MaxLength(255)).
		Field("file", int64(len(req.Data)), common.MaxBytes(s.maxUploadBytes))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	if !constants.IsAllowedMimeType(mimeType) {
		return nil, common.NewValidationError(fmt.Sprintf("unsupported file type %q", mimeType))
	}
	if err := s.checkIdentity(req.Identity); err != nil {
		return nil, err
	}
	schemaID, err := s.resolveSchema(ctx, req.Identity.OrganizationID, req.Type, req.SchemaID)
	if err != nil {
		return nil, err
	}

	job := s.newJob(req.Identity, req.Type, schemaID, req.Hints)
	job.FileName = fileName
	job.FileSize = int64(len(req.Data))
	job.MimeType = mimeType
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}

	key := storage.JobFileKey(job.OrganizationID, job.ID, fileName)
	if err := s.store.Put(ctx, key, req.Data, mimeType); err != nil {
		s.logger.Error("jobs.submit.upload_failed", "job_id", job.ID, "key", key, "error", err)
		storeErr := err
		if !errors.Is(err, common.ErrStorage) {
			storeErr = common.NewStorageError("upload document", err)
		}
		if failErr := s.updater.FailJob(ctx, job.ID, common.CodeStorage, storeErr.Error(), false); failErr != nil {
			s.logger.Error("jobs.submit.mark_failed", "job_id", job.ID, "error", failErr)
		} else {
			job.Status = constants.JobStatusFailed
			job.ErrorCode = entity.Ptr(common.CodeStorage)
			job.ErrorMessage = entity.Ptr(storeErr.Error())
			job.RetryCount++
		}
		return job, storeErr
	}
	if err := s.updater.UpdateFileInfo(ctx, job.ID, key, fileName, job.FileSize, mimeType); err != nil {
		return job, err
	}
	job.FileKey = &key

	return s.dispatch(ctx, job)
}

// SubmitURL records a URL job; the worker fetches the document on its first attempt.
func (s *Service) SubmitURL(ctx context.Context, req SubmitURLRequest) (*entity.Job, error) {
	rawURL := strings.TrimSpace(req.URL)
	v := common.NewValidator().
		Field("type", string(req.Type), common.OneOf(string(constants.JobTypeParse), string(constants.JobTypeExtract))).
		Field("url", rawURL, common.Required, common.HTTPURL, common.MaxLength(2048))
	if err := common.ValidateAndReturnError(v); err != nil {
		return nil, err
	}
	if err := s.checkIdentity(req.Identity); err != nil {
		return nil, err
	}
	schemaID, err := s.resolveSchema(ctx, req.Identity.OrganizationID, req.Type, req.SchemaID)
	if err != nil {
		return nil, err
	}

	job := s.newJob(req.Identity, req.Type, schemaID, req.Hints)
	job.FileName = FileNameFromURL(rawURL, s.now())
	job.MimeType = constants.DefaultMimeType
	job.SourceURL = &rawURL
	if err := s.jobs.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return s.dispatch(ctx, job)
}

func (s *Service) newJob(id entity.Identity, typ constants.JobType, schemaID *string, hints string) *entity.Job {
	now := s.now().UTC()
	job := &entity.Job{
		ID:             constants.NewJobID(),
		OrganizationID: id.OrganizationID,
		UserID:         id.UserID,
		Type:           typ,
		Status:         constants.JobStatusPending,
		SchemaID:       schemaID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if h := strings.TrimSpace(hints); h != "" {
		job.Hints = &h
	}
	return job
}

func (s *Service) dispatch(ctx context.Context, job *entity.Job) (*entity.Job, error) {
	_, err := s.dispatcher.Dispatch(ctx, queue.Message{
		JobID:          job.ID,
		OrganizationID: job.OrganizationID,
		UserID:         job.UserID,
	})
	if err != nil {
		s.logger.Error("jobs.submit.dispatch_failed", "job_id", job.ID, "error", err)
		if !errors.Is(err, common.ErrDispatch) {
			err = common.NewDispatchError("dispatch job", err)
		}
		return job, err
	}
	s.logger.Info("jobs.submitted",
		"job_id", job.ID,
		"org_id", job.OrganizationID,
		"type", job.Type,
		"file_name", job.FileName,
		"from_url", job.SourceURL != nil,
	)
	return job, nil
}

func (s *Service) checkIdentity(id entity.Identity) error {
	if id.OrganizationID == "" || id.UserID == "" {
		return common.NewAuthError("missing identity", nil)
	}
	return nil
}

// resolveSchema requires extract jobs to name a schema of the caller's organization.
// Parse jobs never carry one.
func (s *Service) resolveSchema(ctx context.Context, orgID string, typ constants.JobType, schemaID string) (*string, error) {
	if typ != constants.JobTypeExtract {
		return nil, nil
	}
	schemaID = strings.TrimSpace(schemaID)
	if schemaID == "" {
		return nil, common.NewValidationError("schemaId is required for extract jobs")
	}
	if _, err := s.schemas.Get(ctx, schemaID, orgID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return nil, common.NewValidationError(fmt.Sprintf("schema %s not found", schemaID))
		}
		return nil, err
	}
	return &schemaID, nil
}

// FileNameFromURL is the last path segment of rawURL, or download-{ms} when it has none.
func FileNameFromURL(rawURL string, now time.Time) string {
	if u, err := url.Parse(rawURL); err == nil {
		switch name := path.Base(u.Path); name {
		case "", ".", "..", "/":
		default:
			return name
		}
	}
	return fmt.Sprintf("download-%d", now.UnixMilli())
}

// Get loads a job of orgID.
func (s *Service) Get(ctx context.Context, orgID, jobID string) (*entity.Job, error) {
	return s.jobs.Get(ctx, jobID, orgID)
}

// List pages the jobs of orgID.
func (s *Service) List(ctx context.Context, orgID string, f repository.ListFilter) ([]entity.Job, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, common.NewValidationError(fmt.Sprintf("unknown status %q", f.Status))
	}
	if f.Type != "" && !f.Type.Valid() {
		return nil, 0, common.NewValidationError(fmt.Sprintf("unknown type %q", f.Type))
	}
	return s.jobs.List(ctx, orgID, f)
}

// Download formats.
const (
	FormatMarkdown = "md"
	FormatJSON     = "json"
	FormatXLSX     = "xlsx"
)

// Download is a rendered job result.
type Download struct {
	FileName    string
	ContentType string
	Data        []byte
}

// Download renders a completed job's result in format.
func (s *Service) Download(ctx context.Context, orgID, jobID, format string) (*Download, error) {
	job, err := s.jobs.Get(ctx, jobID, orgID)
	if err != nil {
		return nil, err
	}
	if job.Status != constants.JobStatusCompleted {
		return nil, common.NewAppError(common.CodeTransition,
			fmt.Sprintf("job %s is %s, results are available once completed", job.ID, job.Status), ErrNotReady)
	}
	base := strings.TrimSuffix(job.FileName, filepath.Ext(job.FileName))
	if base == "" {
		base = job.ID
	}

	switch format {
	case "", FormatMarkdown:
		if job.MarkdownResult == nil {
			return nil, common.NewNotFoundError("job has no markdown result")
		}
		return &Download{FileName: base + ".md", ContentType: "text/markdown; charset=utf-8", Data: []byte(*job.MarkdownResult)}, nil
	case FormatJSON:
		if len(job.JSONResult) == 0 {
			return nil, common.NewNotFoundError("job has no structured result")
		}
		return &Download{FileName: base + ".json", ContentType: "application/json", Data: job.JSONResult}, nil
	case FormatXLSX:
		if len(job.JSONResult) == 0 {
			return nil, common.NewNotFoundError("job has no structured result")
		}
		b, err := s.export.JobResultXLSX(job)
		if err != nil {
			return nil, err
		}
		return &Download{
			FileName:    base + ".xlsx",
			ContentType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
			Data:        b,
		}, nil
	default:
		return nil, common.NewValidationError(fmt.Sprintf("unknown format %q", format))
	}
}

// ErrNotReady is matched when a result is requested before the job completed.
var ErrNotReady = errors.New("job not completed")

// Delete removes a job and, best effort, its stored file.
func (s *Service) Delete(ctx context.Context, orgID, jobID string) error {
	job, err := s.jobs.Get(ctx, jobID, orgID)
	if err != nil {
		return err
	}
	if key := entity.StringValue(job.FileKey); key != "" {
		if err := s.store.Delete(ctx, key); err != nil && !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("jobs.delete.file_failed", "job_id", jobID, "key", key, "error", err)
		}
	}
	if err := s.jobs.Delete(ctx, jobID, orgID); err != nil {
		return err
	}
	s.logger.Info("jobs.deleted", "job_id", jobID, "org_id", orgID)
	return nil
}

// Export renders a summary workbook of jobs.
func (s *Service) Export(jobs []entity.Job) ([]byte, error) {
	return s.export.JobsSummaryXLSX(jobs)
}
