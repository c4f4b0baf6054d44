package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
)

// JobRepository is the durable record of every job.
type JobRepository interface {
	Insert(ctx context.Context, job *entity.Job) error
	UpdateFields(ctx context.Context, id string, u entity.JobUpdate) error
	Get(ctx context.Context, id, orgID string) (*entity.Job, error)
	GetByID(ctx context.Context, id string) (*entity.Job, error)
	List(ctx context.Context, orgID string, f ListFilter) ([]entity.Job, int, error)
	Delete(ctx context.Context, id, orgID string) error
	CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error)
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Status    constants.JobStatus
	Type      constants.JobType
	Limit     int
	Offset    int
	SortBy    string // createdAt | updatedAt
	SortOrder string // asc | desc
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

const jobColumns = `id, organization_id, user_id, type, status, file_name, file_key, file_size, mime_type,
	source_url, schema_id, hints, llm_provider, llm_model, markdown_result, json_result, page_count,
	token_count, error_code, error_message, retry_count, started_at, completed_at, processing_time_ms,
	created_at, updated_at`

type jobRepo struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

func NewJobRepository(db *DB, log *slog.Logger) JobRepository {
	if log == nil {
		log = slog.Default()
	}
	return &jobRepo{db: db, log: log, now: time.Now}
}

func (r *jobRepo) Insert(ctx context.Context, job *entity.Job) error {
	now := r.now().UTC()
	job.CreatedAt, job.UpdatedAt = now, now
	if job.Status == "" {
		job.Status = constants.JobStatusPending
	}

	q := r.db.rebind(`INSERT INTO jobs (` + jobColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := r.db.SQL.ExecContext(ctx, q,
		job.ID, job.OrganizationID, job.UserID, string(job.Type), string(job.Status), job.FileName,
		ptrArg(job.FileKey), job.FileSize, job.MimeType, ptrArg(job.SourceURL), ptrArg(job.SchemaID), ptrArg(job.Hints),
		ptrArg(job.LLMProvider), ptrArg(job.LLMModel), ptrArg(job.MarkdownResult), jsonArg(job.JSONResult), intArg(job.PageCount),
		intArg(job.TokenCount), ptrArg(job.ErrorCode), ptrArg(job.ErrorMessage), int64(job.RetryCount),
		r.db.nullTimeArg(job.StartedAt), r.db.nullTimeArg(job.CompletedAt), ptrArg(job.ProcessingTimeMs),
		r.db.timeArg(job.CreatedAt), r.db.timeArg(job.UpdatedAt),
	)
	if err != nil {
		r.log.Error("job insert failed", "job_id", job.ID, "error", err)
		return common.WrapError(err, "insert job")
	}
	r.log.Debug("job inserted", "job_id", job.ID, "type", job.Type)
	return nil
}

func (r *jobRepo) UpdateFields(ctx context.Context, id string, u entity.JobUpdate) error {
	var (
		sets []string
		args []any
	)
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.FileName != nil {
		set("file_name", *u.FileName)
	}
	if u.FileKey != nil {
		set("file_key", *u.FileKey)
	}
	if u.FileSize != nil {
		set("file_size", *u.FileSize)
	}
	if u.MimeType != nil {
		set("mime_type", *u.MimeType)
	}
	if u.LLMProvider != nil {
		set("llm_provider", *u.LLMProvider)
	}
	if u.LLMModel != nil {
		set("llm_model", *u.LLMModel)
	}
	if u.MarkdownResult != nil {
		set("markdown_result", *u.MarkdownResult)
	}
	if u.JSONResult != nil {
		set("json_result", jsonArg(u.JSONResult))
	}
	if u.PageCount != nil {
		set("page_count", int64(*u.PageCount))
	}
	if u.TokenCount != nil {
		set("token_count", int64(*u.TokenCount))
	}
	if u.ErrorCode != nil {
		set("error_code", *u.ErrorCode)
	}
	if u.ErrorMessage != nil {
		set("error_message", *u.ErrorMessage)
	}
	if u.RetryCount != nil {
		set("retry_count", int64(*u.RetryCount))
	}
	if u.StartedAt != nil {
		set("started_at", r.db.timeArg(*u.StartedAt))
	}
	if u.CompletedAt != nil {
		set("completed_at", r.db.timeArg(*u.CompletedAt))
	}
	if u.ProcessingTimeMs != nil {
		set("processing_time_ms", *u.ProcessingTimeMs)
	}
	set("updated_at", r.db.timeArg(r.now()))
	args = append(args, id)

	q := r.db.rebind("UPDATE jobs SET " + strings.Join(sets, ", ") + " WHERE id = ?")
	res, err := r.db.SQL.ExecContext(ctx, q, args...)
	if err != nil {
		r.log.Error("job update failed", "job_id", id, "error", err)
		return common.WrapError(err, "update job")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NewNotFoundError("job not found: " + id)
	}
	return nil
}

func (r *jobRepo) Get(ctx context.Context, id, orgID string) (*entity.Job, error) {
	q := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ? AND organization_id = ?`)
	return r.getOne(ctx, id, q, id, orgID)
}

func (r *jobRepo) GetByID(ctx context.Context, id string) (*entity.Job, error) {
	q := r.db.rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)
	return r.getOne(ctx, id, q, id)
}

func (r *jobRepo) getOne(ctx context.Context, id, q string, args ...any) (*entity.Job, error) {
	job, err := scanJob(r.db.SQL.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.NewNotFoundError("job not found: " + id)
	}
	if err != nil {
		return nil, common.WrapError(err, "get job")
	}
	return job, nil
}

func (r *jobRepo) List(ctx context.Context, orgID string, f ListFilter) ([]entity.Job, int, error) {
	where := []string{"organization_id = ?"}
	args := []any{orgID}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := r.db.SQL.QueryRowContext(ctx, r.db.rebind("SELECT COUNT(*) FROM jobs WHERE "+cond), args...).Scan(&total); err != nil {
		return nil, 0, common.WrapError(err, "count jobs")
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	orderCol := "created_at"
	if f.SortBy == "updatedAt" {
		orderCol = "updated_at"
	}
	dir := "DESC"
	if strings.EqualFold(f.SortOrder, "asc") {
		dir = "ASC"
	}

	q := fmt.Sprintf("SELECT %s FROM jobs WHERE %s ORDER BY %s %s, id %s LIMIT %d OFFSET %d",
		jobColumns, cond, orderCol, dir, dir, limit, offset)
	rows, err := r.db.SQL.QueryContext(ctx, r.db.rebind(q), args...)
	if err != nil {
		return nil, 0, common.WrapError(err, "list jobs")
	}
	defer rows.Close()

	var out []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, 0, common.WrapError(err, "scan job")
		}
		out = append(out, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, common.WrapError(err, "list jobs")
	}
	return out, total, nil
}

func (r *jobRepo) Delete(ctx context.Context, id, orgID string) error {
	res, err := r.db.SQL.ExecContext(ctx, r.db.rebind("DELETE FROM jobs WHERE id = ? AND organization_id = ?"), id, orgID)
	if err != nil {
		return common.WrapError(err, "delete job")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NewNotFoundError("job not found: " + id)
	}
	r.log.Info("job deleted", "job_id", id)
	return nil
}

func (r *jobRepo) CountByStatus(ctx context.Context) (map[constants.JobStatus]int, error) {
	rows, err := r.db.SQL.QueryContext(ctx, "SELECT status, COUNT(*) FROM jobs GROUP BY status")
	if err != nil {
		return nil, common.WrapError(err, "count jobs")
	}
	defer rows.Close()
	out := make(map[constants.JobStatus]int, len(constants.JobStatuses))
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, common.WrapError(err, "count jobs")
		}
		out[constants.JobStatus(status)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*entity.Job, error) {
	var (
		j                                   entity.Job
		typ, status                         string
		fileKey, sourceURL, schemaID, hints sql.NullString
		provider, model, markdown, jsonRes  sql.NullString
		errCode, errMsg                     sql.NullString
		pageCount, tokenCount, procMs       sql.NullInt64
		startedAt, completedAt              nullTime
		createdAt, updatedAt                nullTime
	)
	err := row.Scan(
		&j.ID, &j.OrganizationID, &j.UserID, &typ, &status, &j.FileName, &fileKey, &j.FileSize, &j.MimeType,
		&sourceURL, &schemaID, &hints, &provider, &model, &markdown, &jsonRes, &pageCount,
		&tokenCount, &errCode, &errMsg, &j.RetryCount, &startedAt, &completedAt, &procMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Type = constants.JobType(typ)
	j.Status = constants.JobStatus(status)
	j.FileKey = nullString(fileKey)
	j.SourceURL = nullString(sourceURL)
	j.SchemaID = nullString(schemaID)
	j.Hints = nullString(hints)
	j.LLMProvider = nullString(provider)
	j.LLMModel = nullString(model)
	j.MarkdownResult = nullString(markdown)
	if jsonRes.Valid && jsonRes.String != "" {
		j.JSONResult = json.RawMessage(jsonRes.String)
	}
	j.PageCount = nullInt(pageCount)
	j.TokenCount = nullInt(tokenCount)
	j.ErrorCode = nullString(errCode)
	j.ErrorMessage = nullString(errMsg)
	if procMs.Valid {
		j.ProcessingTimeMs = entity.Ptr(procMs.Int64)
	}
	j.StartedAt = startedAt.ptr()
	j.CompletedAt = completedAt.ptr()
	j.CreatedAt = createdAt.Time
	j.UpdatedAt = updatedAt.Time
	return &j, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	return entity.Ptr(ns.String)
}

func nullInt(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	return entity.Ptr(int(ni.Int64))
}

// jsonArg passes raw JSON as text so both jsonb and TEXT columns accept it.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func intArg(p *int) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}
