package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/jobs"
)

// FSIngestor reads documents from the local filesystem and submits one job per file.
type FSIngestor struct {
	submitter Submitter
	identity  entity.Identity
	jobType   constants.JobType
	schemaID  string
	hints     string
	logger    *slog.Logger
}

type Option func(*FSIngestor)

// WithExtract submits extract jobs against schemaID instead of parse jobs.
func WithExtract(schemaID string) Option {
	return func(i *FSIngestor) {
		i.jobType = constants.JobTypeExtract
		i.schemaID = schemaID
	}
}

func WithHints(hints string) Option {
	return func(i *FSIngestor) {
		i.hints = hints
	}
}

func NewFSIngestor(s Submitter, id entity.Identity, logger *slog.Logger, opts ...Option) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	i := &FSIngestor{submitter: s, identity: id, jobType: constants.JobTypeParse, logger: logger}
	for _, o := range opts {
		o(i)
	}
	return i
}

func (i *FSIngestor) IngestPath(ctx context.Context, path string) (IngestionResult, error) {
	out := IngestionResult{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		i.logger.Error("ingest.abs_path.failed", "path", path, "error", err)
		return out, err
	}
	out.SourcePath = abs

	ext := constants.NormalizeExt(filepath.Ext(abs))
	if ext == "" || !AllowedExt(ext) {
		i.logger.Warn("ingest.unsupported_extension", "path", abs, "ext", ext)
		return out, fmt.Errorf("unsupported or missing extension: %q", ext)
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		i.logger.Error("ingest.read.failed", "path", abs, "error", err)
		return out, err
	}

	job, err := i.submitter.SubmitFile(ctx, jobs.SubmitFileRequest{
		Identity: i.identity,
		Type:     i.jobType,
		SchemaID: i.schemaID,
		Hints:    i.hints,
		FileName: filepath.Base(abs),
		MimeType: constants.MimeTypeFromExt(ext),
		Data:     data,
	})
	if job != nil {
		out.JobID = job.ID
		out.MimeType = job.MimeType
		out.FileSize = job.FileSize
	}
	if err != nil {
		return out, err
	}
	i.logger.Info("ingest.submitted", "path", abs, "job_id", job.ID, "bytes", len(data))
	return out, nil
}

// IngestDirectory walks root, skips hidden if requested,
// and calls IngestPath for each file. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(
	ctx context.Context,
	root string,
	skipHidden bool,
) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root_path is required")
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, IngestionResult{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			r.Err = err.Error()
			results = append(results, r)
			stats.Failed++
			return nil
		}

		results = append(results, r)
		stats.Submitted++
		return nil
	})

	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}
