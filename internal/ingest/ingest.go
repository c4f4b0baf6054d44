// Package ingest submits local documents as jobs, either by walking a
// directory once or by watching it for new files.
package ingest

import (
	"context"

	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/jobs"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath string
	JobID      string
	MimeType   string
	FileSize   int64
	Err        string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Submitted uint32
	Failed    uint32
}

// Submitter is the part of jobs.Service the ingestor drives.
type Submitter interface {
	SubmitFile(ctx context.Context, req jobs.SubmitFileRequest) (*entity.Job, error)
}
