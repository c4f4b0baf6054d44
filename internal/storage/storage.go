package storage

import (
	"context"
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned when a key has no object.
var ErrNotFound = errors.New("object not found")

// Storage is the blob store holding uploaded and fetched documents.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, mimeType string) error
	Delete(ctx context.Context, key string) error
}

// JobFileKey is the deterministic object key of a job's source file: {org}/jobs/{jobId}/{filename}.
func JobFileKey(orgID, jobID, fileName string) string {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == "" || name == ".." {
		name = "file"
	}
	return orgID + "/jobs/" + jobID + "/" + name
}
