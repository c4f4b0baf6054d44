package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/jobs"
)

type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []jobs.SubmitFileRequest
	fail map[string]bool
}

func (f *fakeSubmitter) SubmitFile(_ context.Context, req jobs.SubmitFileRequest) (*entity.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.fail[req.FileName] {
		return nil, common.NewValidationError("rejected")
	}
	return &entity.Job{ID: constants.NewJobID(), FileName: req.FileName, MimeType: req.MimeType, FileSize: int64(len(req.Data))}, nil
}

func (f *fakeSubmitter) names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.reqs {
		out = append(out, r.FileName)
	}
	sort.Strings(out)
	return out
}

func writeFile(t *testing.T, path string, data string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))
}

func TestAllowedExtAndHidden(t *testing.T) {
	assert.True(t, AllowedExt(".PDF"))
	assert.True(t, AllowedExt("jpeg"))
	assert.False(t, AllowedExt(".txt"))
	assert.False(t, AllowedExt(""))

	assert.True(t, IsHidden("/a/.git"))
	assert.False(t, IsHidden("."))
	assert.False(t, IsHidden("/a/b.pdf"))
}

func TestIngestDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "invoice.pdf"), "%PDF")
	writeFile(t, filepath.Join(root, "scan.PNG"), "png")
	writeFile(t, filepath.Join(root, "notes.txt"), "skip")
	writeFile(t, filepath.Join(root, ".hidden.pdf"), "skip")
	writeFile(t, filepath.Join(root, ".cache", "inner.pdf"), "skip")
	writeFile(t, filepath.Join(root, "sub", "receipt.jpg"), "jpg")
	writeFile(t, filepath.Join(root, "sub", "broken.pdf"), "%PDF")

	sub := &fakeSubmitter{fail: map[string]bool{"broken.pdf": true}}
	ing := NewFSIngestor(sub, entity.Identity{OrganizationID: "org_1", UserID: "user_1"}, nil, WithHints("batch"))

	results, stats, err := ing.IngestDirectory(context.Background(), root, true)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), stats.Matched)
	assert.Equal(t, uint32(3), stats.Submitted)
	assert.Equal(t, uint32(1), stats.Failed)
	assert.Len(t, results, 4)
	assert.Equal(t, []string{"broken.pdf", "invoice.pdf", "receipt.jpg", "scan.PNG"}, sub.names())

	for _, r := range sub.reqs {
		assert.Equal(t, constants.JobTypeParse, r.Type)
		assert.Equal(t, "batch", r.Hints)
		assert.Equal(t, "org_1", r.Identity.OrganizationID)
	}
	for _, r := range results {
		if filepath.Base(r.SourcePath) == "broken.pdf" {
			assert.NotEmpty(t, r.Err)
			assert.Empty(t, r.JobID)
		} else {
			assert.Empty(t, r.Err)
			assert.NotEmpty(t, r.JobID)
		}
	}
}

func TestIngestPathExtract(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "bill.jpeg")
	writeFile(t, path, "data")

	sub := &fakeSubmitter{}
	ing := NewFSIngestor(sub, entity.Identity{OrganizationID: "org_1", UserID: "user_1"}, nil, WithExtract("sch_1"))
	res, err := ing.IngestPath(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", res.MimeType)
	assert.Equal(t, int64(4), res.FileSize)
	require.Len(t, sub.reqs, 1)
	assert.Equal(t, constants.JobTypeExtract, sub.reqs[0].Type)
	assert.Equal(t, "sch_1", sub.reqs[0].SchemaID)

	_, err = ing.IngestPath(context.Background(), filepath.Join(root, "readme.md"))
	assert.Error(t, err)
}

func TestIngestDirectoryRequiresRoot(t *testing.T) {
	ing := NewFSIngestor(&fakeSubmitter{}, entity.Identity{}, nil)
	_, _, err := ing.IngestDirectory(context.Background(), " ", true)
	assert.Error(t, err)
}

func TestWatcherEmitsExistingAndNewFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "old.pdf"), "%PDF")
	writeFile(t, filepath.Join(root, "ignore.txt"), "x")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evs, _, err := StartWatcher(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)

	next := func() string {
		select {
		case p := <-evs:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no watcher event")
			return ""
		}
	}
	assert.Equal(t, "old.pdf", filepath.Base(next()))

	writeFile(t, filepath.Join(root, "new.png"), "png")
	assert.Equal(t, "new.png", filepath.Base(next()))

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-evs
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherRequiresRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{})
	assert.True(t, err != nil && !errors.Is(err, context.Canceled))
}
