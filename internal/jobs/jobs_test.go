package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docparse/constants"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/events"
	"github.com/joseph-ayodele/docparse/internal/queue"
	"github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/storage"
)

var testIdentity = entity.Identity{OrganizationID: "org_1", UserID: "user_1"}

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) handle(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) events() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.evs...)
}

type fixture struct {
	db      *repository.DB
	jobs    repository.JobRepository
	schemas repository.SchemaRepository
	broker  *events.Memory
	queue   *queue.Memory
	store   storage.Storage
	updater *Updater
	svc     *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: ":memory:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { repository.Close(db, nil) })
	require.NoError(t, db.Migrate(ctx))

	store, err := storage.NewLocal(t.TempDir(), nil)
	require.NoError(t, err)

	f := &fixture{
		db:      db,
		jobs:    repository.NewJobRepository(db, nil),
		schemas: repository.NewSchemaRepository(db, nil),
		broker:  events.NewMemory(nil),
		queue:   queue.NewMemory(nil),
		store:   store,
	}
	t.Cleanup(func() { _ = f.queue.Close() })
	f.updater = NewUpdater(f.jobs, f.broker, nil)
	f.svc = NewService(f.jobs, f.schemas, f.store, f.queue, f.updater, nil, WithMaxUploadBytes(1024))
	return f
}

func (f *fixture) insert(t *testing.T, typ constants.JobType, status constants.JobStatus) *entity.Job {
	t.Helper()
	job := &entity.Job{
		ID:             constants.NewJobID(),
		OrganizationID: testIdentity.OrganizationID,
		UserID:         testIdentity.UserID,
		Type:           typ,
		Status:         status,
		FileName:       "doc.pdf",
		MimeType:       "application/pdf",
	}
	require.NoError(t, f.jobs.Insert(context.Background(), job))
	return job
}

func (f *fixture) subscribe(t *testing.T, jobID string) *recorder {
	t.Helper()
	r := &recorder{}
	_, err := f.broker.Subscribe(jobID, r.handle)
	require.NoError(t, err)
	return r
}

func (f *fixture) schema(t *testing.T, org string) string {
	t.Helper()
	s := &entity.ExtractionSchema{
		OrganizationID: org,
		Name:           "invoice",
		JSONSchema:     json.RawMessage(`{"type":"object","properties":{"total":{"type":"number"}}}`),
	}
	require.NoError(t, f.schemas.Create(context.Background(), s))
	return s.ID
}

func TestUpdateStatusPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.insert(t, constants.JobTypeParse, constants.JobStatusPending)
	rec := f.subscribe(t, job.ID)

	started := time.Now().UTC()
	require.NoError(t, f.updater.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, entity.JobUpdate{StartedAt: &started}))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
	require.NotNil(t, got.StartedAt)

	evs := rec.events()
	require.Len(t, evs, 1)
	assert.Equal(t, events.TypeStatus, evs[0].Type)
	assert.Equal(t, constants.JobStatusProcessing, evs[0].Data.Status)
}

func TestUpdateStatusRejectsInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parse := f.insert(t, constants.JobTypeParse, constants.JobStatusProcessing)
	err := f.updater.UpdateStatus(ctx, parse.ID, constants.JobStatusExtracting, entity.JobUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	done := f.insert(t, constants.JobTypeParse, constants.JobStatusCompleted)
	rec := f.subscribe(t, done.ID)
	err = f.updater.UpdateStatus(ctx, done.ID, constants.JobStatusProcessing, entity.JobUpdate{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, common.CodeTransition, common.ErrorCode(err))
	assert.Empty(t, rec.events())

	err = f.updater.UpdateStatus(ctx, "job_missing", constants.JobStatusProcessing, entity.JobUpdate{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestStartAttemptAcceptsAnyUnfinishedStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, from := range []constants.JobStatus{
		constants.JobStatusPending,
		constants.JobStatusProcessing,
		constants.JobStatusExtracting,
		constants.JobStatusFailed,
	} {
		t.Run(string(from), func(t *testing.T) {
			job := f.insert(t, constants.JobTypeExtract, from)
			rec := f.subscribe(t, job.ID)

			started := time.Now().UTC()
			require.NoError(t, f.updater.StartAttempt(ctx, job.ID, started))

			got, err := f.jobs.GetByID(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, constants.JobStatusProcessing, got.Status)
			require.NotNil(t, got.StartedAt)
			evs := rec.events()
			require.Len(t, evs, 1)
			assert.Equal(t, constants.JobStatusProcessing, evs[0].Data.Status)
		})
	}

	done := f.insert(t, constants.JobTypeParse, constants.JobStatusCompleted)
	err := f.updater.StartAttempt(ctx, done.ID, time.Now())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	err = f.updater.StartAttempt(ctx, "job_missing", time.Now())
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCompleteJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.insert(t, constants.JobTypeExtract, constants.JobStatusPending)
	rec := f.subscribe(t, job.ID)

	started := time.Now().Add(-2 * time.Second).UTC()
	require.NoError(t, f.updater.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, entity.JobUpdate{StartedAt: &started}))
	require.NoError(t, f.updater.UpdateStatus(ctx, job.ID, constants.JobStatusExtracting, entity.JobUpdate{}))

	res := CompleteResult{
		MarkdownResult: "# Invoice",
		JSONResult:     json.RawMessage(`{"total":10}`),
		PageCount:      entity.Ptr(1),
		TokenCount:     entity.Ptr(150),
		LLMModel:       entity.Ptr("gpt-test"),
	}
	require.NoError(t, f.updater.CompleteJob(ctx, job.ID, res))
	// second completion is a no-op
	require.NoError(t, f.updater.CompleteJob(ctx, job.ID, res))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCompleted, got.Status)
	assert.Equal(t, "# Invoice", entity.StringValue(got.MarkdownResult))
	assert.JSONEq(t, `{"total":10}`, string(got.JSONResult))
	assert.Equal(t, 150, *got.TokenCount)
	assert.Equal(t, "gpt-test", entity.StringValue(got.LLMModel))
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.ProcessingTimeMs)
	assert.GreaterOrEqual(t, *got.ProcessingTimeMs, int64(2000))

	evs := rec.events()
	require.Len(t, evs, 3)
	last := evs[2]
	assert.Equal(t, events.TypeCompleted, last.Type)
	assert.Equal(t, constants.JobStatusCompleted, last.Data.Status)
	assert.Equal(t, "# Invoice", entity.StringValue(last.Data.MarkdownResult))
	assert.JSONEq(t, `{"total":10}`, string(last.Data.JSONResult))
	assert.NotNil(t, last.Data.ProcessingTimeMs)
}

func TestFailJobPublishesOnlyWhenFinal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.insert(t, constants.JobTypeParse, constants.JobStatusProcessing)
	rec := f.subscribe(t, job.ID)

	require.NoError(t, f.updater.FailJob(ctx, job.ID, common.CodeOCR, "ocr down", true))
	assert.Empty(t, rec.events())

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, common.CodeOCR, entity.StringValue(got.ErrorCode))

	require.NoError(t, f.updater.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, entity.JobUpdate{}))
	require.NoError(t, f.updater.FailJob(ctx, job.ID, common.CodeOCR, "ocr still down", false))

	got, err = f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "ocr still down", entity.StringValue(got.ErrorMessage))

	evs := rec.events()
	require.Len(t, evs, 2)
	assert.Equal(t, events.TypeStatus, evs[0].Type)
	assert.Equal(t, events.TypeError, evs[1].Type)
	assert.Equal(t, constants.JobStatusFailed, evs[1].Data.Status)
	assert.Equal(t, "ocr still down", evs[1].Data.Error)
}

type brokenBroker struct{ events.Broker }

func (brokenBroker) Publish(context.Context, string, events.Event) error {
	return errors.New("broker down")
}

func TestPublishFailureDoesNotFailUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.insert(t, constants.JobTypeParse, constants.JobStatusPending)
	u := NewUpdater(f.jobs, brokenBroker{}, nil)

	require.NoError(t, u.UpdateStatus(ctx, job.ID, constants.JobStatusProcessing, entity.JobUpdate{}))
	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusProcessing, got.Status)
}

func TestSubmitFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.SubmitFile(ctx, SubmitFileRequest{
		Identity: testIdentity,
		Type:     constants.JobTypeParse,
		FileName: "scan.png",
		Data:     []byte("png-bytes"),
	})
	require.NoError(t, err)
	assert.True(t, constants.IsJobID(job.ID))
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, "image/png", job.MimeType)
	assert.Nil(t, job.SchemaID)

	key := storage.JobFileKey("org_1", job.ID, "scan.png")
	assert.Equal(t, key, entity.StringValue(job.FileKey))
	data, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), data)

	stored, err := f.jobs.Get(ctx, job.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, key, entity.StringValue(stored.FileKey))
	assert.Equal(t, int64(9), stored.FileSize)

	state, _, ok := f.queue.State(job.ID)
	require.True(t, ok)
	assert.Equal(t, queue.StateWaiting, state)
}

func TestSubmitFileValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	otherSchema := f.schema(t, "org_2")

	cases := []struct {
		name string
		req  SubmitFileRequest
	}{
		{"bad type", SubmitFileRequest{Type: "ocr", FileName: "a.pdf", Data: []byte("x")}},
		{"empty file", SubmitFileRequest{Type: constants.JobTypeParse, FileName: "a.pdf"}},
		{"too large", SubmitFileRequest{Type: constants.JobTypeParse, FileName: "a.pdf", Data: make([]byte, 2048)}},
		{"unsupported mime", SubmitFileRequest{Type: constants.JobTypeParse, FileName: "a.txt", MimeType: "text/plain", Data: []byte("x")}},
		{"extract without schema", SubmitFileRequest{Type: constants.JobTypeExtract, FileName: "a.pdf", Data: []byte("x")}},
		{"schema of another org", SubmitFileRequest{Type: constants.JobTypeExtract, SchemaID: otherSchema, FileName: "a.pdf", Data: []byte("x")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.req.Identity = testIdentity
			job, err := f.svc.SubmitFile(ctx, tc.req)
			assert.Nil(t, job)
			assert.ErrorIs(t, err, common.ErrInvalidInput)
		})
	}

	_, total, err := f.jobs.List(ctx, "org_1", repository.ListFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestSubmitExtractWithSchema(t *testing.T) {
	f := newFixture(t)
	schemaID := f.schema(t, "org_1")

	job, err := f.svc.SubmitFile(context.Background(), SubmitFileRequest{
		Identity: testIdentity,
		Type:     constants.JobTypeExtract,
		SchemaID: schemaID,
		Hints:    " totals in EUR ",
		FileName: "inv.pdf",
		MimeType: "application/pdf",
		Data:     []byte("%PDF"),
	})
	require.NoError(t, err)
	assert.Equal(t, schemaID, entity.StringValue(job.SchemaID))
	assert.Equal(t, "totals in EUR", entity.StringValue(job.Hints))
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, queue.Message) (string, error) {
	return "", errors.New("connection refused")
}

func TestSubmitDispatchFailureKeepsPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.jobs, f.schemas, f.store, failingDispatcher{}, f.updater, nil)

	job, err := svc.SubmitURL(ctx, SubmitURLRequest{Identity: testIdentity, Type: constants.JobTypeParse, URL: "https://example.com/a.pdf"})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrDispatch)
	assert.Equal(t, common.CodeDispatch, common.ErrorCode(err))
	require.NotNil(t, job)

	stored, err := f.jobs.Get(ctx, job.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPending, stored.Status)
}

type failingStore struct{ storage.Storage }

func (failingStore) Put(context.Context, string, []byte, string) error {
	return errors.New("bucket missing")
}

func TestSubmitFileStorageFailureMarksJobFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.jobs, f.schemas, failingStore{}, f.queue, f.updater, nil)

	job, err := svc.SubmitFile(ctx, SubmitFileRequest{Identity: testIdentity, Type: constants.JobTypeParse, FileName: "a.pdf", Data: []byte("x")})
	require.Error(t, err)
	assert.ErrorIs(t, err, common.ErrStorage)
	require.NotNil(t, job)

	stored, err := f.jobs.Get(ctx, job.ID, "org_1")
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusFailed, stored.Status)
	assert.Equal(t, common.CodeStorage, entity.StringValue(stored.ErrorCode))

	_, _, queued := f.queue.State(job.ID)
	assert.False(t, queued)
}

func TestSubmitURL(t *testing.T) {
	f := newFixture(t)
	job, err := f.svc.SubmitURL(context.Background(), SubmitURLRequest{
		Identity: testIdentity,
		Type:     constants.JobTypeParse,
		URL:      "https://files.example.com/reports/q3%20report.pdf?sig=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, "q3 report.pdf", job.FileName)
	assert.Equal(t, constants.DefaultMimeType, job.MimeType)
	assert.Zero(t, job.FileSize)
	assert.Nil(t, job.FileKey)
	assert.True(t, job.NeedsFetch())

	_, err = f.svc.SubmitURL(context.Background(), SubmitURLRequest{Identity: testIdentity, Type: constants.JobTypeParse, URL: "ftp://x/y"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestFileNameFromURL(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	assert.Equal(t, "a.pdf", FileNameFromURL("https://h/x/a.pdf", now))
	assert.Equal(t, "download-1700000000000", FileNameFromURL("https://h/", now))
	assert.Equal(t, "download-1700000000000", FileNameFromURL("https://h", now))
	assert.Equal(t, "download-1700000000000", FileNameFromURL("https://h/..", now))
	assert.Equal(t, "download-1700000000000", FileNameFromURL("https://h/a%2F..", now))
	assert.Equal(t, "download-1700000000000", FileNameFromURL("https://h/a/.", now))
}

func TestDownload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job := f.insert(t, constants.JobTypeExtract, constants.JobStatusProcessing)

	_, err := f.svc.Download(ctx, "org_1", job.ID, FormatMarkdown)
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, f.updater.CompleteJob(ctx, job.ID, CompleteResult{
		MarkdownResult: "# Doc",
		JSONResult:     json.RawMessage(`{"total":3}`),
	}))

	md, err := f.svc.Download(ctx, "org_1", job.ID, FormatMarkdown)
	require.NoError(t, err)
	assert.Equal(t, "doc.md", md.FileName)
	assert.Equal(t, "# Doc", string(md.Data))

	js, err := f.svc.Download(ctx, "org_1", job.ID, FormatJSON)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(js.Data))

	x, err := f.svc.Download(ctx, "org_1", job.ID, FormatXLSX)
	require.NoError(t, err)
	assert.Equal(t, "doc.xlsx", x.FileName)
	assert.NotEmpty(t, x.Data)

	_, err = f.svc.Download(ctx, "org_1", job.ID, "csv")
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	_, err = f.svc.Download(ctx, "org_2", job.ID, FormatJSON)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestDeleteRemovesFileAndRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	job, err := f.svc.SubmitFile(ctx, SubmitFileRequest{Identity: testIdentity, Type: constants.JobTypeParse, FileName: "a.pdf", Data: []byte("x")})
	require.NoError(t, err)

	assert.ErrorIs(t, f.svc.Delete(ctx, "org_2", job.ID), common.ErrNotFound)
	require.NoError(t, f.svc.Delete(ctx, "org_1", job.ID))

	_, err = f.store.Get(ctx, entity.StringValue(job.FileKey))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.jobs.Get(ctx, job.ID, "org_1")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestListRejectsUnknownFilters(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.List(context.Background(), "org_1", repository.ListFilter{Status: "done"})
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}
