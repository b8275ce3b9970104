package worker

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/queue"
	"github.com/dunamismax/canvasfit/internal/store"
	"github.com/dunamismax/canvasfit/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
)

func TestHandleConvertArchiveLocalJob(t *testing.T) {
	tmp := t.TempDir()
	left := writePNG(t, tmp, "left.png", 300, 200)
	right := writePNG(t, tmp, "right.png", 200, 300)

	localProcessor, err := pipeline.NewLocalProcessor(filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	jobStore := seededStore(t, "job-ab", domain.ProfileAB)
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, hooks, map[string]archiveProcessor{
		domain.SourceTypeLocalFile: localProcessor,
	})

	task := mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-ab",
		Profile:    domain.ProfileAB,
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "https://hooks.example/canvasfit",
		Sources: []domain.SourceRef{
			{Filename: "left.png", ObjectKey: left},
			{Filename: "right.png", ObjectKey: right},
		},
	})

	if err := s.handleConvertArchive(context.Background(), task); err != nil {
		t.Fatalf("handle task: %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-ab")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded job, got %s (%s)", job.Status, job.Error)
	}
	if job.ArchiveName != "ab_images.zip" {
		t.Fatalf("expected ab_images.zip, got %s", job.ArchiveName)
	}
	if _, err := os.Stat(job.ArchiveKey); err != nil {
		t.Fatalf("expected archive on disk: %v", err)
	}

	if len(hooks.events) != 1 || hooks.events[0].EventName() != webhook.EventJobCompleted {
		t.Fatalf("expected one completed webhook, got %+v", hooks.events)
	}
	if got := hooks.events[0].Entries; len(got) != 2 || got[0] != "left_A.jpg" || got[1] != "right_B.jpg" {
		t.Fatalf("unexpected webhook entries %v", got)
	}

	logs := jobStore.UsageLogs()
	if len(logs) != 1 || logs[0].ImagesProcessed != 2 || logs[0].PixelsRendered != 2*680*640 {
		t.Fatalf("unexpected usage logs %+v", logs)
	}
}

func TestHandleConvertArchiveDecodeFailureSkipsRetry(t *testing.T) {
	tmp := t.TempDir()
	good := writePNG(t, tmp, "good.png", 40, 40)
	bad := filepath.Join(tmp, "bad.png")
	if err := os.WriteFile(bad, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}

	localProcessor, err := pipeline.NewLocalProcessor(filepath.Join(tmp, "out"))
	if err != nil {
		t.Fatalf("new local processor: %v", err)
	}

	jobStore := seededStore(t, "job-bad", domain.ProfileGrid)
	hooks := &captureWebhook{}
	s := newTestServer(jobStore, hooks, map[string]archiveProcessor{
		domain.SourceTypeLocalFile: localProcessor,
	})

	err = s.handleConvertArchive(context.Background(), mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-bad",
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeLocalFile,
		WebhookURL: "https://hooks.example/canvasfit",
		Sources: []domain.SourceRef{
			{Filename: "good.png", ObjectKey: good},
			{Filename: "bad.png", ObjectKey: bad},
		},
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-bad")
	if job.Status != domain.JobStatusFailed || job.Error == "" {
		t.Fatalf("expected failed job with error, got %+v", job)
	}
	if job.ArchiveKey != "" {
		t.Fatalf("expected no archive for failed job, got %s", job.ArchiveKey)
	}
	if len(hooks.events) != 1 || hooks.events[0].EventName() != webhook.EventJobFailed {
		t.Fatalf("expected one failed webhook, got %+v", hooks.events)
	}
	if len(jobStore.UsageLogs()) != 0 {
		t.Fatal("expected no usage log for failed job")
	}
}

func TestHandleConvertArchiveUnknownSourceType(t *testing.T) {
	jobStore := seededStore(t, "job-s3", domain.ProfileGrid)
	s := newTestServer(jobStore, nil, map[string]archiveProcessor{})

	err := s.handleConvertArchive(context.Background(), mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-s3",
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeObjectStore,
		Sources:    []domain.SourceRef{{Filename: "a.png", ObjectKey: "uploads/job-s3/00-a.png"}},
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-s3")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
}

func TestHandleConvertArchiveCleansObjectStoreUploads(t *testing.T) {
	jobStore := seededStore(t, "job-obj", domain.ProfileGrid)
	cleaner := &captureCleaner{}
	s := newTestServer(jobStore, nil, map[string]archiveProcessor{
		domain.SourceTypeObjectStore: stubProcessor{result: pipeline.Result{
			ArchiveKey:  "outputs/job-obj/grid_images.zip",
			ArchiveName: "grid_images.zip",
			Images:      1,
		}},
	})
	s.uploads = cleaner

	err := s.handleConvertArchive(context.Background(), mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-obj",
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeObjectStore,
		Sources:    []domain.SourceRef{{Filename: "a.png", ObjectKey: "uploads/job-obj/00-a.png"}},
	}))
	if err != nil {
		t.Fatalf("handle task: %v", err)
	}
	if len(cleaner.prefixes) != 1 || cleaner.prefixes[0] != "uploads/job-obj/" {
		t.Fatalf("expected cleanup of uploads/job-obj/, got %v", cleaner.prefixes)
	}
}

func TestHandleConvertArchiveCleansUploadsOnTerminalFailure(t *testing.T) {
	jobStore := seededStore(t, "job-corrupt", domain.ProfileGrid)
	cleaner := &captureCleaner{}
	s := newTestServer(jobStore, nil, map[string]archiveProcessor{
		domain.SourceTypeObjectStore: stubProcessor{err: &domain.DecodeError{
			Filename: "a.png",
			Err:      errors.New("unexpected EOF"),
		}},
	})
	s.uploads = cleaner

	err := s.handleConvertArchive(context.Background(), mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-corrupt",
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeObjectStore,
		Sources:    []domain.SourceRef{{Filename: "a.png", ObjectKey: "uploads/job-corrupt/00-a.png"}},
	}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry, got %v", err)
	}

	job, _, _ := jobStore.Get(context.Background(), "job-corrupt")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed job, got %s", job.Status)
	}
	if len(cleaner.prefixes) != 1 || cleaner.prefixes[0] != "uploads/job-corrupt/" {
		t.Fatalf("expected cleanup of uploads/job-corrupt/, got %v", cleaner.prefixes)
	}
}

func TestHandleConvertArchiveTransientErrorRequeues(t *testing.T) {
	jobStore := seededStore(t, "job-flaky", domain.ProfileGrid)
	s := newTestServer(jobStore, nil, map[string]archiveProcessor{
		domain.SourceTypeLocalFile: stubProcessor{err: errors.New("bucket unavailable")},
	})

	err := s.handleConvertArchive(context.Background(), mustTask(t, queue.ConvertArchivePayload{
		JobID:      "job-flaky",
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeLocalFile,
		Sources:    []domain.SourceRef{{Filename: "a.png", ObjectKey: "a.png"}},
	}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error, got %v", err)
	}

	// Outside an asynq handler there is no retry budget, so the attempt is final.
	job, _, _ := jobStore.Get(context.Background(), "job-flaky")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("expected failed status on final attempt, got %s", job.Status)
	}
}

func TestRecordUsageFallsBackToAnonymous(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     log.New(io.Discard, "", 0),
		usageStore: usageStore,
		metrics:    newMetrics(),
		now:        time.Now,
	}

	s.recordUsage(context.Background(), queue.ConvertArchivePayload{JobID: "job-2", Profile: domain.ProfileInfo}, pipeline.Result{
		Images:         2,
		PixelsRendered: 2 * 680 * 1280,
		SourceBytes:    1_000,
		ArchiveBytes:   4_000,
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %s", usageStore.log.UserID)
	}
	if usageStore.log.BytesIn != 1_000 || usageStore.log.BytesOut != 4_000 {
		t.Fatalf("unexpected byte counts %+v", usageStore.log)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

func newTestServer(jobStore *store.MemoryJobStore, hooks webhookSender, processors map[string]archiveProcessor) *Server {
	return &Server{
		logger:        log.New(io.Discard, "", 0),
		sem:           make(chan struct{}, 1),
		processors:    processors,
		webhookClient: hooks,
		jobStore:      jobStore,
		usageStore:    jobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("canvasfit/worker-test"),
		now:           time.Now,
	}
}

func seededStore(t *testing.T, jobID, profile string) *store.MemoryJobStore {
	t.Helper()

	jobStore := store.NewMemoryJobStore()
	now := time.Now().UTC()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:        jobID,
		UserID:    "user-1",
		Status:    domain.JobStatusQueued,
		Profile:   profile,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}
	return jobStore
}

func mustTask(t *testing.T, payload queue.ConvertArchivePayload) *asynq.Task {
	t.Helper()

	task, err := queue.NewConvertArchiveTask(payload)
	if err != nil {
		t.Fatalf("build task: %v", err)
	}
	return task
}

func writePNG(t *testing.T, dir, name string, w, h int) string {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write png: %v", err)
	}
	return path
}

type stubProcessor struct {
	result pipeline.Result
	err    error
}

func (p stubProcessor) Process(context.Context, pipeline.Request) (pipeline.Result, error) {
	return p.result, p.err
}

type captureWebhook struct {
	events []webhook.JobEvent
}

func (c *captureWebhook) SendJobEvent(_ context.Context, _ string, event webhook.JobEvent) error {
	c.events = append(c.events, event)
	return nil
}

type captureCleaner struct {
	prefixes []string
}

func (c *captureCleaner) RemovePrefix(_ context.Context, prefix string) error {
	c.prefixes = append(c.prefixes, prefix)
	return nil
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}
