package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/config"
	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/queue"
	"github.com/dunamismax/canvasfit/internal/storage"
	"github.com/dunamismax/canvasfit/internal/store"
	"github.com/dunamismax/canvasfit/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	processors    map[string]archiveProcessor
	uploads       uploadCleaner
	webhookClient webhookSender
	jobStore      store.JobStore
	usageStore    store.UsageStore
	metrics       *metrics
	tracer        trace.Tracer
	now           func() time.Time
}

type archiveProcessor interface {
	Process(ctx context.Context, req pipeline.Request) (pipeline.Result, error)
}

type uploadCleaner interface {
	RemovePrefix(ctx context.Context, prefix string) error
}

type webhookSender interface {
	SendJobEvent(ctx context.Context, endpoint string, event webhook.JobEvent) error
}

// NewServer wires the conversion handler. storageClient may be nil, in which
// case only local_file jobs are accepted.
func NewServer(
	logger *log.Logger,
	cfg config.Config,
	storageClient *storage.Client,
	webhookClient *webhook.Client,
	jobStore store.JobStore,
	usageStore store.UsageStore,
) (*Server, error) {
	localProcessor, err := pipeline.NewLocalProcessor(cfg.Worker.LocalOutputDir)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}
	processors := map[string]archiveProcessor{
		domain.SourceTypeLocalFile: localProcessor,
	}

	var uploads uploadCleaner
	if storageClient != nil {
		objectProcessor, err := pipeline.NewProcessor(
			pipeline.ObjectStoreFetcher{Storage: storageClient},
			pipeline.ObjectStoreEmitter{Storage: storageClient, OutputPrefix: cfg.Storage.OutputPrefix},
		)
		if err != nil {
			return nil, fmt.Errorf("initialize object-store processor: %w", err)
		}
		processors[domain.SourceTypeObjectStore] = objectProcessor
		uploads = storageClient
	}

	if usageStore == nil {
		if jobAndUsageStore, ok := jobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	var sender webhookSender
	if webhookClient != nil {
		sender = webhookClient
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			cfg.Queue.RedisClientOpt(),
			asynq.Config{
				Concurrency: cfg.Worker.Concurrency,
				Queues: map[string]int{
					cfg.Queue.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, cfg.Worker.MaxActiveJobs)),
		processors:    processors,
		uploads:       uploads,
		webhookClient: sender,
		jobStore:      jobStore,
		usageStore:    usageStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("canvasfit/worker"),
		now:           time.Now,
	}
	return s, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertArchive, s.handleConvertArchive)
	return s.server.Run(mux)
}

func (s *Server) Shutdown() {
	s.server.Shutdown()
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleConvertArchive(ctx context.Context, task *asynq.Task) error {
	startedAt := s.now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseConvertArchivePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_archive", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.profile", payload.Profile),
		attribute.String("job.source_type", payload.SourceType),
		attribute.Int("job.sources", len(payload.Sources)),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.Profile, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.Profile, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	s.logger.Printf(
		"Working... job_id=%s profile=%s source_type=%s sources=%d",
		payload.JobID,
		payload.Profile,
		payload.SourceType,
		len(payload.Sources),
	)

	s.updateJobStatus(ctx, payload.JobID, domain.JobStatusProcessing)

	processor, ok := s.processors[strings.ToLower(payload.SourceType)]
	if !ok {
		err := fmt.Errorf("%w: %s", pipeline.ErrUnsupportedSourceType, payload.SourceType)
		s.fail(ctx, span, payload, err)
		return fmt.Errorf("select processor: %v: %w", err, asynq.SkipRetry)
	}

	result, err := processor.Process(ctx, pipeline.Request{
		JobID:      payload.JobID,
		Profile:    payload.Profile,
		SourceType: payload.SourceType,
		Sources:    payload.Sources,
	})
	if err != nil {
		if isTerminal(err) || finalAttempt(ctx) {
			s.fail(ctx, span, payload, err)
			if isTerminal(err) {
				return fmt.Errorf("run pipeline: %v: %w", err, asynq.SkipRetry)
			}
			return fmt.Errorf("run pipeline: %w", err)
		}

		span.RecordError(err)
		s.updateJobStatus(ctx, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("run pipeline: %w", err)
	}

	s.logger.Printf("Converted job_id=%s archive=%s images=%d", payload.JobID, result.ArchiveName, result.Images)
	if _, err := s.finish(ctx, payload.JobID, store.Outcome{
		Status:      domain.JobStatusSucceeded,
		ArchiveKey:  result.ArchiveKey,
		ArchiveName: result.ArchiveName,
	}); err != nil {
		span.RecordError(err)
	}
	s.metrics.imagesRenderedTotal.WithLabelValues(payload.Profile).Add(float64(result.Images))
	s.recordUsage(ctx, payload, result, time.Since(startedAt))
	s.cleanupUploads(ctx, payload)

	s.dispatchWebhook(ctx, payload, webhook.JobEvent{
		JobID:       payload.JobID,
		Status:      domain.JobStatusSucceeded,
		Profile:     payload.Profile,
		ArchiveName: result.ArchiveName,
		ArchiveKey:  result.ArchiveKey,
		Entries:     entryNames(result.Entries),
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "converted")
	return nil
}

func (s *Server) fail(ctx context.Context, span trace.Span, payload queue.ConvertArchivePayload, cause error) {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "conversion failed")

	if _, err := s.finish(ctx, payload.JobID, store.Outcome{
		Status: domain.JobStatusFailed,
		Error:  cause.Error(),
	}); err != nil {
		span.RecordError(err)
	}
	s.cleanupUploads(ctx, payload)
	s.dispatchWebhook(ctx, payload, webhook.JobEvent{
		JobID:   payload.JobID,
		Status:  domain.JobStatusFailed,
		Profile: payload.Profile,
		Error:   cause.Error(),
	})
}

// isTerminal reports errors that will not go away on retry: bad input
// images, bad batch shape and unknown profiles or source types.
func isTerminal(err error) bool {
	var decodeErr *domain.DecodeError
	return errors.As(err, &decodeErr) ||
		errors.Is(err, domain.ErrUnknownProfile) ||
		errors.Is(err, domain.ErrEmptyBatch) ||
		errors.Is(err, domain.ErrSlotCount) ||
		errors.Is(err, pipeline.ErrUnsupportedSourceType)
}

func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, status, err)
	}
}

func (s *Server) finish(ctx context.Context, jobID string, outcome store.Outcome) (domain.Job, error) {
	if s.jobStore == nil {
		return domain.Job{}, nil
	}
	job, err := s.jobStore.Finish(ctx, jobID, outcome)
	if err != nil {
		s.logger.Printf("job finish failed job_id=%s status=%s err=%v", jobID, outcome.Status, err)
		return domain.Job{}, err
	}
	return job, nil
}

// dispatchWebhook delivers event when the job asked for one. Delivery
// failures are logged; the archive is already durable and a retry would
// re-render the whole batch.
func (s *Server) dispatchWebhook(ctx context.Context, payload queue.ConvertArchivePayload, event webhook.JobEvent) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	if err := s.webhookClient.SendJobEvent(ctx, payload.WebhookURL, event); err != nil {
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, event.EventName(), err)
	}
}

func (s *Server) cleanupUploads(ctx context.Context, payload queue.ConvertArchivePayload) {
	if s.uploads == nil || !strings.EqualFold(payload.SourceType, domain.SourceTypeObjectStore) {
		return
	}

	prefix := pipeline.UploadPrefix(payload.JobID)
	if err := s.uploads.RemovePrefix(ctx, prefix); err != nil {
		s.logger.Printf("upload cleanup failed job_id=%s prefix=%s err=%v", payload.JobID, prefix, err)
	}
}

func (s *Server) recordUsage(ctx context.Context, payload queue.ConvertArchivePayload, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, payload.JobID)
		if err != nil {
			s.logger.Printf("usage lookup failed job_id=%s err=%v", payload.JobID, err)
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	computeTimeMS := computeDuration.Milliseconds()
	if computeTimeMS < 1 {
		computeTimeMS = 1
	}

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           payload.JobID,
		Profile:         payload.Profile,
		ImagesProcessed: result.Images,
		PixelsRendered:  result.PixelsRendered,
		BytesIn:         int64(result.SourceBytes),
		BytesOut:        int64(result.ArchiveBytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		s.logger.Printf("usage log write failed job_id=%s err=%v", payload.JobID, err)
		return
	}

	s.metrics.pixelsRenderedTotal.Add(float64(result.PixelsRendered))
	s.metrics.archiveBytesTotal.Add(float64(result.ArchiveBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}

func entryNames(entries []domain.Entry) []string {
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names
}
