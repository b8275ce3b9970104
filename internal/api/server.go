package api

import (
	"context"
	"encoding/json"
	"errors"
	"html/template"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/queue"
	"github.com/dunamismax/canvasfit/internal/session"
	"github.com/dunamismax/canvasfit/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxUploadBytes = 64 << 20
	defaultPresignTTL     = 15 * time.Minute
)

type Server struct {
	logger                *log.Logger
	packager              *pipeline.Packager
	sessions              session.Store
	queueClient           queueEnqueuer
	jobStore              store.JobStore
	storage               objectStorage
	stagingDir            string
	maxUploadBytes        int64
	presignTTL            time.Duration
	rateLimiter           RateLimiter
	rateLimitUserIDHeader string
	metrics               *metrics
	tracer                trace.Tracer
	page                  *template.Template
	mux                   *http.ServeMux
}

type queueEnqueuer interface {
	EnqueueConvert(ctx context.Context, payload queue.ConvertArchivePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	DownloadURL(ctx context.Context, objectKey, downloadName string, expiry time.Duration) (string, error)
}

// Options wires the optional collaborators. Packager, Sessions and JobStore
// are required; a nil QueueClient disables the job API and a nil Storage
// stages job uploads under StagingDir.
type Options struct {
	Packager              *pipeline.Packager
	Sessions              session.Store
	QueueClient           queueEnqueuer
	JobStore              store.JobStore
	Storage               objectStorage
	StagingDir            string
	MaxUploadBytes        int64
	PresignTTL            time.Duration
	RateLimiter           RateLimiter
	RateLimitUserIDHeader string
}

func NewServer(logger *log.Logger, opts Options) (*Server, error) {
	if opts.Packager == nil {
		return nil, errors.New("packager is required")
	}
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.JobStore == nil {
		return nil, errors.New("job store is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = defaultPresignTTL
	}
	if strings.TrimSpace(opts.RateLimitUserIDHeader) == "" {
		opts.RateLimitUserIDHeader = "X-User-ID"
	}

	page, err := parsePage()
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:                logger,
		packager:              opts.Packager,
		sessions:              opts.Sessions,
		queueClient:           opts.QueueClient,
		jobStore:              opts.JobStore,
		storage:               opts.Storage,
		stagingDir:            opts.StagingDir,
		maxUploadBytes:        opts.MaxUploadBytes,
		presignTTL:            opts.PresignTTL,
		rateLimiter:           opts.RateLimiter,
		rateLimitUserIDHeader: opts.RateLimitUserIDHeader,
		metrics:               newMetrics(),
		tracer:                otel.Tracer("canvasfit/api"),
		page:                  page,
		mux:                   http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("POST /convert", s.handleConvert)

	s.mux.HandleFunc("GET /session/archives", s.handleListArchives)
	s.mux.HandleFunc("GET /session/archives/{key}", s.handleDownloadArchive)
	s.mux.HandleFunc("DELETE /session/archives", s.handleClearArchives)
	s.mux.HandleFunc("POST /session/clear", s.handleClearArchives)

	s.mux.HandleFunc("GET /v1/profiles", s.handleProfiles)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/archive", s.handleJobArchive)

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profiles": domain.Profiles()})
}

// statusFor maps conversion errors onto HTTP statuses.
func statusFor(err error) int {
	var (
		decodeErr *domain.DecodeError
		maxErr    *http.MaxBytesError
	)
	switch {
	case errors.As(err, &decodeErr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrUnknownProfile),
		errors.Is(err, domain.ErrEmptyBatch),
		errors.Is(err, domain.ErrSlotCount),
		errors.Is(err, ErrUnsupportedExtension),
		errors.Is(err, errBadUpload):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Printf("request failed method=%s path=%s err=%v", r.Method, r.URL.Path, err)
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
