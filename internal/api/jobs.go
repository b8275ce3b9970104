package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/id"
	"github.com/dunamismax/canvasfit/internal/pipeline"
	"github.com/dunamismax/canvasfit/internal/queue"
)

// handleCreateJob stages the uploaded batch, records the job and queues it
// for the worker.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "job queue is unavailable"})
		return
	}

	profile, sources, err := s.readUploads(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	jobID := id.New()
	sourceType, refs, err := s.stageSources(r.Context(), jobID, sources)
	if err != nil {
		s.logger.Printf("stage sources failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to stage uploads"})
		return
	}

	req := domain.CreateJobRequest{
		Profile:    profile.Name,
		SourceType: sourceType,
		WebhookURL: strings.TrimSpace(r.FormValue("webhook_url")),
		Sources:    refs,
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader)),
		Status:     domain.JobStatusCreated,
		Profile:    profile.Name,
		SourceType: sourceType,
		WebhookURL: req.WebhookURL,
		Sources:    refs,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueConvert(r.Context(), queue.ConvertArchivePayload{
		JobID:       job.ID,
		Profile:     job.Profile,
		SourceType:  job.SourceType,
		WebhookURL:  job.WebhookURL,
		Sources:     job.Sources,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("update status failed job_id=%s err=%v", job.ID, err)
	}

	s.logger.Printf("queued job_id=%s profile=%s sources=%d source_type=%s", job.ID, job.Profile, len(refs), sourceType)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      domain.JobStatusQueued,
		"profile":     job.Profile,
		"sources":     refs,
		"queue":       taskInfo.Queue,
		"task_id":     taskInfo.ID,
		"status_url":  "/v1/jobs/" + job.ID,
		"archive_url": "/v1/jobs/" + job.ID + "/archive",
	})
}

// stageSources writes every upload where the worker can read it: the bucket
// when object storage is configured, the shared staging directory otherwise.
func (s *Server) stageSources(ctx context.Context, jobID string, sources []domain.Source) (string, []domain.SourceRef, error) {
	refs := make([]domain.SourceRef, 0, len(sources))

	if s.storage != nil {
		for i, src := range sources {
			key := pipeline.UploadObjectKey(jobID, i, src.Filename)
			if err := s.storage.Put(ctx, key, src.Data, pipeline.ContentTypeForFilename(src.Filename)); err != nil {
				return "", nil, err
			}
			refs = append(refs, domain.SourceRef{Filename: src.Filename, ObjectKey: key, Bytes: len(src.Data)})
		}
		return domain.SourceTypeObjectStore, refs, nil
	}

	if strings.TrimSpace(s.stagingDir) == "" {
		return "", nil, errors.New("staging directory is not configured")
	}
	dir := filepath.Join(s.stagingDir, pipeline.SanitizeFilename(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create staging dir: %w", err)
	}
	for i, src := range sources {
		path := filepath.Join(dir, fmt.Sprintf("%02d-%s", i, pipeline.SanitizeFilename(src.Filename)))
		if err := os.WriteFile(path, src.Data, 0o644); err != nil {
			return "", nil, fmt.Errorf("write staged upload: %w", err)
		}
		refs = append(refs, domain.SourceRef{Filename: src.Filename, ObjectKey: path, Bytes: len(src.Data)})
	}
	return domain.SourceTypeLocalFile, refs, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}

	body := map[string]any{"job": job}
	if job.Status == domain.JobStatusSucceeded {
		body["archive_url"] = "/v1/jobs/" + job.ID + "/archive"
	}
	writeJSON(w, http.StatusOK, body)
}

// handleJobArchive redirects to a presigned bucket URL for object-store jobs
// and streams the file for jobs written to the shared output directory.
func (s *Server) handleJobArchive(w http.ResponseWriter, r *http.Request) {
	job, ok := s.loadJob(w, r)
	if !ok {
		return
	}
	if job.Status != domain.JobStatusSucceeded || job.ArchiveKey == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "archive is not ready", "status": job.Status})
		return
	}

	if job.SourceType == domain.SourceTypeObjectStore {
		if s.storage == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "object storage is unavailable"})
			return
		}
		url, err := s.storage.DownloadURL(r.Context(), job.ArchiveKey, job.ArchiveName, s.presignTTL)
		if err != nil {
			s.logger.Printf("presign archive failed job_id=%s err=%v", job.ID, err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to sign archive URL"})
			return
		}
		http.Redirect(w, r, url, http.StatusFound)
		return
	}

	f, err := os.Open(job.ArchiveKey)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "archive file is missing"})
			return
		}
		s.writeError(w, r, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", pipeline.ArchiveContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", job.ArchiveName))
	http.ServeContent(w, r, job.ArchiveName, info.ModTime(), f)
}

func (s *Server) loadJob(w http.ResponseWriter, r *http.Request) (domain.Job, bool) {
	jobID := r.PathValue("id")
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return domain.Job{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return domain.Job{}, false
	}
	return job, true
}
