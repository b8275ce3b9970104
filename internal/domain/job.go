package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"
)

// SourceRef points at one staged upload of a job.
type SourceRef struct {
	Filename  string `json:"filename"`
	ObjectKey string `json:"object_key"`
	Bytes     int    `json:"bytes,omitempty"`
}

type CreateJobRequest struct {
	Profile    string
	SourceType string
	WebhookURL string
	Sources    []SourceRef
}

type Job struct {
	ID          string      `json:"job_id"`
	UserID      string      `json:"user_id,omitempty"`
	Status      string      `json:"status"`
	Profile     string      `json:"profile"`
	SourceType  string      `json:"source_type"`
	WebhookURL  string      `json:"webhook_url,omitempty"`
	Sources     []SourceRef `json:"sources"`
	ArchiveKey  string      `json:"archive_key,omitempty"`
	ArchiveName string      `json:"archive_name,omitempty"`
	Error       string      `json:"error,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type UsageLog struct {
	UserID          string
	JobID           string
	Profile         string
	ImagesProcessed int
	PixelsRendered  int64
	BytesIn         int64
	BytesOut        int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}

func (r CreateJobRequest) Validate() error {
	profile, err := LookupProfile(r.Profile)
	if err != nil {
		return err
	}

	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeObjectStore {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if err := CheckBatchSize(profile, len(r.Sources)); err != nil {
		return err
	}
	for i, src := range r.Sources {
		if strings.TrimSpace(src.Filename) == "" {
			return fmt.Errorf("sources[%d].filename is required", i)
		}
		if strings.TrimSpace(src.ObjectKey) == "" {
			return fmt.Errorf("sources[%d].object_key is required", i)
		}
	}
	return nil
}
