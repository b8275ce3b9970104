package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/dunamismax/canvasfit/internal/storage"
)

const ArchiveContentType = "application/zip"

type ObjectStoreFetcher struct {
	Storage *storage.Client
}

func (f ObjectStoreFetcher) Fetch(ctx context.Context, req Request, src domain.SourceRef) ([]byte, error) {
	if f.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if !strings.EqualFold(req.SourceType, domain.SourceTypeObjectStore) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSourceType, req.SourceType)
	}
	return f.Storage.Get(ctx, src.ObjectKey)
}

type ObjectStoreEmitter struct {
	Storage      *storage.Client
	OutputPrefix string
}

func (e ObjectStoreEmitter) Emit(ctx context.Context, req Request, archive domain.Archive) (string, error) {
	if e.Storage == nil {
		return "", errors.New("storage client is required")
	}

	objectKey := ArchiveObjectKey(e.OutputPrefix, req.JobID, archive)
	if err := e.Storage.Put(ctx, objectKey, archive.Data, ArchiveContentType); err != nil {
		return "", err
	}
	return objectKey, nil
}

// ArchiveObjectKey is where a job's archive lives in the bucket.
func ArchiveObjectKey(prefix, jobID string, archive domain.Archive) string {
	return path.Join(
		defaultOutputPrefix(prefix),
		sanitizePathToken(jobID),
		archiveFilename(archive),
	)
}

// UploadPrefix holds every staged upload of a job.
func UploadPrefix(jobID string) string {
	return path.Join("uploads", sanitizePathToken(jobID)) + "/"
}

// UploadObjectKey is where the index-th staged upload of a job lives.
func UploadObjectKey(jobID string, index int, filename string) string {
	return UploadPrefix(jobID) + fmt.Sprintf("%02d-%s", index, SanitizeFilename(filename))
}

func defaultOutputPrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "outputs"
	}
	return prefix
}

func ContentTypeForFilename(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}
