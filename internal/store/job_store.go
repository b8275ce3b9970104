package store

import (
	"context"
	"errors"

	"github.com/dunamismax/canvasfit/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	Finish(ctx context.Context, id string, outcome Outcome) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Outcome is the terminal state of a job.
type Outcome struct {
	Status      string
	ArchiveKey  string
	ArchiveName string
	Error       string
}
