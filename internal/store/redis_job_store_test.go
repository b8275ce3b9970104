package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisJobStore(t *testing.T, mr *miniredis.Miniredis) *RedisJobStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewRedisJobStore(client, time.Hour, "")
	require.NoError(t, err)
	return s
}

func TestRedisJobStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newRedisJobStore(t, miniredis.RunT(t))

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.Create(ctx, domain.Job{
		ID:         "job-1",
		Status:     domain.JobStatusCreated,
		Profile:    domain.ProfileGrid,
		SourceType: domain.SourceTypeObjectStore,
		Sources:    []domain.SourceRef{{Filename: "a.png", ObjectKey: "uploads/job-1/0-a.png"}},
		CreatedAt:  now,
		UpdatedAt:  now,
	}))

	queued, err := s.UpdateStatus(ctx, "job-1", domain.JobStatusQueued)
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusQueued, queued.Status)

	done, err := s.Finish(ctx, "job-1", Outcome{
		Status:      domain.JobStatusSucceeded,
		ArchiveKey:  "outputs/job-1/grid_images.zip",
		ArchiveName: "grid_images.zip",
	})
	require.NoError(t, err)
	require.Equal(t, domain.JobStatusSucceeded, done.Status)

	got, ok, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "outputs/job-1/grid_images.zip", got.ArchiveKey)
	require.Equal(t, []domain.SourceRef{{Filename: "a.png", ObjectKey: "uploads/job-1/0-a.png"}}, got.Sources)
	require.True(t, got.CreatedAt.Equal(now))
}

func TestRedisJobStoreMissingJob(t *testing.T) {
	ctx := context.Background()
	s := newRedisJobStore(t, miniredis.RunT(t))

	_, ok, err := s.Get(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.UpdateStatus(ctx, "nope", domain.JobStatusQueued)
	require.ErrorIs(t, err, ErrJobNotFound)
	_, err = s.Finish(ctx, "nope", Outcome{Status: domain.JobStatusFailed})
	require.ErrorIs(t, err, ErrJobNotFound)
}

// The API and worker run as separate processes; a job finished through one
// connection must be visible through the other.
func TestRedisJobStoreSharedAcrossProcesses(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	api := newRedisJobStore(t, mr)
	worker := newRedisJobStore(t, mr)

	require.NoError(t, api.Create(ctx, domain.Job{ID: "job-2", Status: domain.JobStatusQueued}))

	_, err := worker.UpdateStatus(ctx, "job-2", domain.JobStatusProcessing)
	require.NoError(t, err)
	_, err = worker.Finish(ctx, "job-2", Outcome{Status: domain.JobStatusFailed, Error: "decode failed"})
	require.NoError(t, err)

	got, ok, err := api.Get(ctx, "job-2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, domain.JobStatusFailed, got.Status)
	require.Equal(t, "decode failed", got.Error)
}

func TestRedisJobStoreExpiresJobs(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	s := newRedisJobStore(t, mr)

	require.NoError(t, s.Create(ctx, domain.Job{ID: "job-3"}))
	mr.FastForward(2 * time.Hour)

	_, ok, err := s.Get(ctx, "job-3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisJobStoreUsageLogs(t *testing.T) {
	ctx := context.Background()
	s := newRedisJobStore(t, miniredis.RunT(t))

	require.NoError(t, s.CreateUsageLog(ctx, domain.UsageLog{JobID: "job-1", ImagesProcessed: 2}))
	require.NoError(t, s.CreateUsageLog(ctx, domain.UsageLog{JobID: "job-2", ImagesProcessed: 3}))

	logs, err := s.UsageLogs(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, "job-2", logs[0].JobID)
	require.Equal(t, 3, logs[0].ImagesProcessed)
}
