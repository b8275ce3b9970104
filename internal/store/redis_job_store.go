package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/redis/go-redis/v9"
)

const (
	defaultJobKeyPrefix = "canvasfit:job"
	defaultJobTTL       = 7 * 24 * time.Hour
	maxUsageLogs        = 10000
	maxWatchAttempts    = 5
)

// RedisJobStore keeps job records as JSON strings in Redis. It is the shared
// store for deployments without Postgres, so the API and worker processes
// see the same job state.
type RedisJobStore struct {
	client    redis.UniversalClient
	ttl       time.Duration
	keyPrefix string
	now       func() time.Time
}

func NewRedisJobStore(client redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisJobStore, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if ttl <= 0 {
		ttl = defaultJobTTL
	}
	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = defaultJobKeyPrefix
	}
	return &RedisJobStore{client: client, ttl: ttl, keyPrefix: keyPrefix, now: time.Now}, nil
}

func (s *RedisJobStore) jobKey(id string) string {
	return s.keyPrefix + ":" + id
}

func (s *RedisJobStore) usageKey() string {
	return s.keyPrefix + ":usage"
}

func (s *RedisJobStore) Create(ctx context.Context, job domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := s.client.Set(ctx, s.jobKey(job.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Job{}, false, nil
	}
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("get job %s: %w", id, err)
	}

	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, false, fmt.Errorf("decode job %s: %w", id, err)
	}
	return job, true, nil
}

func (s *RedisJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.update(ctx, id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *RedisJobStore) Finish(ctx context.Context, id string, outcome Outcome) (domain.Job, error) {
	return s.update(ctx, id, func(job *domain.Job) {
		job.Status = outcome.Status
		job.ArchiveKey = outcome.ArchiveKey
		job.ArchiveName = outcome.ArchiveName
		job.Error = outcome.Error
	})
}

// update applies change under WATCH so concurrent writers to one job retry
// instead of overwriting each other.
func (s *RedisJobStore) update(ctx context.Context, id string, change func(*domain.Job)) (domain.Job, error) {
	key := s.jobKey(id)
	var updated domain.Job

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrJobNotFound
		}
		if err != nil {
			return err
		}

		var job domain.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		change(&job)
		job.UpdatedAt = s.now().UTC()

		encoded, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for range maxWatchAttempts {
		err := s.client.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return updated, nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrJobNotFound):
			return domain.Job{}, err
		default:
			return domain.Job{}, fmt.Errorf("update job %s: %w", id, err)
		}
	}
	return domain.Job{}, fmt.Errorf("update job %s: too much contention", id)
}

// CreateUsageLog appends to a capped list; billing reads it from Postgres in
// full deployments.
func (s *RedisJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	data, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode usage for job %s: %w", usage.JobID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, s.usageKey(), data)
		pipe.LTrim(ctx, s.usageKey(), 0, maxUsageLogs-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record usage for job %s: %w", usage.JobID, err)
	}
	return nil
}

// UsageLogs returns recorded usage, newest first.
func (s *RedisJobStore) UsageLogs(ctx context.Context) ([]domain.UsageLog, error) {
	rows, err := s.client.LRange(ctx, s.usageKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	logs := make([]domain.UsageLog, 0, len(rows))
	for _, row := range rows {
		var usage domain.UsageLog
		if err := json.Unmarshal([]byte(row), &usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
		logs = append(logs, usage)
	}
	return logs, nil
}
