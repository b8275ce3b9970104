package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// Delivery policy for convert tasks. Terminal failures skip the remaining
// retries from the worker side.
const (
	MaxRetry    = 5
	TaskTimeout = 3 * time.Minute
	Retention   = 24 * time.Hour
)

// ErrDuplicateJob reports a second enqueue for a job that is still known to
// the queue.
var ErrDuplicateJob = errors.New("job already enqueued")

// Client enqueues archive conversions onto a single named queue.
type Client struct {
	asynq *asynq.Client
	queue string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{asynq: asynq.NewClient(redisOpt), queue: queueName}
}

// EnqueueConvert schedules one conversion. The job id doubles as the task id
// so a retried HTTP request cannot render the same batch twice.
func (c *Client) EnqueueConvert(ctx context.Context, payload ConvertArchivePayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertArchiveTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.asynq.EnqueueContext(ctx, task,
		asynq.TaskID(payload.JobID),
		asynq.Queue(c.queue),
		asynq.MaxRetry(MaxRetry),
		asynq.Timeout(TaskTimeout),
		asynq.Retention(Retention),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, payload.JobID)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", TypeConvertArchive, err)
	}
	return info, nil
}

func (c *Client) Close() error {
	return c.asynq.Close()
}
