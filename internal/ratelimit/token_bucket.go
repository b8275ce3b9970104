package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "canvasfit:ratelimit"

var errInvalidReply = errors.New("unexpected limiter reply")

// Decision is the outcome of one limiter check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// gcraScript keeps one "theoretical arrival time" per subject. A request
// costing n tokens pushes it forward by n emission intervals and is refused
// when that would put it more than one full window ahead of now.
//
// KEYS[1] bucket key
// ARGV[1] emission interval in ms, ARGV[2] window in ms
// ARGV[3] now in ms, ARGV[4] cost
var gcraScript = redis.NewScript(`
local interval = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local tat = tonumber(redis.call("GET", KEYS[1]) or now)
if tat < now then
  tat = now
end

local next_tat = tat + interval * cost
local allow_at = next_tat - window
if allow_at > now then
  return {0, math.floor((window - (tat - now)) / interval), math.ceil(allow_at - now)}
end

redis.call("SET", KEYS[1], next_tat, "PX", math.ceil(next_tat - now))
return {1, math.floor((window - (next_tat - now)) / interval), 0}
`)

// RedisTokenBucket admits capacity units of work per window for each subject.
// State lives in Redis so every API replica sees the same budget.
type RedisTokenBucket struct {
	client     redis.UniversalClient
	capacity   int64
	window     time.Duration
	intervalMS float64
	keyPrefix  string
	now        func() time.Time
}

func NewRedisTokenBucket(client redis.UniversalClient, capacity int, window time.Duration, keyPrefix string) (*RedisTokenBucket, error) {
	switch {
	case client == nil:
		return nil, errors.New("redis client is required")
	case capacity <= 0:
		return nil, errors.New("capacity must be positive")
	case window <= 0:
		return nil, errors.New("window must be positive")
	}

	keyPrefix = strings.TrimSpace(keyPrefix)
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	window = max(window, time.Millisecond)

	return &RedisTokenBucket{
		client:     client,
		capacity:   int64(capacity),
		window:     window,
		intervalMS: float64(window.Milliseconds()) / float64(capacity),
		keyPrefix:  keyPrefix,
		now:        time.Now,
	}, nil
}

// Allow spends a single unit for subject.
func (l *RedisTokenBucket) Allow(ctx context.Context, subject string) (Decision, error) {
	return l.AllowN(ctx, subject, 1)
}

// AllowN spends cost units for subject. A cost above the bucket capacity can
// never succeed and is refused without touching Redis.
func (l *RedisTokenBucket) AllowN(ctx context.Context, subject string, cost int) (Decision, error) {
	if cost <= 0 {
		return Decision{Allowed: true, Remaining: l.capacity}, nil
	}
	if int64(cost) > l.capacity {
		return Decision{RetryAfter: l.window}, fmt.Errorf("cost %d exceeds capacity %d", cost, l.capacity)
	}

	reply, err := gcraScript.Run(
		ctx,
		l.client,
		[]string{l.key(subject)},
		l.intervalMS,
		l.window.Milliseconds(),
		l.now().UTC().UnixMilli(),
		cost,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("run limiter script: %w", err)
	}
	if len(reply) != 3 {
		return Decision{}, fmt.Errorf("%w: %d values", errInvalidReply, len(reply))
	}

	return Decision{
		Allowed:    reply[0] == 1,
		Remaining:  max(reply[1], 0),
		RetryAfter: time.Duration(reply[2]) * time.Millisecond,
	}, nil
}

func (l *RedisTokenBucket) key(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "anonymous"
	}
	return l.keyPrefix + ":" + subject
}
