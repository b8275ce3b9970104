// Package webhook notifies callers when an archive job finishes.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dunamismax/canvasfit/internal/domain"
)

const (
	HeaderSignature = "X-Canvasfit-Signature"
	HeaderTimestamp = "X-Canvasfit-Timestamp"
	HeaderEvent     = "X-Canvasfit-Event"

	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// JobEvent is the body posted when a conversion job reaches a terminal state.
type JobEvent struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Profile     string    `json:"profile"`
	ArchiveName string    `json:"archive_name,omitempty"`
	ArchiveKey  string    `json:"archive_key,omitempty"`
	Entries     []string  `json:"entries,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

func (e JobEvent) EventName() string {
	if e.Status == domain.JobStatusSucceeded {
		return EventJobCompleted
	}
	return EventJobFailed
}

type Config struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	http    *http.Client
	secret  string
	tries   uint
	first   time.Duration
	ceiling time.Duration
	now     func() time.Time
}

func NewClient(cfg Config) *Client {
	c := &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		secret:  cfg.SigningSecret,
		tries:   uint(max(cfg.MaxAttempts, 1)),
		first:   cfg.InitialBackoff,
		ceiling: cfg.MaxBackoff,
		now:     time.Now,
	}
	if c.http.Timeout <= 0 {
		c.http.Timeout = 10 * time.Second
	}
	if c.first <= 0 {
		c.first = time.Second
	}
	c.ceiling = max(c.ceiling, c.first)
	return c
}

func (c *Client) SendJobEvent(ctx context.Context, endpoint string, event JobEvent) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = c.now().UTC()
	}
	return c.Send(ctx, endpoint, event.EventName(), event)
}

// Send posts payload as signed JSON. Transport errors, 5xx, 408 and 429 are
// retried with jittered exponential backoff; other statuses are final. An
// empty endpoint is a no-op.
func (c *Client) Send(ctx context.Context, endpoint, event string, payload any) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	timestamp := strconv.FormatInt(c.now().UTC().Unix(), 10)
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set(HeaderEvent, event)
	header.Set(HeaderTimestamp, timestamp)
	header.Set(HeaderSignature, Sign(c.secret, timestamp, body))

	schedule := backoff.NewExponentialBackOff()
	schedule.InitialInterval = c.first
	schedule.MaxInterval = c.ceiling

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.post(ctx, endpoint, header, body)
	}, backoff.WithBackOff(schedule), backoff.WithMaxTries(c.tries))
	if err != nil {
		return fmt.Errorf("deliver %s to %s: %w", event, endpoint, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, header http.Header, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header = header.Clone()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			return backoff.RetryAfter(secs)
		}
		return fmt.Errorf("webhook returned status=%d", code)
	case code == http.StatusRequestTimeout || code >= 500:
		return fmt.Errorf("webhook returned status=%d", code)
	default:
		return backoff.Permanent(fmt.Errorf("webhook rejected delivery status=%d", code))
	}
}

// Sign returns the signature header value for body sent at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches body, for receivers sharing secret.
func Verify(secret, timestamp string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, timestamp, body)), []byte(signature))
}
