package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/canvasfit/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeConvertArchive = "archive:convert"

type ConvertArchivePayload struct {
	JobID       string             `json:"job_id"`
	Profile     string             `json:"profile"`
	SourceType  string             `json:"source_type"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
	Sources     []domain.SourceRef `json:"sources"`
	RequestedAt time.Time          `json:"requested_at"`
}

func NewConvertArchiveTask(payload ConvertArchivePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertArchive, body), nil
}

func ParseConvertArchivePayload(task *asynq.Task) (ConvertArchivePayload, error) {
	var payload ConvertArchivePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertArchivePayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	return payload, nil
}
