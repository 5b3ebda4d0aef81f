package models

import (
	"time"
)

// Job statuses persisted in Postgres. Completed and failed are terminal.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusRetrying   = "retrying"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job types dispatched by the processor.
const (
	JobTypeGenerate = "generate_pitch"
	JobTypeExport   = "export_pitch"
)

// Priorities are small integers; lower runs first. Generation is
// latency-sensitive, export is best-effort.
const (
	PriorityHigh = 0
	PriorityLow  = 10
)

// Job represents a unit of asynchronous work persisted in Postgres.
type Job struct {
	ID           string         `json:"id"`
	RecordID     string         `json:"record_id,omitempty"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	Priority     int            `json:"priority"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ScheduledAt  time.Time      `json:"scheduled_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the job can never be mutated again.
func (j Job) Terminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}
