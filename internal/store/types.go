package store

import (
	"encoding/json"
	"time"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Task is the persisted representation of a unit of work.
type Task struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	Target      string            `json:"target,omitempty"`
	Status      schema.TaskStatus `json:"status"`
	Phase       schema.Phase      `json:"phase"`
	Payload     json.RawMessage   `json:"payload,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// DeadLetter is a durable record of a permanently failed task, kept for
// offline inspection and forensic replay.
type DeadLetter struct {
	ID             string          `json:"id"`
	TaskID         string          `json:"task_id"`
	Description    string          `json:"description,omitempty"`
	Target         string          `json:"target,omitempty"`
	FailureReason  string          `json:"failure_reason"`
	RetryCount     int             `json:"retry_count"`
	State          json.RawMessage `json:"state,omitempty"`
	LastErrorPhase schema.Phase    `json:"last_error_phase,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Status *schema.TaskStatus `json:"status,omitempty"`
	Since  *time.Time         `json:"since,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Offset int                `json:"offset,omitempty"`
}
