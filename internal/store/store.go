package store

import (
	"context"
	"encoding/json"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Store defines the persistence layer contract for tasks and dead letters.
// All operations are idempotent per task ID and tolerate being called again
// after a process restart. Implementations must be safe for concurrent use.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	MarkRunning(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string, phase schema.Phase, result json.RawMessage) error
	MarkFailed(ctx context.Context, id string, phase schema.Phase, errMsg string) error

	// Dead letters
	AddDeadLetter(ctx context.Context, entry *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
