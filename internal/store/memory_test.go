package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

func TestMemoryStore_CreateAndGetTask(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	task := &Task{Description: "index repository", Target: "repo-a"}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "index repository", got.Description)
	assert.Equal(t, schema.TaskStatusQueued, got.Status)
	assert.Equal(t, schema.PhaseInit, got.Phase)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemoryStore_CreateTaskIdempotentPerID(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "first"}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "second"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Description)
}

func TestMemoryStore_GetTaskNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.GetTask(context.Background(), "missing")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestMemoryStore_ListTasksFilterAndPagination(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []schema.TaskStatus{
		schema.TaskStatusQueued,
		schema.TaskStatusQueued,
		schema.TaskStatusRunning,
		schema.TaskStatusQueued,
	} {
		require.NoError(t, s.CreateTask(ctx, &Task{
			ID:        string(rune('a' + i)),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	queued := schema.TaskStatusQueued
	tasks, err := s.ListTasks(ctx, TaskFilter{Status: &queued})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	// Oldest first.
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "d", tasks[2].ID)

	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &queued, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &queued, Offset: 2})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "d", tasks[0].ID)

	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &queued, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMemoryStore_ListTasksSinceFilter(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := time.Now().UTC().Add(-2 * time.Hour)
	recent := time.Now().UTC().Add(-10 * time.Minute)
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "old", CreatedAt: old}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "recent", CreatedAt: recent}))

	since := time.Now().UTC().Add(-time.Hour)
	tasks, err := s.ListTasks(ctx, TaskFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "recent", tasks[0].ID)
}

func TestMemoryStore_Lifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1"}))

	require.NoError(t, s.MarkRunning(ctx, "t1"))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)

	result := json.RawMessage(`{"current_phase":"complete"}`)
	require.NoError(t, s.MarkCompleted(ctx, "t1", schema.PhaseComplete, result))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.Equal(t, schema.PhaseComplete, got.Phase)
	assert.JSONEq(t, string(result), string(got.Result))
	require.NotNil(t, got.CompletedAt)
}

func TestMemoryStore_MarkFailed(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1"}))
	require.NoError(t, s.MarkFailed(ctx, "t1", schema.PhaseApply, "worker crashed"))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
	assert.Equal(t, schema.PhaseApply, got.Phase)
	assert.Equal(t, "worker crashed", got.Error)

	assert.Error(t, s.MarkFailed(ctx, "missing", schema.PhaseApply, "x"))
}

func TestMemoryStore_DeadLetters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first := &DeadLetter{TaskID: "t1", FailureReason: "exhausted", RetryCount: 3, CreatedAt: time.Now().UTC().Add(-time.Minute)}
	second := &DeadLetter{TaskID: "t2", FailureReason: "stalled", CreatedAt: time.Now().UTC()}
	require.NoError(t, s.AddDeadLetter(ctx, first))
	require.NoError(t, s.AddDeadLetter(ctx, second))
	require.NotEmpty(t, first.ID)

	// Idempotent per id.
	require.NoError(t, s.AddDeadLetter(ctx, &DeadLetter{ID: first.ID, TaskID: "t1"}))

	entries, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Most recent first.
	assert.Equal(t, "t2", entries[0].TaskID)
	assert.Equal(t, "t1", entries[1].TaskID)

	entries, err = s.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TaskID)
}

func TestMemoryStore_DefensiveCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "original"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	got.Description = "mutated"

	again, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "original", again.Description)
}
