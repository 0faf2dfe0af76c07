package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/floraldo/hive-sub004/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLibSQL_CreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &Task{
		Description: "refactor billing module",
		Target:      "billing",
		Payload:     json.RawMessage(`{"branch":"main"}`),
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "refactor billing module", got.Description)
	assert.Equal(t, schema.TaskStatusQueued, got.Status)
	assert.Equal(t, schema.PhaseInit, got.Phase)
	assert.JSONEq(t, `{"branch":"main"}`, string(got.Payload))
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestLibSQL_CreateTaskIdempotentPerID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "first"}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "second"}))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "first", got.Description)
}

func TestLibSQL_GetTaskNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetTask(context.Background(), "missing")
	require.Error(t, err)
	var engErr *schema.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
}

func TestLibSQL_ListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "a", CreatedAt: base}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "b", CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, s.CreateTask(ctx, &Task{ID: "c", CreatedAt: base.Add(2 * time.Minute)}))
	require.NoError(t, s.MarkRunning(ctx, "b"))

	queued := schema.TaskStatusQueued
	tasks, err := s.ListTasks(ctx, TaskFilter{Status: &queued})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "a", tasks[0].ID)
	assert.Equal(t, "c", tasks[1].ID)

	tasks, err = s.ListTasks(ctx, TaskFilter{Status: &queued, Limit: 1})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].ID)
}

func TestLibSQL_TaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1"}))

	require.NoError(t, s.MarkRunning(ctx, "t1"))
	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)

	result := json.RawMessage(`{"current_phase":"complete","data":{"files_changed":3}}`)
	require.NoError(t, s.MarkCompleted(ctx, "t1", schema.PhaseComplete, result))
	got, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusCompleted, got.Status)
	assert.Equal(t, schema.PhaseComplete, got.Phase)
	assert.JSONEq(t, string(result), string(got.Result))
	assert.NotNil(t, got.CompletedAt)
}

func TestLibSQL_MarkFailedClearsNothingElse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTask(ctx, &Task{ID: "t1", Description: "keep me"}))
	require.NoError(t, s.MarkFailed(ctx, "t1", schema.PhaseValidate, "validation loop detected"))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, schema.TaskStatusFailed, got.Status)
	assert.Equal(t, schema.PhaseValidate, got.Phase)
	assert.Equal(t, "validation loop detected", got.Error)
	assert.Equal(t, "keep me", got.Description)
}

func TestLibSQL_MarkMissingTaskIsNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, err := range []error{
		s.MarkRunning(ctx, "missing"),
		s.MarkCompleted(ctx, "missing", schema.PhaseComplete, nil),
		s.MarkFailed(ctx, "missing", schema.PhaseInit, "x"),
	} {
		require.Error(t, err)
		var engErr *schema.EngineError
		require.ErrorAs(t, err, &engErr)
		assert.Equal(t, schema.ErrCodeNotFound, engErr.Code)
	}
}

func TestLibSQL_DeadLetters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &DeadLetter{
		TaskID:         "t1",
		Description:    "flaky task",
		FailureReason:  "retries exhausted",
		RetryCount:     3,
		State:          json.RawMessage(`{"status":"failed","phase":"apply"}`),
		LastErrorPhase: schema.PhaseApply,
		CreatedAt:      time.Now().UTC().Add(-time.Minute),
	}
	require.NoError(t, s.AddDeadLetter(ctx, first))
	require.NotEmpty(t, first.ID)
	require.NoError(t, s.AddDeadLetter(ctx, &DeadLetter{
		TaskID:        "t2",
		FailureReason: "workflow stalled in phase plan",
		CreatedAt:     time.Now().UTC(),
	}))

	entries, err := s.ListDeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "t2", entries[0].TaskID)
	assert.Equal(t, "t1", entries[1].TaskID)
	assert.Equal(t, 3, entries[1].RetryCount)
	assert.Equal(t, schema.PhaseApply, entries[1].LastErrorPhase)
	assert.JSONEq(t, `{"status":"failed","phase":"apply"}`, string(entries[1].State))

	entries, err = s.ListDeadLetters(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t2", entries[0].TaskID)
}

func TestLibSQL_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}
