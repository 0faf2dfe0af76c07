package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	// Initially empty.
	assert.Equal(t, "", TaskID(ctx))
	assert.Equal(t, "", Phase(ctx))
	assert.Equal(t, -1, Attempt(ctx))

	// Set values.
	ctx = WithTaskID(ctx, "task-123")
	ctx = WithPhase(ctx, "apply")
	ctx = WithAttempt(ctx, 2)

	// Round-trip.
	assert.Equal(t, "task-123", TaskID(ctx))
	assert.Equal(t, "apply", Phase(ctx))
	assert.Equal(t, 2, Attempt(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithTaskID(ctx, "task-abc")
	ctx = WithPhase(ctx, "plan")
	ctx = WithAttempt(ctx, 0)

	enriched := LogWith(ctx, logger)
	enriched.Info("test message")

	output := buf.String()
	assert.Contains(t, output, "task_id=task-abc")
	assert.Contains(t, output, "phase=plan")
	assert.Contains(t, output, "attempt=0")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Only set task ID; phase and attempt should not appear.
	ctx := WithTaskID(context.Background(), "task-only")

	enriched := LogWith(ctx, logger)
	enriched.Info("partial context")

	output := buf.String()
	assert.Contains(t, output, "task_id=task-only")
	assert.NotContains(t, output, "phase=")
	assert.NotContains(t, output, "attempt=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler)

	ctx := WithTaskID(context.Background(), "task-xyz")
	ctx = WithPhase(ctx, "validate")

	logger.InfoContext(ctx, "handled message")

	output := buf.String()
	assert.Contains(t, output, "task_id=task-xyz")
	assert.Contains(t, output, "phase=validate")
	assert.Contains(t, output, "handled message")
}

func TestCorrelationHandler_NoContextValues(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler)

	logger.InfoContext(context.Background(), "bare message")

	output := buf.String()
	assert.Contains(t, output, "bare message")
	assert.NotContains(t, output, "task_id=")
}

func TestCorrelationHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	handler := NewCorrelationHandler(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	logger := slog.New(handler).With(slog.String("component", "pool"))

	ctx := WithTaskID(context.Background(), "task-attrs")
	logger.InfoContext(ctx, "attributed")

	output := buf.String()
	assert.Contains(t, output, "component=pool")
	assert.Contains(t, output, "task_id=task-attrs")
}
