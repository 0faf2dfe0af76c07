package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	taskIDKey ctxKey = iota
	phaseKey
	attemptKey
)

// WithTaskID returns a context with the task ID set.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, taskIDKey, id)
}

// WithPhase returns a context with the workflow phase set.
func WithPhase(ctx context.Context, phase string) context.Context {
	return context.WithValue(ctx, phaseKey, phase)
}

// WithAttempt returns a context with the retry attempt number set.
func WithAttempt(ctx context.Context, attempt int) context.Context {
	return context.WithValue(ctx, attemptKey, attempt)
}

// TaskID extracts the task ID from the context, or "" if absent.
func TaskID(ctx context.Context) string {
	v, _ := ctx.Value(taskIDKey).(string)
	return v
}

// Phase extracts the workflow phase from the context, or "" if absent.
func Phase(ctx context.Context) string {
	v, _ := ctx.Value(phaseKey).(string)
	return v
}

// Attempt extracts the retry attempt from the context, or -1 if absent.
func Attempt(ctx context.Context) int {
	v, ok := ctx.Value(attemptKey).(int)
	if !ok {
		return -1
	}
	return v
}

// LogWith returns a logger enriched with correlation fields from the context.
// Only present values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := TaskID(ctx); id != "" {
		logger = logger.With(slog.String("task_id", id))
	}
	if p := Phase(ctx); p != "" {
		logger = logger.With(slog.String("phase", p))
	}
	if a := Attempt(ctx); a >= 0 {
		logger = logger.With(slog.Int("attempt", a))
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// correlation fields from the context into every log record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and task fields appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation field injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := TaskID(ctx); v != "" {
		r.AddAttrs(slog.String("task_id", v))
	}
	if v := Phase(ctx); v != "" {
		r.AddAttrs(slog.String("phase", v))
	}
	if v := Attempt(ctx); v >= 0 {
		r.AddAttrs(slog.Int("attempt", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
