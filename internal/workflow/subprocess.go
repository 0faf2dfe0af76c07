package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/floraldo/hive-sub004/internal/store"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

const (
	defaultWorkerTimeout = 30 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// SubprocessConfig configures the subprocess executor.
type SubprocessConfig struct {
	// Command and Args name the worker binary to spawn per task.
	Command string
	Args    []string
	// Timeout bounds a single worker run (0 = defaultWorkerTimeout).
	Timeout time.Duration
	// MaxOutputSize caps captured stdout/stderr (0 = 10MB).
	MaxOutputSize int64
}

// workerInput is the JSON document written to the worker's stdin.
type workerInput struct {
	TaskID        string          `json:"task_id"`
	Description   string          `json:"description,omitempty"`
	Target        string          `json:"target,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	MaxIterations int             `json:"max_iterations"`
}

// SubprocessExecutor runs each task as a worker subprocess: the task is
// serialized to stdin and the worker reports a WorkflowResult as JSON on
// stdout. A non-zero exit or unparseable output is an execution failure.
type SubprocessExecutor struct {
	cfg SubprocessConfig
}

// NewSubprocessExecutor validates the config and builds an executor.
func NewSubprocessExecutor(cfg SubprocessConfig) (*SubprocessExecutor, error) {
	if cfg.Command == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subprocess executor: command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultWorkerTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return &SubprocessExecutor{cfg: cfg}, nil
}

func (e *SubprocessExecutor) Execute(ctx context.Context, task *store.Task, maxIterations int) (*schema.WorkflowResult, error) {
	input, err := json.Marshal(workerInput{
		TaskID:        task.ID,
		Description:   task.Description,
		Target:        task.Target,
		Payload:       task.Payload,
		MaxIterations: maxIterations,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "marshal worker input: %v", err).WithTask(task.ID).WithCause(err)
	}

	execCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.cfg.Command, e.cfg.Args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: e.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: e.cfg.MaxOutputSize}

	runErr := cmd.Run()
	if execCtx.Err() == context.DeadlineExceeded {
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "worker timed out after %s", e.cfg.Timeout).WithTask(task.ID)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"worker exited with code %d: %s", exitErr.ExitCode(), firstLine(stderrBuf.String())).
				WithTask(task.ID).WithCause(runErr)
		}
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "spawn worker: %v", runErr).WithTask(task.ID).WithCause(runErr)
	}

	var result schema.WorkflowResult
	if err := json.Unmarshal(stdoutBuf.Bytes(), &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"worker produced invalid result: %v", err).WithTask(task.ID).WithCause(err)
	}
	if result.CurrentPhase == "" {
		result.CurrentPhase = schema.PhaseInit
	}
	return &result, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
