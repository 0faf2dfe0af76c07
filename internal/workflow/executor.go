package workflow

import (
	"context"

	"github.com/floraldo/hive-sub004/internal/store"
	"github.com/floraldo/hive-sub004/pkg/schema"
)

// Executor runs the actual workflow logic for a task. Implementations report
// the phase the run ended in; anything short of PhaseComplete means the work
// is not done and the pool will retry it.
type Executor interface {
	Execute(ctx context.Context, task *store.Task, maxIterations int) (*schema.WorkflowResult, error)
}

// ExecFunc adapts a plain function to the Executor interface.
type ExecFunc func(ctx context.Context, task *store.Task, maxIterations int) (*schema.WorkflowResult, error)

func (f ExecFunc) Execute(ctx context.Context, task *store.Task, maxIterations int) (*schema.WorkflowResult, error) {
	return f(ctx, task, maxIterations)
}
