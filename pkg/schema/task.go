package schema

// TaskStatus enumerates the lifecycle states of a persisted task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Phase enumerates the ordered execution phases a workflow moves through.
// PhaseComplete is the only terminal phase; a workflow result reporting any
// other phase means the work is not yet done.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhasePlan     Phase = "plan"
	PhaseApply    Phase = "apply"
	PhaseValidate Phase = "validate"
	PhaseComplete Phase = "complete"
)

// PhaseOrder lists all phases in execution order.
var PhaseOrder = []Phase{PhaseInit, PhasePlan, PhaseApply, PhaseValidate, PhaseComplete}

// Terminal reports whether the phase represents finished work.
func (p Phase) Terminal() bool { return p == PhaseComplete }

// WorkflowResult is the outcome reported by a workflow executor run.
// Data carries arbitrary JSON-serializable result fields (artifacts, notes).
type WorkflowResult struct {
	CurrentPhase Phase          `json:"current_phase"`
	Data         map[string]any `json:"data,omitempty"`
}

// OutcomeKind tags the result of a single execution attempt.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeIncomplete
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeIncomplete:
		return "incomplete"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of one execution attempt. The retry loop
// branches on Kind rather than catching a raised "not done yet" error:
// Completed carries the result, Incomplete carries the phase the workflow
// stalled in, Failed carries the error.
type Outcome struct {
	Kind   OutcomeKind
	Phase  Phase
	Result *WorkflowResult
	Err    error
}

// Completed builds a terminal success outcome.
func Completed(result *WorkflowResult) Outcome {
	phase := PhaseComplete
	if result != nil {
		phase = result.CurrentPhase
	}
	return Outcome{Kind: OutcomeCompleted, Phase: phase, Result: result}
}

// Incomplete builds an outcome for a run that stopped short of PhaseComplete.
func Incomplete(phase Phase) Outcome {
	return Outcome{Kind: OutcomeIncomplete, Phase: phase}
}

// Failed builds an outcome for a run that errored.
func Failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}
