package schema

import "time"

// ExecutionResult is the terminal report of one workflow execution. It always
// carries the full per-step history, including skipped and failed steps.
type ExecutionResult struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   string                `json:"workflow_id"`
	WorkflowName string                `json:"workflow_name,omitempty"`
	Status       ExecutionStatus       `json:"status"`
	StepResults  map[string]StepResult `json:"step_results"`
	Variables    map[string]any        `json:"variables,omitempty"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  time.Time             `json:"completed_at"`
	Duration     time.Duration         `json:"duration"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	StepID      string         `json:"step_id"`
	Status      StepStatus     `json:"status"`
	Output      any            `json:"output,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"` // variables the step wrote
	Error       string         `json:"error,omitempty"`
	Attempts    int            `json:"attempts,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
}

// LoopIterationResult records one loop iteration: the step results produced
// by the body, the signals it raised, and the failure if any.
type LoopIterationResult struct {
	Index             int                   `json:"index"`
	Status            StepStatus            `json:"status"`
	StepResults       map[string]StepResult `json:"step_results,omitempty"`
	Outputs           map[string]any        `json:"outputs,omitempty"`
	Error             string                `json:"error,omitempty"`
	BreakRequested    bool                  `json:"break_requested,omitempty"`
	ContinueRequested bool                  `json:"continue_requested,omitempty"`
	StartedAt         time.Time             `json:"started_at"`
	Duration          time.Duration         `json:"duration"`
}

// LoopExecutionContext is the transient aggregate state of one loop
// invocation. It is created at loop entry and discarded at loop exit; its
// scoped variables merge into, never replace, the parent context.
type LoopExecutionContext struct {
	Status           LoopStatus            `json:"status"`
	CurrentIteration int                   `json:"current_iteration"`
	TotalIterations  int                   `json:"total_iterations"`
	CurrentItem      any                   `json:"current_item,omitempty"`
	CurrentIndex     int                   `json:"current_index"`
	ScopedVariables  map[string]any        `json:"scoped_variables,omitempty"`
	IterationResults []LoopIterationResult `json:"iteration_results"`
	Error            string                `json:"error,omitempty"`
	StartTime        time.Time             `json:"start_time"`
}
