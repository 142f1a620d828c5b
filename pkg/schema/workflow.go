package schema

// WorkflowDefinition is the declarative workflow format. Definitions are
// authored as YAML or JSON documents, are immutable once loaded, and may be
// executed any number of times; each execution owns its own context.
type WorkflowDefinition struct {
	ID        string                        `json:"id" yaml:"id"`
	Name      string                        `json:"name" yaml:"name"`
	Steps     []WorkflowStep                `json:"steps" yaml:"steps"`
	Variables map[string]VariableDefinition `json:"variables,omitempty" yaml:"variables,omitempty"`
	Metadata  map[string]string             `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Step returns the step with the given ID, or nil.
func (d *WorkflowDefinition) Step(id string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// WorkflowStep describes a single step in a workflow.
type WorkflowStep struct {
	ID          string          `json:"id" yaml:"id"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Type        StepType        `json:"type" yaml:"type"`
	Command     string          `json:"command,omitempty" yaml:"command,omitempty"`           // task steps: command dispatched to an agent
	Parameters  map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`     // type-specific parameters (repository_path, priority, ...)
	ResultQuery string          `json:"result_query,omitempty" yaml:"result_query,omitempty"` // task steps: jq query applied to the raw result
	DependsOn   []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`     // step IDs that must complete first
	Condition   string          `json:"condition,omitempty" yaml:"condition,omitempty"`       // condition steps: expression selecting the branch
	Timeout     string          `json:"timeout,omitempty" yaml:"timeout,omitempty"`           // task steps: dispatch timeout (e.g. "30s", "5m")
	Loop        *LoopDefinition `json:"loop,omitempty" yaml:"loop,omitempty"`                 // loop steps
	Retry       *RetryPolicy    `json:"retry,omitempty" yaml:"retry,omitempty"`               // task steps: transient-failure retry
	NestedSteps []WorkflowStep  `json:"nested_steps,omitempty" yaml:"nested_steps,omitempty"` // loop body, parallel branches, condition then-branch
	ElseSteps   []WorkflowStep  `json:"else_steps,omitempty" yaml:"else_steps,omitempty"`     // condition else-branch
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeStart     StepType = "start"
	StepTypeTask      StepType = "task"
	StepTypeCondition StepType = "condition"
	StepTypeLoop      StepType = "loop"
	StepTypeParallel  StepType = "parallel"
	StepTypeEnd       StepType = "end"
)

// ValidStepType reports whether t is a known step type.
func ValidStepType(t StepType) bool {
	switch t {
	case StepTypeStart, StepTypeTask, StepTypeCondition, StepTypeLoop, StepTypeParallel, StepTypeEnd:
		return true
	}
	return false
}

// LoopType selects the loop construct executed by a loop step.
type LoopType string

const (
	LoopTypeForEach LoopType = "for_each"
	LoopTypeWhile   LoopType = "while"
	LoopTypeRetry   LoopType = "retry"
)

// LoopDefinition configures a loop step. MaxIterations is a hard ceiling for
// every loop type; for retry loops it bounds the total attempt count.
type LoopDefinition struct {
	Type              LoopType `json:"type" yaml:"type"`
	Collection        string   `json:"collection,omitempty" yaml:"collection,omitempty"`                 // for_each: context variable holding the iterable
	Condition         string   `json:"condition,omitempty" yaml:"condition,omitempty"`                   // while: checked before every iteration
	ContinueCondition string   `json:"continue_condition,omitempty" yaml:"continue_condition,omitempty"` // checked after each iteration; false stops the loop
	BreakCondition    string   `json:"break_condition,omitempty" yaml:"break_condition,omitempty"`       // checked after each iteration; true breaks
	IteratorVariable  string   `json:"iterator_variable,omitempty" yaml:"iterator_variable,omitempty"`
	IndexVariable     string   `json:"index_variable,omitempty" yaml:"index_variable,omitempty"`
	MaxIterations     int      `json:"max_iterations" yaml:"max_iterations"`
}

// RetryPolicy configures the retry executor for transient task failures.
type RetryPolicy struct {
	MaxAttempts     int      `json:"max_attempts" yaml:"max_attempts"`
	Strategy        string   `json:"strategy,omitempty" yaml:"strategy,omitempty"`     // exponential | fixed | linear | none (default: exponential)
	BaseDelay       string   `json:"base_delay,omitempty" yaml:"base_delay,omitempty"` // e.g. "500ms"
	MaxDelay        string   `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Multiplier      float64  `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`
	JitterFactor    float64  `json:"jitter_factor,omitempty" yaml:"jitter_factor,omitempty"`
	RetryableErrors []string `json:"retryable_errors,omitempty" yaml:"retryable_errors,omitempty"` // empty means every retryable-classified failure
	RetryCondition  string   `json:"retry_condition,omitempty" yaml:"retry_condition,omitempty"`   // expression over $attempt and $error
}

// VariableDefinition declares a workflow input variable.
type VariableDefinition struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}
