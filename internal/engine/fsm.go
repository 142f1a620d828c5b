package engine

import (
	"context"
	"sync"

	"github.com/rendis/baton/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventRecorder receives the lifecycle event emitted by a successful
// transition. The event log and the in-process bus both satisfy it.
type EventRecorder interface {
	AppendEvent(ctx context.Context, event *schema.Event) error
}

// --- Execution FSM ---

type executionHookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM guards workflow execution lifecycle transitions and emits
// the matching lifecycle event on each one.
type ExecutionFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[executionHookKey][]TransitionHook
	after    map[executionHookKey][]TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM emitting events via the recorder.
func NewExecutionFSM(recorder EventRecorder) *ExecutionFSM {
	return &ExecutionFSM{
		recorder: recorder,
		before:   make(map[executionHookKey][]TransitionHook),
		after:    make(map[executionHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the given transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after the given transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := executionHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and performs an execution state transition. The
// caller persists the new state; the FSM only guards and emits.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !validExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}

	key := executionHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := executionEventType(from, to); eventType != "" && f.recorder != nil {
		event := &schema.Event{
			Type:        eventType,
			ExecutionID: executionID,
		}
		if err := f.recorder.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit execution event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func validExecutionTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// executionEventType maps a transition edge to its event. Entering running
// from paused is a resume, not a start.
func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionStatusPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM guards task lifecycle transitions for the scheduling core.
type TaskFSM struct {
	mu       sync.Mutex
	recorder EventRecorder
	before   map[taskHookKey][]TransitionHook
	after    map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM emitting events via the recorder.
func NewTaskFSM(recorder EventRecorder) *TaskFSM {
	return &TaskFSM{
		recorder: recorder,
		before:   make(map[taskHookKey][]TransitionHook),
		after:    make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before the given transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after the given transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and performs a task state transition.
func (f *TaskFSM) Transition(ctx context.Context, taskID, agentID string, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !ValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"task_id": taskID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := taskEventType(to); eventType != "" && f.recorder != nil {
		event := &schema.Event{
			Type:    eventType,
			TaskID:  taskID,
			AgentID: agentID,
		}
		if err := f.recorder.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit task event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// ValidTaskTransition reports whether a task may move from one status to
// another. The scheduling core checks this before mutating under its lock;
// the FSM re-validates when it emits.
func ValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// taskEventType maps a target task status to its event. A transition back
// into pending is always a requeue; the initial enqueue does not pass
// through the FSM.
func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskStatusPending:
		return schema.EventTaskRequeued
	case schema.TaskStatusAssigned:
		return schema.EventTaskAssigned
	case schema.TaskStatusInProgress:
		return schema.EventTaskStarted
	case schema.TaskStatusCompleted:
		return schema.EventTaskCompleted
	case schema.TaskStatusFailed:
		return schema.EventTaskFailed
	case schema.TaskStatusCancelled:
		return schema.EventTaskCancelled
	default:
		return ""
	}
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed execution state machine.
// Pausing is only reachable from running; a paused execution resumes or is
// cancelled (or fails if its workflow is torn down underneath it).
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending:   {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning:   {schema.ExecutionStatusPaused, schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusPaused:    {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusFailed},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ValidTaskTransitions defines the allowed task state machine. A task that
// never started cannot fail; transitions back to pending are requeues after
// an agent loss.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:    {schema.TaskStatusAssigned, schema.TaskStatusInProgress, schema.TaskStatusCancelled},
	schema.TaskStatusAssigned:   {schema.TaskStatusInProgress, schema.TaskStatusPending, schema.TaskStatusCancelled},
	schema.TaskStatusInProgress: {schema.TaskStatusCompleted, schema.TaskStatusFailed, schema.TaskStatusCancelled, schema.TaskStatusPending},
	schema.TaskStatusCompleted:  {},
	schema.TaskStatusFailed:     {},
	schema.TaskStatusCancelled:  {},
}

// ValidStepTransitions defines the allowed step state machine inside one
// execution. Steps are execution-local, so the executor checks this table
// directly instead of going through a locked FSM.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
}

// ValidStepTransition reports whether a step may move from one status to
// another.
func ValidStepTransition(from, to schema.StepStatus) bool {
	allowed, ok := ValidStepTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}
