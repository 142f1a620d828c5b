package schema

import "time"

// Event is one entry in the append-only event trail. Sequence is assigned
// by the event bus, counting per execution; fleet-level events without an
// execution share one stream.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	StepID      string         `json:"step_id,omitempty"`
	TaskID      string         `json:"task_id,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Sequence    int64          `json:"sequence,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// Event type constants for the append-only event trail.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCancelled = "execution_cancelled"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"

	EventConditionEvaluated = "condition_evaluated"
	EventLoopIterStarted    = "loop_iter_started"
	EventLoopIterCompleted  = "loop_iter_completed"
	EventLoopCompleted      = "loop_completed"
	EventParallelStarted    = "parallel_started"
	EventParallelCompleted  = "parallel_completed"

	EventTaskQueued        = "task_queued"
	EventTaskAssigned      = "task_assigned"
	EventTaskStarted       = "task_started"
	EventTaskCompleted     = "task_completed"
	EventTaskFailed        = "task_failed"
	EventTaskCancelled     = "task_cancelled"
	EventTaskRequeued      = "task_requeued"
	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"
	EventApprovalExpired   = "approval_expired"

	EventAgentRegistered = "agent_registered"
	EventAgentOffline    = "agent_offline"
	EventAgentRecovered  = "agent_recovered"

	EventScheduleTriggered = "schedule_triggered"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step within an execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// LoopStatus represents the terminal state of one loop invocation.
type LoopStatus string

const (
	LoopStatusRunning              LoopStatus = "running"
	LoopStatusCompleted            LoopStatus = "completed"
	LoopStatusBroken               LoopStatus = "broken"
	LoopStatusFailed               LoopStatus = "failed"
	LoopStatusMaxIterationsReached LoopStatus = "max_iterations_reached"
)
