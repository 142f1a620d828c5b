package schema

import "time"

// AgentStatus represents the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// ValidAgentStatus reports whether s is a known agent status.
func ValidAgentStatus(s AgentStatus) bool {
	switch s {
	case AgentStatusIdle, AgentStatusBusy, AgentStatusError, AgentStatusOffline:
		return true
	}
	return false
}

// Agent is a registered worker process capable of executing one command at
// a time. Agents are never deleted, only marked offline. All mutation goes
// through the derive methods so the coordinator can swap values atomically
// under its lock.
type Agent struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	Type           string      `json:"type" yaml:"type"`
	RepositoryPath string      `json:"repository_path" yaml:"repository_path"`
	Status         AgentStatus `json:"status" yaml:"status"`
	LastPing       time.Time   `json:"last_ping" yaml:"last_ping"`
	CurrentTaskID  string      `json:"current_task_id,omitempty" yaml:"current_task_id,omitempty"`
}

// WithStatus returns a copy of the agent with the given status and a
// refreshed last-ping timestamp.
func (a Agent) WithStatus(status AgentStatus) Agent {
	a.Status = status
	a.LastPing = time.Now().UTC()
	return a
}

// WithTask returns a copy of the agent marked busy on the given task.
func (a Agent) WithTask(taskID string) Agent {
	a.Status = AgentStatusBusy
	a.CurrentTaskID = taskID
	a.LastPing = time.Now().UTC()
	return a
}

// WithoutTask returns a copy of the agent with its task cleared and
// status reset to idle.
func (a Agent) WithoutTask() Agent {
	a.Status = AgentStatusIdle
	a.CurrentTaskID = ""
	a.LastPing = time.Now().UTC()
	return a
}

// WithPing returns a copy of the agent with only the ping time refreshed.
func (a Agent) WithPing(at time.Time) Agent {
	a.LastPing = at
	return a
}

// TaskPriority orders tasks in the queue. Higher weights dequeue first.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityNormal   TaskPriority = "normal"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// Weight maps a priority to its numeric dequeue weight. Unknown values
// weigh the same as normal.
func (p TaskPriority) Weight() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityNormal:
		return 1
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	}
	return 1
}

// TaskStatus represents the lifecycle state of a queued task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is a unit of work queued for an agent. AgentID stays empty until an
// assignment binds the task; once bound it only changes through an explicit
// reassignment.
type Task struct {
	ID               string       `json:"id" yaml:"id"`
	AgentID          string       `json:"agent_id,omitempty" yaml:"agent_id,omitempty"`
	Command          string       `json:"command" yaml:"command"`
	RepositoryPath   string       `json:"repository_path" yaml:"repository_path"`
	Priority         TaskPriority `json:"priority" yaml:"priority"`
	Status           TaskStatus   `json:"status" yaml:"status"`
	RequiresApproval bool         `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Result           string       `json:"result,omitempty" yaml:"result,omitempty"`
	CreatedAt        time.Time    `json:"created_at" yaml:"created_at"`
	StartedAt        *time.Time   `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// WithAgent returns a copy of the task bound to the given agent with
// status assigned.
func (t Task) WithAgent(agentID string) Task {
	t.AgentID = agentID
	t.Status = TaskStatusAssigned
	return t
}

// WithoutAgent returns a copy of the task unbound and reset to pending.
func (t Task) WithoutAgent() Task {
	t.AgentID = ""
	t.Status = TaskStatusPending
	t.StartedAt = nil
	return t
}

// WithStatus returns a copy of the task in the given status, stamping
// StartedAt on entry to in_progress and CompletedAt on terminal states.
func (t Task) WithStatus(status TaskStatus) Task {
	now := time.Now().UTC()
	t.Status = status
	switch {
	case status == TaskStatusInProgress && t.StartedAt == nil:
		t.StartedAt = &now
	case status.Terminal():
		t.CompletedAt = &now
	}
	return t
}
