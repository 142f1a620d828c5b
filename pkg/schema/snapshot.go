package schema

import "time"

// StateSnapshot is the full persisted view of the scheduling core: every
// registered agent plus every live (non-terminal) task. It is written
// best-effort after each mutation and read back once at startup; round-trip
// must preserve every field of both entities.
type StateSnapshot struct {
	Agents  []Agent   `json:"agents"`
	Tasks   []Task    `json:"tasks"`
	TakenAt time.Time `json:"taken_at"`
}

// AgentByID returns the snapshot's agent with the given ID, or nil.
func (s *StateSnapshot) AgentByID(id string) *Agent {
	for i := range s.Agents {
		if s.Agents[i].ID == id {
			return &s.Agents[i]
		}
	}
	return nil
}

// ExecutionSnapshot is a point-in-time view of one workflow execution, used
// both for status queries and for persisting execution progress.
type ExecutionSnapshot struct {
	ExecutionID  string                `json:"execution_id"`
	WorkflowID   string                `json:"workflow_id"`
	WorkflowName string                `json:"workflow_name,omitempty"`
	Status       ExecutionStatus       `json:"status"`
	CurrentStep  string                `json:"current_step,omitempty"`
	StepResults  map[string]StepResult `json:"step_results,omitempty"`
	Variables    map[string]any        `json:"variables,omitempty"`
	Error        string                `json:"error,omitempty"`
	StartedAt    time.Time             `json:"started_at"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
}
