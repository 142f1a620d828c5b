package store

import (
	"context"
	"time"

	"github.com/rendis/baton/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Fleet state (whole-snapshot writes, read back once at startup)
	SaveState(ctx context.Context, snap *schema.StateSnapshot) error
	LoadState(ctx context.Context) (*schema.StateSnapshot, error)

	// Workflow definitions
	SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions (progress snapshots, upserted as the run advances)
	SaveExecution(ctx context.Context, snap *schema.ExecutionSnapshot) error
	GetExecution(ctx context.Context, id string) (*schema.ExecutionSnapshot, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionSnapshot, error)

	// Event trail (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	ListEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error)
	ListEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *schema.Schedule) error
	GetSchedule(ctx context.Context, id string) (*schema.Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Since      *time.Time              `json:"since,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
	Offset     int                     `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing events by type.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StepID      string     `json:"step_id,omitempty"`
	TaskID      string     `json:"task_id,omitempty"`
	AgentID     string     `json:"agent_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// ScheduleUpdate specifies mutable fields of a schedule.
type ScheduleUpdate struct {
	Enabled   *bool      `json:"enabled,omitempty"`
	CronExpr  *string    `json:"cron_expr,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// ScheduleFilter specifies criteria for listing schedules.
type ScheduleFilter struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
