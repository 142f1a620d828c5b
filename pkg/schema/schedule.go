package schema

import "time"

// Schedule triggers a stored workflow on a cron expression. Disabled
// schedules stay registered but never fire.
type Schedule struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	CronExpr   string         `json:"cron_expr" yaml:"cron_expr"`
	WorkflowID string         `json:"workflow_id" yaml:"workflow_id"`
	Variables  map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	LastRunAt  *time.Time     `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	NextRunAt  *time.Time     `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at" yaml:"updated_at"`
}
