// Package store is the libSQL persistence layer: fleet snapshots,
// workflow definitions, execution progress, the event trail and
// schedules all land in one embedded database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/baton/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/baton.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Fleet state ---

// SaveState replaces the persisted fleet snapshot in one transaction.
// The snapshot holds every agent and every live task; terminal tasks
// never reach the store.
func (s *LibSQLStore) SaveState(ctx context.Context, snap *schema.StateSnapshot) error {
	if snap == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil snapshot")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_agents`); err != nil {
		return fmt.Errorf("clear agents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM fleet_tasks`); err != nil {
		return fmt.Errorf("clear tasks: %w", err)
	}

	for _, a := range snap.Agents {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fleet_agents (id, name, type, repository_path, status, last_ping, current_task_id)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.Name, a.Type, a.RepositoryPath, string(a.Status), a.LastPing, a.CurrentTaskID,
		); err != nil {
			return fmt.Errorf("insert agent %s: %w", a.ID, err)
		}
	}
	for _, t := range snap.Tasks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO fleet_tasks (id, agent_id, command, repository_path, priority, status, requires_approval, result, created_at, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.AgentID, t.Command, t.RepositoryPath, string(t.Priority), string(t.Status),
			boolInt(t.RequiresApproval), t.Result, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
		); err != nil {
			return fmt.Errorf("insert task %s: %w", t.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fleet_meta (id, taken_at) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET taken_at=excluded.taken_at`,
		timeOrNow(snap.TakenAt),
	); err != nil {
		return fmt.Errorf("update snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot: %w", err)
	}
	return nil
}

// LoadState reads the last persisted fleet snapshot. Returns (nil, nil)
// when no snapshot has ever been written.
func (s *LibSQLStore) LoadState(ctx context.Context) (*schema.StateSnapshot, error) {
	snap := &schema.StateSnapshot{}
	err := s.db.QueryRowContext(ctx, `SELECT taken_at FROM fleet_meta WHERE id = 1`).Scan(&snap.TakenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, repository_path, status, last_ping, current_task_id
		 FROM fleet_agents ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var a schema.Agent
		var status string
		if err := rows.Scan(&a.ID, &a.Name, &a.Type, &a.RepositoryPath, &status, &a.LastPing, &a.CurrentTaskID); err != nil {
			return nil, err
		}
		a.Status = schema.AgentStatus(status)
		a.LastPing = a.LastPing.UTC()
		snap.Agents = append(snap.Agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	taskRows, err := s.db.QueryContext(ctx,
		`SELECT id, agent_id, command, repository_path, priority, status, requires_approval, result, created_at, started_at, completed_at
		 FROM fleet_tasks ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer taskRows.Close()
	for taskRows.Next() {
		var t schema.Task
		var priority, status string
		var approval int
		var startedAt, completedAt sql.NullTime
		if err := taskRows.Scan(&t.ID, &t.AgentID, &t.Command, &t.RepositoryPath, &priority, &status,
			&approval, &t.Result, &t.CreatedAt, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		t.Priority = schema.TaskPriority(priority)
		t.Status = schema.TaskStatus(status)
		t.RequiresApproval = approval != 0
		t.CreatedAt = t.CreatedAt.UTC()
		t.StartedAt = timePtrUTC(startedAt)
		t.CompletedAt = timePtrUTC(completedAt)
		snap.Tasks = append(snap.Tasks, t)
	}
	if err := taskRows.Err(); err != nil {
		return nil, err
	}

	snap.TakenAt = snap.TakenAt.UTC()
	return snap, nil
}

// --- Workflow definitions ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, def *schema.WorkflowDefinition) error {
	if def == nil || def.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition needs an id")
	}
	raw, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		def.ID, def.Name, string(raw),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	def := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(raw), def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return def, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT definition FROM workflows ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*schema.WorkflowDefinition
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		def := &schema.WorkflowDefinition{}
		if err := json.Unmarshal([]byte(raw), def); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Executions ---

func (s *LibSQLStore) SaveExecution(ctx context.Context, snap *schema.ExecutionSnapshot) error {
	if snap == nil || snap.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "execution snapshot needs an id")
	}
	results, err := jsonOrNull(snap.StepResults, len(snap.StepResults) == 0)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	vars, err := jsonOrNull(snap.Variables, len(snap.Variables) == 0)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, workflow_name, status, current_step, step_results, variables, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, current_step=excluded.current_step,
		   step_results=excluded.step_results, variables=excluded.variables,
		   error=excluded.error, completed_at=excluded.completed_at,
		   updated_at=CURRENT_TIMESTAMP`,
		snap.ExecutionID, snap.WorkflowID, snap.WorkflowName, string(snap.Status), snap.CurrentStep,
		results, vars, snap.Error, timeOrNow(snap.StartedAt), nullTime(snap.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_name, status, current_step, step_results, variables, error, started_at, completed_at
		 FROM executions WHERE id = ?`, id,
	)
	snap, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return snap, err
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionSnapshot, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, workflow_name, status, current_step, step_results, variables, error, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*schema.ExecutionSnapshot
	for rows.Next() {
		snap, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func scanExecution(scan func(...any) error) (*schema.ExecutionSnapshot, error) {
	snap := &schema.ExecutionSnapshot{}
	var status string
	var results, vars sql.NullString
	var completedAt sql.NullTime
	err := scan(&snap.ExecutionID, &snap.WorkflowID, &snap.WorkflowName, &status, &snap.CurrentStep,
		&results, &vars, &snap.Error, &snap.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	snap.Status = schema.ExecutionStatus(status)
	snap.StartedAt = snap.StartedAt.UTC()
	snap.CompletedAt = timePtrUTC(completedAt)
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &snap.StepResults); err != nil {
			return nil, fmt.Errorf("unmarshal step results: %w", err)
		}
	}
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &snap.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return snap, nil
}

// --- Event trail ---

// AppendEvent inserts one stamped event. The bus assigns id, sequence
// and timestamp before the event reaches the store; rowid preserves
// arrival order even when sequences restart across processes.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "nil event")
	}
	payload, err := jsonOrNull(event.Payload, len(event.Payload) == 0)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, event_type, execution_id, step_id, task_id, agent_id, sequence, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, event.ExecutionID, event.StepID, event.TaskID, event.AgentID,
		event.Sequence, payload, timeOrNow(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListEvents returns an execution's events with sequence > since,
// ordered by sequence.
func (s *LibSQLStore) ListEvents(ctx context.Context, executionID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, event_type, execution_id, step_id, task_id, agent_id, sequence, payload, timestamp
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListEventsByType returns events of a specific type matching the filter,
// newest first.
func (s *LibSQLStore) ListEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT event_id, event_type, execution_id, step_id, task_id, agent_id, sequence, payload, timestamp
	 FROM events WHERE ` + strings.Join(where, " AND ") + ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.Event, error) {
	var events []*schema.Event
	for rows.Next() {
		e := &schema.Event{}
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.Type, &e.ExecutionID, &e.StepID, &e.TaskID, &e.AgentID,
			&e.Sequence, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Timestamp = e.Timestamp.UTC()
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *schema.Schedule) error {
	if sched == nil || sched.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "schedule needs an id")
	}
	vars, err := jsonOrNull(sched.Variables, len(sched.Variables) == 0)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, name, cron_expr, workflow_id, variables, enabled, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.Name, sched.CronExpr, sched.WorkflowID, vars,
		boolInt(sched.Enabled), nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, cron_expr, workflow_id, variables, enabled, last_run_at, next_run_at, created_at, updated_at
		 FROM schedules WHERE id = ?`, id,
	)
	sched, err := scanSchedule(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}

	query := `SELECT id, name, cron_expr, workflow_id, variables, enabled, last_run_at, next_run_at, created_at, updated_at FROM schedules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*schema.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(scan func(...any) error) (*schema.Schedule, error) {
	sched := &schema.Schedule{}
	var vars sql.NullString
	var enabled int
	var lastRun, nextRun sql.NullTime
	err := scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.WorkflowID, &vars,
		&enabled, &lastRun, &nextRun, &sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	sched.LastRunAt = timePtrUTC(lastRun)
	sched.NextRunAt = timePtrUTC(nextRun)
	sched.CreatedAt = sched.CreatedAt.UTC()
	sched.UpdatedAt = sched.UpdatedAt.UTC()
	if vars.Valid && vars.String != "" {
		if err := json.Unmarshal([]byte(vars.String), &sched.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	return sched, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.BatonError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtrUTC(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
