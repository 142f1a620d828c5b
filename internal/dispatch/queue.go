package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/pkg/schema"
)

// QueueTask queues one command. When an idle agent matches the selection
// policy the task is bound immediately; otherwise it waits in the pending
// queue and the assignment sweep runs right away. Having no agent
// available is not an error.
func (c *Coordinator) QueueTask(ctx context.Context, spec TaskSpec) (schema.Task, error) {
	return c.queueTask(ctx, spec, nil)
}

// queueTask is QueueTask with an optional waiter channel registered under
// the same lock, so a dispatch cannot miss a completion that lands between
// enqueue and wait.
func (c *Coordinator) queueTask(ctx context.Context, spec TaskSpec, waiter chan schema.Task) (schema.Task, error) {
	if spec.Command == "" {
		return schema.Task{}, schema.NewError(schema.ErrCodeValidation, "task command is required")
	}
	priority := spec.Priority
	if priority == "" {
		priority = schema.PriorityNormal
	}
	task := schema.Task{
		ID:               uuid.NewString(),
		Command:          spec.Command,
		RepositoryPath:   spec.RepositoryPath,
		Priority:         priority,
		Status:           schema.TaskStatusPending,
		RequiresApproval: spec.RequiresApproval,
		CreatedAt:        time.Now().UTC(),
	}

	fx := &effects{}
	c.mu.Lock()
	c.tasks[task.ID] = task
	if waiter != nil {
		c.waiters[task.ID] = append(c.waiters[task.ID], waiter)
	}
	fx.addEvent(&schema.Event{
		Type:        schema.EventTaskQueued,
		TaskID:      task.ID,
		ExecutionID: spec.ExecutionID,
		StepID:      spec.StepID,
		Payload: map[string]any{
			"command":           task.Command,
			"repository_path":   task.RepositoryPath,
			"priority":          string(task.Priority),
			"requires_approval": task.RequiresApproval,
		},
	})

	switch {
	case task.RequiresApproval:
		// held until someone resolves the approval
		c.queue = append(c.queue, task.ID)
		fx.addEvent(&schema.Event{
			Type:   schema.EventApprovalRequested,
			TaskID: task.ID,
			Payload: map[string]any{
				"command": task.Command,
			},
		})
	default:
		if agent, ok := pickAgent(c.agents, task.RepositoryPath); ok {
			c.bindLocked(task.ID, agent.ID, fx)
		} else {
			c.queue = append(c.queue, task.ID)
			c.assignmentSweepLocked(fx)
		}
	}
	out := c.tasks[task.ID]
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return out, nil
}

// GetNextTaskForAgent hands the agent its work. A task already bound to
// the agent is returned and moved to in_progress; otherwise the oldest
// highest-priority pending task matching the agent's repository is
// assigned on the fly. No candidate means (nil, nil), so agents can poll
// freely. The call doubles as a liveness ping.
func (c *Coordinator) GetNextTaskForAgent(ctx context.Context, agentID string) (*schema.Task, error) {
	fx := &effects{}
	c.mu.Lock()
	agent, ok := c.agents[agentID]
	if !ok {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "agent not found: %s", agentID)
	}
	if agent.Status == schema.AgentStatusError {
		c.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "agent %s is in error state", agentID)
	}
	if agent.Status == schema.AgentStatusOffline {
		agent = agent.WithStatus(schema.AgentStatusIdle)
		fx.addEvent(&schema.Event{Type: schema.EventAgentRecovered, AgentID: agentID})
	} else {
		agent = agent.WithPing(time.Now().UTC())
	}
	c.agents[agentID] = agent

	if agent.CurrentTaskID != "" {
		if task, ok := c.tasks[agent.CurrentTaskID]; ok {
			if task.Status == schema.TaskStatusAssigned {
				task = task.WithStatus(schema.TaskStatusInProgress)
				c.tasks[task.ID] = task
				fx.addTransition(task.ID, agentID, schema.TaskStatusAssigned, schema.TaskStatusInProgress)
			}
			out := task
			fx.snapshot = c.snapshotLocked()
			c.commit(ctx, fx)
			return &out, nil
		}
		// binding points at a task that no longer exists; reset and
		// let the agent pick fresh work below
		agent = agent.WithoutTask()
		c.agents[agentID] = agent
	}

	if taskID, ok := pickTask(c.tasks, agent.RepositoryPath); ok {
		c.bindLocked(taskID, agentID, fx)
		task := c.tasks[taskID].WithStatus(schema.TaskStatusInProgress)
		c.tasks[taskID] = task
		fx.addTransition(taskID, agentID, schema.TaskStatusAssigned, schema.TaskStatusInProgress)
		out := task
		fx.snapshot = c.snapshotLocked()
		c.commit(ctx, fx)
		return &out, nil
	}

	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return nil, nil
}

// UpdateTaskStatus moves a task through its lifecycle. A terminal status
// records the result, frees the agent and immediately tries to hand the
// freed capacity to the next pending task. Moving back to pending is an
// explicit requeue.
func (c *Coordinator) UpdateTaskStatus(ctx context.Context, taskID string, status schema.TaskStatus, result string) (schema.Task, error) {
	fx := &effects{}
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
	}
	from := task.Status
	if !engine.ValidTaskTransition(from, status) {
		c.mu.Unlock()
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, status)
	}
	agentID := task.AgentID

	var updated schema.Task
	if status == schema.TaskStatusPending {
		updated = task.WithoutAgent()
		c.tasks[taskID] = updated
		c.removeFromQueueLocked(taskID)
		c.queue = append(c.queue, taskID)
	} else {
		updated = task.WithStatus(status)
		if result != "" {
			updated.Result = result
		}
		c.tasks[taskID] = updated
	}
	fx.addTransition(taskID, agentID, from, status)

	if status.Terminal() {
		delete(c.tasks, taskID)
		c.removeFromQueueLocked(taskID)
		fx.finals = append(fx.finals, updated)
	}
	freed := false
	if agentID != "" && (status.Terminal() || status == schema.TaskStatusPending) {
		if agent, ok := c.agents[agentID]; ok && agent.CurrentTaskID == taskID {
			c.agents[agentID] = agent.WithoutTask()
			freed = true
		}
	}
	// a requeued task must not bounce straight back to the agent that
	// just shed it; only a terminal finish hands the freed agent new work
	if freed && status.Terminal() {
		c.assignmentSweepLocked(fx)
	}
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return updated, nil
}

// ResolveApproval decides a held task. Approval releases it to the normal
// queue; rejection cancels it.
func (c *Coordinator) ResolveApproval(ctx context.Context, taskID string, approved bool) (schema.Task, error) {
	fx := &effects{}
	c.mu.Lock()
	task, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeNotFound, "task not found: %s", taskID)
	}
	if task.Status != schema.TaskStatusPending || !task.RequiresApproval {
		c.mu.Unlock()
		return schema.Task{}, schema.NewErrorf(schema.ErrCodeConflict, "task %s is not awaiting approval", taskID)
	}

	var out schema.Task
	if approved {
		task.RequiresApproval = false
		c.tasks[taskID] = task
		fx.addEvent(&schema.Event{
			Type:    schema.EventApprovalResolved,
			TaskID:  taskID,
			Payload: map[string]any{"approved": true},
		})
		c.assignmentSweepLocked(fx)
		out = c.tasks[taskID]
	} else {
		out = task.WithStatus(schema.TaskStatusCancelled)
		out.Result = "approval rejected"
		delete(c.tasks, taskID)
		c.removeFromQueueLocked(taskID)
		fx.addEvent(&schema.Event{
			Type:    schema.EventApprovalResolved,
			TaskID:  taskID,
			Payload: map[string]any{"approved": false},
		})
		fx.addTransition(taskID, "", schema.TaskStatusPending, schema.TaskStatusCancelled)
		fx.finals = append(fx.finals, out)
	}
	fx.snapshot = c.snapshotLocked()
	c.commit(ctx, fx)
	return out, nil
}
