package dispatch

import (
	"context"
	"time"

	"github.com/rendis/baton/pkg/schema"
)

// Run drives the periodic sweeps and the snapshot writer until the
// context ends. Mutating operations work without Run; only the periodic
// sweeps and persistence need it.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.drainSnapshots(context.WithoutCancel(ctx))
			return
		case snap := <-c.persistCh:
			c.writeSnapshot(ctx, snap)
		case <-ticker.C:
			c.AssignmentSweep(ctx)
			c.HealthSweep(ctx)
			c.ApprovalSweep(ctx)
		}
	}
}

// AssignmentSweep walks the pending queue in enqueue order and greedily
// binds each assignable task to an agent. It stops as soon as no idle
// agent is left. Returns the number of tasks bound.
func (c *Coordinator) AssignmentSweep(ctx context.Context) int {
	fx := &effects{}
	c.mu.Lock()
	bound := c.assignmentSweepLocked(fx)
	if bound > 0 {
		fx.snapshot = c.snapshotLocked()
	}
	c.commit(ctx, fx)
	return bound
}

func (c *Coordinator) assignmentSweepLocked(fx *effects) int {
	bound := 0
	// bindLocked edits c.queue, so walk a copy
	for _, taskID := range append([]string(nil), c.queue...) {
		task, ok := c.tasks[taskID]
		if !ok || task.Status != schema.TaskStatusPending || task.RequiresApproval {
			continue
		}
		agent, ok := pickAgent(c.agents, task.RepositoryPath)
		if !ok {
			// no idle agents at all; nothing further can bind
			break
		}
		c.bindLocked(taskID, agent.ID, fx)
		bound++
	}
	return bound
}

// HealthSweep marks agents whose last ping is older than the staleness
// window offline and puts their in-flight work back on the queue. Returns
// the number of agents taken out of rotation.
func (c *Coordinator) HealthSweep(ctx context.Context) int {
	fx := &effects{}
	cutoff := time.Now().UTC().Add(-c.config.StalenessWindow)
	marked := 0

	c.mu.Lock()
	for id, agent := range c.agents {
		if agent.Status == schema.AgentStatusOffline || agent.LastPing.After(cutoff) {
			continue
		}
		fx.addEvent(&schema.Event{
			Type:    schema.EventAgentOffline,
			AgentID: id,
			Payload: map[string]any{"last_ping": agent.LastPing},
		})
		if agent.CurrentTaskID != "" {
			c.requeueLocked(agent.CurrentTaskID, fx)
		}
		stale := agent
		stale.Status = schema.AgentStatusOffline
		stale.CurrentTaskID = ""
		c.agents[id] = stale
		marked++
	}
	if marked > 0 {
		// requeued tasks may fit the agents still alive
		c.assignmentSweepLocked(fx)
		fx.snapshot = c.snapshotLocked()
	}
	c.commit(ctx, fx)
	return marked
}

// ApprovalSweep cancels held tasks whose approval window has passed.
// Returns the number of tasks expired.
func (c *Coordinator) ApprovalSweep(ctx context.Context) int {
	fx := &effects{}
	cutoff := time.Now().UTC().Add(-c.config.ApprovalTimeout)
	expired := 0

	c.mu.Lock()
	for _, taskID := range append([]string(nil), c.queue...) {
		task, ok := c.tasks[taskID]
		if !ok || task.Status != schema.TaskStatusPending || !task.RequiresApproval {
			continue
		}
		if task.CreatedAt.After(cutoff) {
			continue
		}
		final := task.WithStatus(schema.TaskStatusCancelled)
		final.Result = "approval timed out"
		delete(c.tasks, taskID)
		c.removeFromQueueLocked(taskID)
		fx.addEvent(&schema.Event{
			Type:    schema.EventApprovalExpired,
			TaskID:  taskID,
			Payload: map[string]any{"waited": time.Since(task.CreatedAt).Round(time.Second).String()},
		})
		fx.addTransition(taskID, "", schema.TaskStatusPending, schema.TaskStatusCancelled)
		fx.finals = append(fx.finals, final)
		expired++
	}
	if expired > 0 {
		fx.snapshot = c.snapshotLocked()
	}
	c.commit(ctx, fx)
	return expired
}
