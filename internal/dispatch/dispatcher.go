package dispatch

import (
	"context"

	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/pkg/schema"
)

// Dispatch queues the request and blocks until the task reaches a
// terminal status or the context ends. It implements engine.Dispatcher,
// which is how workflow task steps reach the fleet. A caller that gives
// up cancels the task so no agent keeps working for nobody.
func (c *Coordinator) Dispatch(ctx context.Context, req engine.TaskRequest) (*engine.TaskOutcome, error) {
	waiter := make(chan schema.Task, 1)
	task, err := c.queueTask(ctx, TaskSpec{
		Command:          req.Command,
		RepositoryPath:   req.RepositoryPath,
		Priority:         req.Priority,
		RequiresApproval: req.RequiresApproval,
		ExecutionID:      req.ExecutionID,
		StepID:           req.StepID,
	}, waiter)
	if err != nil {
		return nil, err
	}

	select {
	case final := <-waiter:
		return outcomeFromTask(final)
	case <-ctx.Done():
		c.removeWaiter(task.ID, waiter)
		// best effort; the task may have just finished on its own
		_, _ = c.UpdateTaskStatus(context.WithoutCancel(ctx), task.ID, schema.TaskStatusCancelled, "dispatch abandoned")
		return nil, ctx.Err()
	}
}

func outcomeFromTask(final schema.Task) (*engine.TaskOutcome, error) {
	switch final.Status {
	case schema.TaskStatusCompleted:
		return &engine.TaskOutcome{
			TaskID: final.ID,
			Status: final.Status,
			Result: final.Result,
		}, nil
	case schema.TaskStatusCancelled:
		reason := final.Result
		if reason == "" {
			reason = "task cancelled"
		}
		return nil, schema.NewErrorf(schema.ErrCodeCancelled, "task %s cancelled: %s", final.ID, reason)
	default:
		msg := final.Result
		if msg == "" {
			msg = "task failed"
		}
		return nil, schema.NewErrorf(schema.ErrCodeDispatch, "task %s failed: %s", final.ID, msg)
	}
}
