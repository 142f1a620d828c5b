package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/baton/internal/expressions"
	"github.com/rendis/baton/pkg/schema"
)

// runStep executes one step against wc, records its result on the run, and
// emits the step lifecycle events. Nested steps (loop bodies, branches,
// parallel branches) come through here too, with their own context.
func (e *workflowExecutor) runStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) error {
	run.setCurrentStep(step.ID)
	started := time.Now().UTC()
	e.emit(ctx, run.id, step.ID, schema.EventStepStarted, map[string]any{"type": string(step.Type)})
	e.logger.DebugContext(ctx, "step started",
		"execution_id", run.id, "step_id", step.ID, "type", step.Type)

	output, attempts, err := e.dispatchStep(ctx, run, step, wc)
	now := time.Now().UTC()

	if err != nil {
		run.record(schema.StepResult{
			StepID:      step.ID,
			Status:      schema.StepStatusFailed,
			Error:       err.Error(),
			Attempts:    attempts,
			StartedAt:   started,
			CompletedAt: now,
		})
		e.emit(ctx, run.id, step.ID, schema.EventStepFailed, map[string]any{"error": err.Error()})
		e.logger.WarnContext(ctx, "step failed",
			"execution_id", run.id, "step_id", step.ID, "error", err)
		return err
	}

	wc.RecordStepOutput(step.ID, output)
	run.record(schema.StepResult{
		StepID:      step.ID,
		Status:      schema.StepStatusCompleted,
		Output:      output,
		Attempts:    attempts,
		StartedAt:   started,
		CompletedAt: now,
	})
	e.emit(ctx, run.id, step.ID, schema.EventStepCompleted, nil)
	e.logger.DebugContext(ctx, "step completed",
		"execution_id", run.id, "step_id", step.ID, "duration", now.Sub(started))
	return nil
}

func (e *workflowExecutor) dispatchStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) (any, int, error) {
	switch step.Type {
	case schema.StepTypeStart, schema.StepTypeEnd, "":
		return nil, 0, nil
	case schema.StepTypeTask:
		return e.runTaskStep(ctx, run, step, wc)
	case schema.StepTypeCondition:
		out, err := e.runConditionStep(ctx, run, step, wc)
		return out, 0, err
	case schema.StepTypeLoop:
		out, err := e.runLoopStep(ctx, run, step, wc)
		return out, 0, err
	case schema.StepTypeParallel:
		out, err := e.runParallelStep(ctx, run, step, wc)
		return out, 0, err
	default:
		return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown step type %q", step.Type).WithStep(step.ID)
	}
}

// runTaskStep interpolates the command, hands it to the dispatcher behind the
// per-command circuit breaker, and applies the step's retry policy and result
// query. An open circuit fails the attempt without reaching the dispatcher.
func (e *workflowExecutor) runTaskStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) (any, int, error) {
	if e.dispatcher == nil {
		return nil, 0, schema.NewError(schema.ErrCodeDispatch,
			"no dispatcher configured for task steps").WithStep(step.ID)
	}

	scope := wc.Scope()
	command, err := expressions.Interpolate(step.Command, scope)
	if err != nil {
		return nil, 0, err
	}
	params, err := interpolateParameters(step.Parameters, scope)
	if err != nil {
		return nil, 0, err
	}

	req := TaskRequest{
		ExecutionID:      run.id,
		StepID:           step.ID,
		Command:          command,
		RepositoryPath:   stringParam(params, "repository_path"),
		Priority:         schema.TaskPriority(stringParam(params, "priority")),
		RequiresApproval: boolParam(params, "requires_approval"),
		Parameters:       params,
	}
	if req.Priority == "" {
		req.Priority = schema.PriorityNormal
	}

	stepCtx := ctx
	if step.Timeout != "" {
		d, perr := time.ParseDuration(step.Timeout)
		if perr != nil {
			return nil, 0, schema.NewErrorf(schema.ErrCodeValidation,
				"invalid timeout %q: %s", step.Timeout, perr.Error()).WithStep(step.ID)
		}
		var tcancel context.CancelFunc
		stepCtx, tcancel = context.WithTimeout(ctx, d)
		defer tcancel()
	}

	var outcome *TaskOutcome
	attempts := 0
	op := func(opCtx context.Context, attempt int) error {
		attempts = attempt + 1
		if attempt > 0 {
			e.emit(opCtx, run.id, step.ID, schema.EventStepRetrying, map[string]any{"attempt": attempt + 1})
		}
		if berr := e.breakers.Allow(req.Command); berr != nil {
			return berr
		}
		out, derr := e.dispatcher.Dispatch(opCtx, req)
		if derr != nil {
			e.breakers.RecordFailure(req.Command)
			return derr
		}
		e.breakers.RecordSuccess(req.Command)
		outcome = out
		return nil
	}

	var runErr error
	if step.Retry != nil {
		runErr = e.retry.Execute(stepCtx, step.Retry, scope, op)
	} else {
		runErr = op(stepCtx, 0)
	}
	if runErr != nil {
		if stepCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, attempts, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", step.Timeout).WithStep(step.ID).WithCause(runErr)
		}
		return nil, attempts, runErr
	}

	var raw any
	if outcome != nil {
		raw = outcome.Result
	}
	output, xerr := e.extractor.Extract(ctx, step.ResultQuery, raw)
	if xerr != nil {
		return nil, attempts, xerr
	}
	return output, attempts, nil
}

// runConditionStep evaluates the expression and runs the chosen branch
// sequentially. Evaluation failures are logged and take the else branch.
func (e *workflowExecutor) runConditionStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) (any, error) {
	result := false
	if step.Condition != "" {
		ok, err := e.evaluator.Evaluate(ctx, step.Condition, wc.Scope())
		if err != nil {
			e.logger.WarnContext(ctx, "condition evaluation failed, taking else branch",
				"execution_id", run.id, "step_id", step.ID, "expression", step.Condition, "error", err)
		} else {
			result = ok
		}
	}

	branch := "else"
	steps := step.ElseSteps
	if result {
		branch = "then"
		steps = step.NestedSteps
	}
	e.emit(ctx, run.id, step.ID, schema.EventConditionEvaluated, map[string]any{
		"expression": step.Condition, "result": result, "branch": branch,
	})

	if _, err := e.runBodySteps(ctx, run, steps, wc); err != nil {
		return nil, err
	}
	return map[string]any{"result": result, "branch": branch}, nil
}

// runLoopStep delegates to the loop executor, feeding it a body runner that
// emits per-iteration events. A loop that ends with an attached error fails
// the step; absorbed iteration failures do not.
func (e *workflowExecutor) runLoopStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) (any, error) {
	iteration := 0
	runBody := func(bodyCtx context.Context, steps []schema.WorkflowStep, iterWC *WorkflowContext) (map[string]schema.StepResult, error) {
		idx := iteration
		iteration++
		e.emit(bodyCtx, run.id, step.ID, schema.EventLoopIterStarted, map[string]any{"iteration": idx})
		results, err := e.runBodySteps(bodyCtx, run, steps, iterWC)
		payload := map[string]any{"iteration": idx}
		if err != nil {
			payload["error"] = err.Error()
		}
		e.emit(bodyCtx, run.id, step.ID, schema.EventLoopIterCompleted, payload)
		return results, err
	}

	lec, err := e.loops.Execute(ctx, step, wc, runBody)
	if err != nil {
		return nil, err
	}

	e.emit(ctx, run.id, step.ID, schema.EventLoopCompleted, map[string]any{
		"status": string(lec.Status), "iterations": lec.TotalIterations,
	})

	if lec.Error != "" {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"loop ended %s: %s", lec.Status, lec.Error).WithStep(step.ID)
	}
	return lec, nil
}

// runParallelStep fans every nested step out through the shared pool and
// joins them all. A branch failure never cancels its siblings; each branch
// runs on its own context copy and the copies merge back after the join.
func (e *workflowExecutor) runParallelStep(ctx context.Context, run *executionRun, step *schema.WorkflowStep, wc *WorkflowContext) (any, error) {
	branches := step.NestedSteps
	if len(branches) == 0 {
		return map[string]any{"branches": 0, "failed": 0}, nil
	}

	e.emit(ctx, run.id, step.ID, schema.EventParallelStarted, map[string]any{"branches": len(branches)})

	base := wc.Clone()
	branchCtxs := make([]*WorkflowContext, len(branches))
	branchErrs := make([]error, len(branches))
	var wg sync.WaitGroup

	for i := range branches {
		branch := &branches[i]
		bwc := wc.Clone()
		branchCtxs[i] = bwc
		idx := i

		wg.Add(1)
		// TrySubmit, not Submit: this goroutine may itself occupy a pool
		// slot (a parallel nested under a parallel branch), and waiting
		// for a slot while holding one deadlocks a saturated pool. When
		// the pool is full the branch runs inline on this goroutine.
		pooled, submitErr := e.pool.TrySubmit(ctx, func(branchCtx context.Context) error {
			return e.runStep(branchCtx, run, branch, bwc)
		}, func(err error) {
			branchErrs[idx] = err
			wg.Done()
		})
		if submitErr == nil && !pooled {
			branchErrs[idx] = e.runStep(ctx, run, branch, bwc)
			wg.Done()
			continue
		}
		if submitErr != nil {
			branchErrs[idx] = submitErr
			now := time.Now().UTC()
			run.record(schema.StepResult{
				StepID: branch.ID, Status: schema.StepStatusFailed,
				Error: submitErr.Error(), StartedAt: now, CompletedAt: now,
			})
			wg.Done()
		}
	}
	wg.Wait()

	var failed []string
	var firstErr error
	for i, berr := range branchErrs {
		if berr != nil {
			failed = append(failed, branches[i].ID)
			if firstErr == nil {
				firstErr = berr
			}
		}
		for k, v := range branchCtxs[i].ChangedVariables(base) {
			wc.Set(k, v)
		}
		for id, out := range branchCtxs[i].StepOutputs {
			wc.StepOutputs[id] = out
		}
	}

	e.emit(ctx, run.id, step.ID, schema.EventParallelCompleted, map[string]any{
		"branches": len(branches), "failed": len(failed),
	})

	if firstErr != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed,
			"%d of %d parallel branches failed", len(failed), len(branches)).
			WithStep(step.ID).
			WithCause(firstErr).
			WithDetails(map[string]any{"failed_branches": failed})
	}
	return map[string]any{"branches": len(branches), "failed": 0}, nil
}

// runBodySteps runs nested steps sequentially against wc, recording each
// result on the run. The first failure stops the remainder of the sequence.
func (e *workflowExecutor) runBodySteps(ctx context.Context, run *executionRun, steps []schema.WorkflowStep, wc *WorkflowContext) (map[string]schema.StepResult, error) {
	results := make(map[string]schema.StepResult, len(steps))
	for i := range steps {
		step := &steps[i]
		if err := ctx.Err(); err != nil {
			return results, err
		}
		err := e.runStep(ctx, run, step, wc)
		if res, ok := run.stepResult(step.ID); ok {
			results[step.ID] = res
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// interpolateParameters resolves ${{...}} placeholders in every string found
// in the parameter tree.
func interpolateParameters(params map[string]any, scope *expressions.Scope) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for k, v := range params {
		resolved, err := interpolateValue(v, scope)
		if err != nil {
			return nil, err
		}
		out[k] = resolved
	}
	return out, nil
}

func interpolateValue(v any, scope *expressions.Scope) (any, error) {
	switch t := v.(type) {
	case string:
		if expressions.HasPlaceholders(t) {
			return expressions.Interpolate(t, scope)
		}
		return t, nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := interpolateValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}
