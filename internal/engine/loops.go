package engine

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/rendis/baton/internal/expressions"
	"github.com/rendis/baton/pkg/schema"
)

const (
	defaultMaxLoopIterations = 100
	defaultIteratorVariable  = "item"
	defaultIndexVariable     = "index"

	retryLoopBaseDelay = 100 * time.Millisecond
	retryLoopMaxDelay  = 5 * time.Second
)

// Reserved context variables a loop body sets to steer its own loop. They are
// consumed by the loop executor and never merge into the parent context.
const (
	BreakSignalVariable    = "break_requested"
	ContinueSignalVariable = "continue_requested"
)

// LoopBodyRunner executes the body steps of one loop iteration against an
// isolated context. It returns the per-step results and an error when any
// body step failed.
type LoopBodyRunner func(ctx context.Context, steps []schema.WorkflowStep, wc *WorkflowContext) (map[string]schema.StepResult, error)

// LoopExecutor runs for_each, while and retry loops. Each iteration gets a
// deep copy of the parent context; whatever it changes merges back under
// iteration_{n}_{key} and last_{key} names.
type LoopExecutor struct {
	logger    *slog.Logger
	evaluator *expressions.Evaluator
}

func NewLoopExecutor(logger *slog.Logger, evaluator *expressions.Evaluator) *LoopExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if evaluator == nil {
		evaluator = expressions.NewEvaluator(logger)
	}
	return &LoopExecutor{logger: logger, evaluator: evaluator}
}

// Execute runs the loop configured on step, driving the body through runBody.
// Body failures and cap exhaustion are reported through the returned
// LoopExecutionContext; the error return covers definition problems and
// cancellation.
func (le *LoopExecutor) Execute(ctx context.Context, step *schema.WorkflowStep, parent *WorkflowContext, runBody LoopBodyRunner) (*schema.LoopExecutionContext, error) {
	if step == nil || step.Loop == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "loop step has no loop definition")
	}

	lec := &schema.LoopExecutionContext{
		Status:           schema.LoopStatusRunning,
		ScopedVariables:  make(map[string]any),
		IterationResults: []schema.LoopIterationResult{},
		StartTime:        time.Now(),
	}

	switch step.Loop.Type {
	case schema.LoopTypeForEach:
		return lec, le.runForEach(ctx, lec, step, parent, runBody)
	case schema.LoopTypeWhile:
		return lec, le.runWhile(ctx, lec, step, parent, runBody)
	case schema.LoopTypeRetry:
		return lec, le.runRetry(ctx, lec, step, parent, runBody)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown loop type %q", step.Loop.Type).WithStep(step.ID)
	}
}

func (le *LoopExecutor) runForEach(ctx context.Context, lec *schema.LoopExecutionContext, step *schema.WorkflowStep, parent *WorkflowContext, runBody LoopBodyRunner) error {
	loop := step.Loop
	name := strings.TrimPrefix(strings.TrimSpace(loop.Collection), "$")
	items := enumerateCollection(parent.Scope().Resolve(name))
	limit := loopCap(loop)

	iterVar := loop.IteratorVariable
	if iterVar == "" {
		iterVar = defaultIteratorVariable
	}
	indexVar := loop.IndexVariable
	if indexVar == "" {
		indexVar = defaultIndexVariable
	}

	for i, item := range items {
		if i >= limit {
			lec.Status = schema.LoopStatusMaxIterationsReached
			return nil
		}
		if err := ctx.Err(); err != nil {
			return le.cancelled(lec, err)
		}

		lec.CurrentIndex = i
		lec.CurrentItem = item
		res, _ := le.runIteration(ctx, lec, parent, step.NestedSteps, i, func(ic *WorkflowContext) {
			ic.Set(iterVar, expressions.CloneValue(item))
			ic.Set(indexVar, i)
		}, runBody)

		if stop, status := le.postChecks(ctx, loop, parent, res); stop {
			lec.Status = status
			return nil
		}
	}

	lec.Status = schema.LoopStatusCompleted
	return nil
}

func (le *LoopExecutor) runWhile(ctx context.Context, lec *schema.LoopExecutionContext, step *schema.WorkflowStep, parent *WorkflowContext, runBody LoopBodyRunner) error {
	loop := step.Loop
	limit := loopCap(loop)

	for i := 0; ; i++ {
		if i >= limit {
			lec.Status = schema.LoopStatusMaxIterationsReached
			return nil
		}
		if err := ctx.Err(); err != nil {
			return le.cancelled(lec, err)
		}
		if loop.Condition == "" || !le.evalCondition(ctx, "condition", loop.Condition, parent) {
			lec.Status = schema.LoopStatusCompleted
			return nil
		}

		lec.CurrentIndex = i
		res, _ := le.runIteration(ctx, lec, parent, step.NestedSteps, i, nil, runBody)

		if stop, status := le.postChecks(ctx, loop, parent, res); stop {
			lec.Status = status
			return nil
		}
	}
}

func (le *LoopExecutor) runRetry(ctx context.Context, lec *schema.LoopExecutionContext, step *schema.WorkflowStep, parent *WorkflowContext, runBody LoopBodyRunner) error {
	loop := step.Loop
	attempts := loopCap(loop)
	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return le.cancelled(lec, err)
		}

		lec.CurrentIndex = attempt
		res, err := le.runIteration(ctx, lec, parent, step.NestedSteps, attempt, nil, runBody)
		if err == nil {
			lec.Status = schema.LoopStatusCompleted
			lec.Error = ""
			return nil
		}
		lastErr = err

		if res.BreakRequested {
			lec.Status = schema.LoopStatusBroken
			lec.Error = lastErr.Error()
			return nil
		}

		if attempt+1 < attempts {
			delay := retryLoopDelay(attempt)
			le.logger.DebugContext(ctx, "retry loop attempt failed, backing off",
				"step_id", step.ID, "attempt", attempt+1, "delay", delay, "error", err)
			if werr := waitRetry(ctx, delay); werr != nil {
				return le.cancelled(lec, werr)
			}
		}
	}

	lec.Status = schema.LoopStatusMaxIterationsReached
	if lastErr != nil {
		lec.Error = lastErr.Error()
	}
	return nil
}

// runIteration executes the body once against a fresh copy of the parent
// context, records the result on lec, and merges the iteration's variable
// changes and step outputs back into the parent.
func (le *LoopExecutor) runIteration(ctx context.Context, lec *schema.LoopExecutionContext, parent *WorkflowContext, steps []schema.WorkflowStep, index int, seed func(*WorkflowContext), runBody LoopBodyRunner) (schema.LoopIterationResult, error) {
	iterCtx := parent.Clone()
	// Signals must come from this body run, not an earlier scope.
	delete(iterCtx.Variables, BreakSignalVariable)
	delete(iterCtx.Variables, ContinueSignalVariable)
	if seed != nil {
		seed(iterCtx)
	}

	started := time.Now()
	stepResults, err := runBody(ctx, steps, iterCtx)

	breakReq := consumeSignal(iterCtx, BreakSignalVariable)
	continueReq := consumeSignal(iterCtx, ContinueSignalVariable)
	outputs := iterCtx.ChangedVariables(parent)

	res := schema.LoopIterationResult{
		Index:             index,
		Status:            schema.StepStatusCompleted,
		StepResults:       stepResults,
		Outputs:           outputs,
		BreakRequested:    breakReq,
		ContinueRequested: continueReq,
		StartedAt:         started,
		Duration:          time.Since(started),
	}
	if err != nil {
		res.Status = schema.StepStatusFailed
		res.Error = err.Error()
		le.logger.WarnContext(ctx, "loop iteration failed",
			"execution_id", parent.ExecutionID, "iteration", index, "error", err)
	}

	parent.MergeIteration(index, iterCtx, outputs)
	for k, v := range outputs {
		lec.ScopedVariables[fmt.Sprintf("iteration_%d_%s", index, k)] = v
		lec.ScopedVariables["last_"+k] = v
	}

	lec.IterationResults = append(lec.IterationResults, res)
	lec.CurrentIteration = index
	lec.TotalIterations = len(lec.IterationResults)
	return res, err
}

// postChecks applies, in order, the body's break and continue signals, then
// the declarative break and continue conditions evaluated against the parent
// scope. It reports whether the loop should stop and with which status.
func (le *LoopExecutor) postChecks(ctx context.Context, loop *schema.LoopDefinition, parent *WorkflowContext, res schema.LoopIterationResult) (bool, schema.LoopStatus) {
	if res.BreakRequested {
		return true, schema.LoopStatusBroken
	}
	if res.ContinueRequested {
		return false, ""
	}
	if loop.BreakCondition != "" && le.evalCondition(ctx, "break_condition", loop.BreakCondition, parent) {
		return true, schema.LoopStatusBroken
	}
	if loop.ContinueCondition != "" && !le.evalCondition(ctx, "continue_condition", loop.ContinueCondition, parent) {
		return true, schema.LoopStatusCompleted
	}
	return false, ""
}

// Condition evaluation failures are logged and read as false so a bad
// expression degrades the loop instead of aborting the execution.
func (le *LoopExecutor) evalCondition(ctx context.Context, kind, expr string, parent *WorkflowContext) bool {
	ok, err := le.evaluator.Evaluate(ctx, expr, parent.Scope())
	if err != nil {
		le.logger.WarnContext(ctx, "loop condition evaluation failed, treating as false",
			"kind", kind, "expression", expr, "error", err)
		return false
	}
	return ok
}

func (le *LoopExecutor) cancelled(lec *schema.LoopExecutionContext, cause error) error {
	lec.Status = schema.LoopStatusFailed
	lec.Error = cause.Error()
	return schema.NewError(schema.ErrCodeCancelled, "loop cancelled").WithCause(cause)
}

// consumeSignal reads and clears a reserved loop control variable. Bodies set
// these through ordinary variable writes, so string forms of true count.
func consumeSignal(wc *WorkflowContext, name string) bool {
	v, ok := wc.Get(name)
	if !ok {
		return false
	}
	delete(wc.Variables, name)
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true")
	default:
		return false
	}
}

func loopCap(def *schema.LoopDefinition) int {
	if def.MaxIterations > 0 {
		return def.MaxIterations
	}
	return defaultMaxLoopIterations
}

// retryLoopDelay doubles from 100ms per failed attempt, capped at 5s.
func retryLoopDelay(attempt int) time.Duration {
	if attempt > 5 {
		return retryLoopMaxDelay
	}
	d := retryLoopBaseDelay * time.Duration(1<<attempt)
	if d > retryLoopMaxDelay {
		return retryLoopMaxDelay
	}
	return d
}

// enumerateCollection turns a resolved context value into the sequence a
// for_each loop walks: slices and arrays element-wise, strings one character
// at a time, nil as empty, anything else as a single-element sequence.
func enumerateCollection(v any) []any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []any:
		return t
	case string:
		out := make([]any, 0, len(t))
		for _, r := range t {
			out = append(out, string(r))
		}
		return out
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	default:
		return []any{v}
	}
}
