package engine

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/baton/internal/expressions"
	"github.com/rendis/baton/pkg/schema"
)

// Executor runs workflow definitions. One executor serves many concurrent
// executions; each execution walks its steps sequentially in dependency
// order, with parallelism only inside parallel steps.
type Executor interface {
	// Execute runs a definition to a terminal state and returns the full
	// result. Setup problems (invalid definition, missing required
	// variables) return an error; step failures are reported in the result.
	Execute(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*schema.ExecutionResult, error)

	// Start begins an execution and returns its id without waiting for a
	// terminal state. The run detaches from the caller's context; progress
	// is observable through ExecutionStatus and the event trail, and the
	// run stops via Cancel rather than context cancellation.
	Start(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (string, error)

	// Validate checks a definition without running it: step-id uniqueness,
	// at least one step, dependency cycles. Dangling dependency references
	// and unparseable expressions are warnings, not errors.
	Validate(def *schema.WorkflowDefinition) *schema.ValidationReport

	// Pause stops step scheduling for a running execution. The in-flight
	// step runs to completion; the gate engages before the next one.
	Pause(executionID string) error

	// Resume releases a paused execution.
	Resume(executionID string) error

	// Cancel aborts a running or paused execution.
	Cancel(executionID string) error

	// ExecutionStatus returns a snapshot of any known execution.
	ExecutionStatus(executionID string) (*schema.ExecutionSnapshot, error)

	// ActiveExecutions lists snapshots of every non-terminal execution.
	ActiveExecutions() []*schema.ExecutionSnapshot

	// Shutdown stops the step pool after in-flight work finishes.
	Shutdown()
}

// Dispatcher hands a task step's command to the scheduling core and blocks
// until the task reaches a terminal status or ctx is done.
type Dispatcher interface {
	Dispatch(ctx context.Context, req TaskRequest) (*TaskOutcome, error)
}

// TaskRequest is everything a task step forwards to the scheduling core.
type TaskRequest struct {
	ExecutionID      string
	StepID           string
	Command          string
	RepositoryPath   string
	Priority         schema.TaskPriority
	RequiresApproval bool
	Parameters       map[string]any
}

// TaskOutcome reports how the dispatched task ended. Dispatch returns a nil
// error only for completed tasks; failures and cancellations arrive as
// errors so retry policies can act on them.
type TaskOutcome struct {
	TaskID string
	Status schema.TaskStatus
	Result string
}

// ExecutionStore persists execution progress. Persistence is best-effort:
// store failures are logged, never propagated into the execution.
type ExecutionStore interface {
	SaveExecution(ctx context.Context, snap *schema.ExecutionSnapshot) error
}

// DefaultPoolSize bounds concurrent parallel-step branches per process.
const DefaultPoolSize = 10

// ExecutorConfig holds executor tuning knobs.
type ExecutorConfig struct {
	PoolSize int // max concurrent parallel-step branches
	Breaker  BreakerConfig
}

type workflowExecutor struct {
	logger     *slog.Logger
	dispatcher Dispatcher
	recorder   EventRecorder
	store      ExecutionStore
	fsm        *ExecutionFSM
	evaluator  *expressions.Evaluator
	loops      *LoopExecutor
	retry      *RetryExecutor
	extractor  *OutputExtractor
	pool       *WorkerPool
	breakers   *BreakerRegistry
	config     ExecutorConfig

	// mu guards runs. Executions stay in the map after finishing so status
	// queries keep working; the map lives as long as the process.
	mu   sync.RWMutex
	runs map[string]*executionRun
}

// executionRun tracks one in-flight (or finished) execution. mu guards every
// field below it; the workflow context is only touched by the execution's
// own goroutine and its parallel branches.
type executionRun struct {
	id    string
	def   *schema.WorkflowDefinition
	graph *Graph
	wc    *WorkflowContext

	mu          sync.Mutex
	status      schema.ExecutionStatus
	currentStep string
	results     map[string]schema.StepResult
	startedAt   time.Time
	completedAt *time.Time
	failure     string
	paused      bool
	resumeCh    chan struct{}
	cancel      context.CancelFunc
}

// NewExecutor wires the executor. dispatcher may be nil when definitions
// carry no task steps; recorder and store may be nil to disable events and
// persistence.
func NewExecutor(logger *slog.Logger, dispatcher Dispatcher, recorder EventRecorder, store ExecutionStore, cfg ExecutorConfig) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}

	evaluator := expressions.NewEvaluator(logger)
	return &workflowExecutor{
		logger:     logger,
		dispatcher: dispatcher,
		recorder:   recorder,
		store:      store,
		fsm:        NewExecutionFSM(recorder),
		evaluator:  evaluator,
		loops:      NewLoopExecutor(logger, evaluator),
		retry:      NewRetryExecutor(logger, evaluator),
		extractor:  NewOutputExtractor(),
		pool:       NewWorkerPool(cfg.PoolSize),
		breakers:   NewBreakerRegistry(cfg.Breaker),
		config:     cfg,
		runs:       make(map[string]*executionRun),
	}
}

func (e *workflowExecutor) Execute(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*schema.ExecutionResult, error) {
	run, execCtx, err := e.begin(ctx, def, vars)
	if err != nil {
		return nil, err
	}
	result := e.runSteps(execCtx, run)
	run.cancel()
	return result, nil
}

func (e *workflowExecutor) Start(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (string, error) {
	// The run must outlive the request that started it.
	run, execCtx, err := e.begin(context.WithoutCancel(ctx), def, vars)
	if err != nil {
		return "", err
	}
	go func() {
		e.runSteps(execCtx, run)
		run.cancel()
	}()
	return run.id, nil
}

// begin validates, seeds and registers a run, moving it to running. The
// returned context is cancelled by the run's own cancel func.
func (e *workflowExecutor) begin(ctx context.Context, def *schema.WorkflowDefinition, vars map[string]any) (*executionRun, context.Context, error) {
	report := e.Validate(def)
	if err := report.Err(); err != nil {
		return nil, nil, err
	}
	for _, w := range report.Warnings {
		e.logger.WarnContext(ctx, "workflow validation warning", "workflow_id", def.ID, "issue", w.String())
	}

	graph, err := BuildGraph(def)
	if err != nil {
		return nil, nil, err
	}

	seeded, err := seedVariables(def, vars)
	if err != nil {
		return nil, nil, err
	}

	execCtx, cancel := context.WithCancel(ctx)
	run := &executionRun{
		id:        uuid.NewString(),
		def:       def,
		graph:     graph,
		status:    schema.ExecutionStatusPending,
		results:   make(map[string]schema.StepResult),
		startedAt: time.Now().UTC(),
		cancel:    cancel,
	}
	run.wc = NewWorkflowContext(run.id, seeded)

	e.mu.Lock()
	e.runs[run.id] = run
	e.mu.Unlock()

	if err := e.fsm.Transition(execCtx, run.id, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		cancel()
		e.mu.Lock()
		delete(e.runs, run.id)
		e.mu.Unlock()
		return nil, nil, err
	}
	run.setStatus(schema.ExecutionStatusRunning)
	e.logger.InfoContext(execCtx, "execution started",
		"execution_id", run.id, "workflow_id", def.ID, "steps", len(graph.Order))
	e.persist(execCtx, run, true)
	return run, execCtx, nil
}

// runSteps walks the dependency order one step at a time. A step with
// missing dependencies fails; a step whose dependency failed or was skipped
// is skipped; independent steps keep running either way.
func (e *workflowExecutor) runSteps(ctx context.Context, run *executionRun) *schema.ExecutionResult {
	for _, stepID := range run.graph.Order {
		if err := e.pauseGate(ctx, run); err != nil {
			break
		}
		if ctx.Err() != nil {
			break
		}

		step := run.graph.Step(stepID)
		started := time.Now().UTC()

		if missing := run.graph.MissingDependencies(stepID); len(missing) > 0 {
			depErr := schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %s depends on unknown steps: %s", stepID, strings.Join(missing, ", ")).WithStep(stepID)
			run.record(schema.StepResult{
				StepID: stepID, Status: schema.StepStatusFailed,
				Error: depErr.Error(), StartedAt: started, CompletedAt: started,
			})
			e.emit(ctx, run.id, stepID, schema.EventStepFailed, map[string]any{"error": depErr.Error()})
			e.persist(ctx, run, true)
			continue
		}

		if blocker := run.blockedBy(stepID); blocker != "" {
			run.record(schema.StepResult{
				StepID: stepID, Status: schema.StepStatusSkipped,
				Error: "dependency " + blocker + " did not complete", StartedAt: started, CompletedAt: started,
			})
			e.emit(ctx, run.id, stepID, schema.EventStepSkipped, map[string]any{"blocked_by": blocker})
			e.logger.DebugContext(ctx, "step skipped",
				"execution_id", run.id, "step_id", stepID, "blocked_by", blocker)
			e.persist(ctx, run, true)
			continue
		}

		_ = e.runStep(ctx, run, step, run.wc)
		e.persist(ctx, run, true)
	}

	return e.finalize(ctx, run)
}

// finalize computes the terminal status, records the transition, and builds
// the execution result. Cancellation trumps step failures.
func (e *workflowExecutor) finalize(ctx context.Context, run *executionRun) *schema.ExecutionResult {
	final := schema.ExecutionStatusCompleted
	var failure string

	if ctx.Err() != nil {
		final = schema.ExecutionStatusCancelled
		failure = "execution cancelled"
	} else {
		for _, stepID := range run.graph.Order {
			res, ok := run.stepResult(stepID)
			if !ok || res.Status == schema.StepStatusCompleted {
				continue
			}
			final = schema.ExecutionStatusFailed
			failure = res.Error
			if failure == "" {
				failure = "step " + stepID + " did not complete"
			}
			break
		}
	}

	// The run may be cancelled; the terminal event still has to go out.
	bg := context.WithoutCancel(ctx)

	from := run.currentStatus()
	if err := e.fsm.Transition(bg, run.id, from, final); err != nil {
		e.logger.Warn("terminal transition event failed",
			"execution_id", run.id, "from", from, "to", final, "error", err)
	}

	now := time.Now().UTC()
	run.mu.Lock()
	run.status = final
	run.completedAt = &now
	run.failure = failure
	run.currentStep = ""
	run.mu.Unlock()

	e.persist(bg, run, true)
	e.logger.InfoContext(bg, "execution finished",
		"execution_id", run.id, "workflow_id", run.def.ID, "status", final, "duration", now.Sub(run.startedAt))

	run.mu.Lock()
	defer run.mu.Unlock()
	results := make(map[string]schema.StepResult, len(run.results))
	for id, res := range run.results {
		results[id] = res
	}
	return &schema.ExecutionResult{
		ExecutionID:  run.id,
		WorkflowID:   run.def.ID,
		WorkflowName: run.def.Name,
		Status:       final,
		StepResults:  results,
		Variables:    expressions.CloneMap(run.wc.Variables),
		Error:        failure,
		StartedAt:    run.startedAt,
		CompletedAt:  now,
		Duration:     now.Sub(run.startedAt),
	}
}

func (e *workflowExecutor) Validate(def *schema.WorkflowDefinition) *schema.ValidationReport {
	report := &schema.ValidationReport{}
	if def == nil {
		report.AddError("", "definition", "workflow definition is nil")
		return report
	}
	if def.ID == "" {
		report.AddError("id", "definition", "workflow id is required")
	}
	if len(def.Steps) == 0 {
		report.AddError("steps", "definition", "workflow has no steps")
		return report
	}

	graph, err := BuildGraph(def)
	if err != nil {
		report.AddError("steps", "graph", err.Error())
		return report
	}

	for _, stepID := range graph.Order {
		step := graph.Step(stepID)
		path := "steps." + stepID

		if missing := graph.MissingDependencies(stepID); len(missing) > 0 {
			report.AddWarning(path+".depends_on", "dangling_dependency",
				"references unknown steps: "+strings.Join(missing, ", "))
		}

		switch step.Type {
		case schema.StepTypeTask:
			if step.Command == "" {
				report.AddError(path+".command", "task", "task step needs a command")
			}
			if step.Timeout != "" {
				if _, perr := time.ParseDuration(step.Timeout); perr != nil {
					report.AddError(path+".timeout", "task", "unparseable timeout "+step.Timeout)
				}
			}
			if step.Retry != nil {
				if _, rerr := StrategyFromPolicy(step.Retry); rerr != nil {
					report.AddError(path+".retry", "task", rerr.Error())
				}
			}
		case schema.StepTypeCondition:
			if step.Condition == "" {
				report.AddWarning(path+".condition", "condition", "empty condition always takes the else branch")
			} else if !e.evaluator.Validate(step.Condition) {
				report.AddWarning(path+".condition", "expression", "condition does not parse: "+step.Condition)
			}
		case schema.StepTypeLoop:
			e.validateLoop(report, path, step)
		}
	}

	return report
}

func (e *workflowExecutor) validateLoop(report *schema.ValidationReport, path string, step *schema.WorkflowStep) {
	if step.Loop == nil {
		report.AddError(path+".loop", "loop", "loop step needs a loop definition")
		return
	}
	switch step.Loop.Type {
	case schema.LoopTypeForEach:
		if step.Loop.Collection == "" {
			report.AddWarning(path+".loop.collection", "loop", "for_each without a collection never iterates")
		}
	case schema.LoopTypeWhile:
		if step.Loop.Condition == "" {
			report.AddWarning(path+".loop.condition", "loop", "while without a condition never iterates")
		} else if !e.evaluator.Validate(step.Loop.Condition) {
			report.AddWarning(path+".loop.condition", "expression", "condition does not parse: "+step.Loop.Condition)
		}
	case schema.LoopTypeRetry:
		// No extra shape requirements.
	default:
		report.AddError(path+".loop.type", "loop", "unknown loop type "+string(step.Loop.Type))
	}
	if bc := step.Loop.BreakCondition; bc != "" && !e.evaluator.Validate(bc) {
		report.AddWarning(path+".loop.break_condition", "expression", "condition does not parse: "+bc)
	}
	if cc := step.Loop.ContinueCondition; cc != "" && !e.evaluator.Validate(cc) {
		report.AddWarning(path+".loop.continue_condition", "expression", "condition does not parse: "+cc)
	}
	if len(step.NestedSteps) == 0 {
		report.AddWarning(path+".nested_steps", "loop", "loop has an empty body")
	}
}

func (e *workflowExecutor) Pause(executionID string) error {
	run, err := e.run(executionID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status != schema.ExecutionStatusRunning {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot pause execution in status %s", status)
	}
	run.status = schema.ExecutionStatusPaused
	run.paused = true
	run.resumeCh = make(chan struct{})
	run.mu.Unlock()

	if err := e.fsm.Transition(context.Background(), run.id,
		schema.ExecutionStatusRunning, schema.ExecutionStatusPaused); err != nil {
		e.logger.Warn("pause event failed", "execution_id", executionID, "error", err)
	}
	e.logger.Info("execution paused", "execution_id", executionID)
	e.persist(context.Background(), run, false)
	return nil
}

func (e *workflowExecutor) Resume(executionID string) error {
	run, err := e.run(executionID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status != schema.ExecutionStatusPaused {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"cannot resume execution in status %s", status)
	}
	run.status = schema.ExecutionStatusRunning
	run.paused = false
	close(run.resumeCh)
	run.mu.Unlock()

	if err := e.fsm.Transition(context.Background(), run.id,
		schema.ExecutionStatusPaused, schema.ExecutionStatusRunning); err != nil {
		e.logger.Warn("resume event failed", "execution_id", executionID, "error", err)
	}
	e.logger.Info("execution resumed", "execution_id", executionID)
	e.persist(context.Background(), run, false)
	return nil
}

func (e *workflowExecutor) Cancel(executionID string) error {
	run, err := e.run(executionID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	if run.status.Terminal() {
		status := run.status
		run.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict,
			"execution already %s", status)
	}
	cancel := run.cancel
	run.mu.Unlock()

	e.logger.Info("execution cancel requested", "execution_id", executionID)
	cancel()
	return nil
}

func (e *workflowExecutor) ExecutionStatus(executionID string) (*schema.ExecutionSnapshot, error) {
	run, err := e.run(executionID)
	if err != nil {
		return nil, err
	}
	return run.snapshot(false), nil
}

func (e *workflowExecutor) ActiveExecutions() []*schema.ExecutionSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []*schema.ExecutionSnapshot
	for _, run := range e.runs {
		snap := run.snapshot(false)
		if snap.Status.Terminal() {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ExecutionID < out[j].ExecutionID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (e *workflowExecutor) Shutdown() {
	e.pool.Shutdown()
}

// pauseGate blocks between steps while the execution is paused. Cancellation
// during the pause releases the gate with the context error.
func (e *workflowExecutor) pauseGate(ctx context.Context, run *executionRun) error {
	for {
		run.mu.Lock()
		if !run.paused {
			run.mu.Unlock()
			return nil
		}
		ch := run.resumeCh
		run.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *workflowExecutor) run(executionID string) (*executionRun, error) {
	e.mu.RLock()
	run, ok := e.runs[executionID]
	e.mu.RUnlock()
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found: "+executionID)
	}
	return run, nil
}

// persist saves a best-effort execution snapshot. includeVars must be false
// when calling from outside the execution's own goroutine; the workflow
// context is not locked.
func (e *workflowExecutor) persist(ctx context.Context, run *executionRun, includeVars bool) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveExecution(ctx, run.snapshot(includeVars)); err != nil {
		e.logger.WarnContext(ctx, "execution snapshot dropped",
			"execution_id", run.id, "error", err)
	}
}

// emit appends a best-effort event. The recorder stamps ID, sequence and
// timestamp.
func (e *workflowExecutor) emit(ctx context.Context, executionID, stepID, eventType string, payload map[string]any) {
	if e.recorder == nil {
		return
	}
	event := &schema.Event{
		Type:        eventType,
		ExecutionID: executionID,
		StepID:      stepID,
		Payload:     payload,
	}
	if err := e.recorder.AppendEvent(ctx, event); err != nil {
		e.logger.DebugContext(ctx, "event emission failed",
			"execution_id", executionID, "type", eventType, "error", err)
	}
}

// seedVariables merges caller variables over definition defaults and checks
// required inputs.
func seedVariables(def *schema.WorkflowDefinition, vars map[string]any) (map[string]any, error) {
	seeded := make(map[string]any, len(vars)+len(def.Variables))
	for name, decl := range def.Variables {
		if decl.Default != nil {
			seeded[name] = decl.Default
		}
	}
	for name, value := range vars {
		seeded[name] = value
	}
	for name, decl := range def.Variables {
		if decl.Required {
			if _, ok := seeded[name]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"required variable %q not provided", name)
			}
		}
	}
	return seeded, nil
}

func (run *executionRun) record(res schema.StepResult) {
	run.mu.Lock()
	run.results[res.StepID] = res
	run.mu.Unlock()
}

func (run *executionRun) stepResult(stepID string) (schema.StepResult, bool) {
	run.mu.Lock()
	defer run.mu.Unlock()
	res, ok := run.results[stepID]
	return res, ok
}

// blockedBy returns the first dependency that failed or was skipped.
func (run *executionRun) blockedBy(stepID string) string {
	run.mu.Lock()
	defer run.mu.Unlock()
	for _, dep := range run.graph.Dependencies(stepID) {
		res, ok := run.results[dep]
		if !ok {
			continue
		}
		if res.Status == schema.StepStatusFailed || res.Status == schema.StepStatusSkipped {
			return dep
		}
	}
	return ""
}

func (run *executionRun) setStatus(status schema.ExecutionStatus) {
	run.mu.Lock()
	run.status = status
	run.mu.Unlock()
}

func (run *executionRun) currentStatus() schema.ExecutionStatus {
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.status
}

func (run *executionRun) setCurrentStep(stepID string) {
	run.mu.Lock()
	run.currentStep = stepID
	run.mu.Unlock()
}

// snapshot builds a point-in-time view. Variables are only included when the
// caller owns the execution goroutine or the run is terminal; the workflow
// context itself is not locked.
func (run *executionRun) snapshot(includeVars bool) *schema.ExecutionSnapshot {
	run.mu.Lock()
	defer run.mu.Unlock()

	results := make(map[string]schema.StepResult, len(run.results))
	for id, res := range run.results {
		results[id] = res
	}
	snap := &schema.ExecutionSnapshot{
		ExecutionID:  run.id,
		WorkflowID:   run.def.ID,
		WorkflowName: run.def.Name,
		Status:       run.status,
		CurrentStep:  run.currentStep,
		StepResults:  results,
		Error:        run.failure,
		StartedAt:    run.startedAt,
		CompletedAt:  run.completedAt,
	}
	if includeVars || run.status.Terminal() {
		snap.Variables = expressions.CloneMap(run.wc.Variables)
	}
	return snap
}
