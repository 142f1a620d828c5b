package engine

import (
	"fmt"
	"reflect"

	"github.com/rendis/baton/internal/expressions"
)

// WorkflowContext carries one execution's mutable state: variables and the
// outputs of completed steps. The cancellation signal travels separately as
// a context.Context. Loop iterations run on isolated clones and fold their
// changes back through MergeIteration.
type WorkflowContext struct {
	ExecutionID string
	Variables   map[string]any
	StepOutputs map[string]any
}

// NewWorkflowContext creates a context seeded with the given variables.
func NewWorkflowContext(executionID string, vars map[string]any) *WorkflowContext {
	return &WorkflowContext{
		ExecutionID: executionID,
		Variables:   expressions.CloneMap(vars),
		StepOutputs: make(map[string]any),
	}
}

// Scope exposes the context to the expression evaluator: variables resolve
// first, step outputs are the fallback namespace.
func (c *WorkflowContext) Scope() *expressions.Scope {
	s := expressions.NewScope(c.Variables)
	s.StepResults = c.StepOutputs
	return s
}

// Set writes a variable.
func (c *WorkflowContext) Set(key string, value any) {
	c.Variables[key] = value
}

// Get reads a variable.
func (c *WorkflowContext) Get(key string) (any, bool) {
	v, ok := c.Variables[key]
	return v, ok
}

// RecordStepOutput stores a completed step's output under its id.
func (c *WorkflowContext) RecordStepOutput(stepID string, output any) {
	c.StepOutputs[stepID] = output
}

// Clone deep-copies the context so a loop iteration can mutate its own view.
func (c *WorkflowContext) Clone() *WorkflowContext {
	return &WorkflowContext{
		ExecutionID: c.ExecutionID,
		Variables:   expressions.CloneMap(c.Variables),
		StepOutputs: expressions.CloneMap(c.StepOutputs),
	}
}

// ChangedVariables returns the variables in c that are new or different
// relative to base. This is how an iteration's outputs are computed.
func (c *WorkflowContext) ChangedVariables(base *WorkflowContext) map[string]any {
	out := make(map[string]any)
	for k, v := range c.Variables {
		bv, ok := base.Variables[k]
		if !ok || !reflect.DeepEqual(bv, v) {
			out[k] = v
		}
	}
	return out
}

// MergeIteration folds one iteration back into the parent. Every output key
// is recorded twice: iteration_{n}_{key} preserves the full history and
// last_{key} exposes the most recent value cheaply. Step outputs from the
// iteration merge last-wins so later steps can reference body steps by id.
func (c *WorkflowContext) MergeIteration(n int, iter *WorkflowContext, outputs map[string]any) {
	for k, v := range outputs {
		c.Variables[fmt.Sprintf("iteration_%d_%s", n, k)] = v
		c.Variables["last_"+k] = v
	}
	for id, out := range iter.StepOutputs {
		c.StepOutputs[id] = out
	}
}
