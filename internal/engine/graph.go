package engine

import (
	"strings"

	"github.com/rendis/baton/pkg/schema"
)

// Graph is the ordered view of a workflow definition's top-level steps.
// Order is a stable topological order: among ready steps the one earliest in
// the definition runs first. Nested steps (loop bodies, parallel branches,
// condition arms) are owned by their parent step and do not appear here.
type Graph struct {
	Steps map[string]*schema.WorkflowStep
	Order []string

	// Missing maps a step to dependency ids absent from the definition.
	// A dangling reference is not a build error; the step fails when its
	// turn comes.
	Missing map[string][]string

	deps map[string][]string
}

// BuildGraph orders a definition's steps by their dependencies. Duplicate
// ids, unknown step types and dependency cycles are hard errors.
func BuildGraph(def *schema.WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow has no steps")
	}

	g := &Graph{
		Steps:   make(map[string]*schema.WorkflowStep, len(def.Steps)),
		Missing: make(map[string][]string),
		deps:    make(map[string][]string, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has empty id", i)
		}
		if _, exists := g.Steps[step.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id: %s", step.ID)
		}
		if step.Type != "" && !schema.ValidStepType(step.Type) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %s has unknown type: %s", step.ID, step.Type)
		}
		g.Steps[step.ID] = step
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		resolvable := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "step %s depends on itself", step.ID)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if _, ok := g.Steps[dep]; !ok {
				g.Missing[step.ID] = append(g.Missing[step.ID], dep)
				continue
			}
			resolvable = append(resolvable, dep)
		}
		g.deps[step.ID] = resolvable
	}

	// Place the earliest-defined ready step until every step is placed.
	// No ready step while some remain means a cycle.
	placed := make(map[string]bool, len(def.Steps))
	order := make([]string, 0, len(def.Steps))
	for len(order) < len(def.Steps) {
		next := ""
		for i := range def.Steps {
			id := def.Steps[i].ID
			if placed[id] {
				continue
			}
			ready := true
			for _, dep := range g.deps[id] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				next = id
				break
			}
		}
		if next == "" {
			remaining := make([]string, 0, len(def.Steps)-len(order))
			for i := range def.Steps {
				if !placed[def.Steps[i].ID] {
					remaining = append(remaining, def.Steps[i].ID)
				}
			}
			return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
				"dependency cycle involving steps: %s", strings.Join(remaining, ", "))
		}
		placed[next] = true
		order = append(order, next)
	}
	g.Order = order
	return g, nil
}

// Dependencies returns the resolvable dependencies of a step.
func (g *Graph) Dependencies(id string) []string {
	return g.deps[id]
}

// MissingDependencies returns dependency ids the definition never declares.
func (g *Graph) MissingDependencies(id string) []string {
	return g.Missing[id]
}

// Step returns a step by id, or nil.
func (g *Graph) Step(id string) *schema.WorkflowStep {
	return g.Steps[id]
}
