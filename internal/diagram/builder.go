package diagram

import (
	"fmt"
	"time"

	"github.com/rendis/baton/internal/engine"
	"github.com/rendis/baton/pkg/schema"
)

// Build turns a workflow definition into a diagram model. results carries
// per-step outcomes from an execution snapshot and may be nil for a plain
// structure diagram. Node order follows the execution order, so edges always
// point forward.
func Build(def *schema.WorkflowDefinition, results map[string]schema.StepResult) (*Model, error) {
	g, err := engine.BuildGraph(def)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(g.Order))
	for _, id := range g.Order {
		step := g.Step(id)
		node := &Node{
			ID:     id,
			Label:  nodeLabel(step),
			Kind:   stepKind(step.Type),
			Status: overlay(results, id),
		}
		buildChildren(node, step, results)
		nodes = append(nodes, node)
	}

	// Dependency arrows, dependency first. Unknown dependency ids are left
	// out: an arrow from a node that is never declared would make Mermaid
	// invent it.
	var edges []Edge
	for _, id := range g.Order {
		for _, dep := range g.Dependencies(id) {
			edges = append(edges, Edge{From: dep, To: id})
		}
	}

	return &Model{Title: title(def), Nodes: nodes, Edges: edges}, nil
}

// stepKind maps a step type to its node kind.
func stepKind(t schema.StepType) NodeKind {
	switch t {
	case schema.StepTypeStart:
		return NodeKindStart
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeLoop:
		return NodeKindLoop
	case schema.StepTypeParallel:
		return NodeKindParallel
	case schema.StepTypeEnd:
		return NodeKindEnd
	default:
		return NodeKindTask
	}
}

// nodeLabel prefers the human name over the id. Task nodes include their
// command so the diagram reads without the definition open.
func nodeLabel(step *schema.WorkflowStep) string {
	name := step.Name
	if name == "" {
		name = step.ID
	}
	if step.Type == schema.StepTypeTask && step.Command != "" {
		return fmt.Sprintf("%s (%s)", name, step.Command)
	}
	return name
}

// overlay builds the runtime overlay for one step, or nil when the execution
// never touched it.
func overlay(results map[string]schema.StepResult, id string) *StatusOverlay {
	res, ok := results[id]
	if !ok {
		return nil
	}
	var d time.Duration
	if !res.StartedAt.IsZero() && !res.CompletedAt.IsZero() {
		d = res.CompletedAt.Sub(res.StartedAt)
	}
	return &StatusOverlay{
		Status:   string(res.Status),
		Attempts: res.Attempts,
		Duration: d,
		Error:    res.Error,
	}
}

// buildChildren expands flow-control bodies into subgraphs. Condition and
// loop bodies run sequentially, so their sub-edges chain the listed order;
// parallel branches run concurrently and get no internal edges.
func buildChildren(node *Node, step *schema.WorkflowStep, results map[string]schema.StepResult) {
	switch step.Type {
	case schema.StepTypeCondition:
		if len(step.NestedSteps) > 0 {
			node.Children = append(node.Children, buildSubGraph(step.ID, "then", step.NestedSteps, results, true))
		}
		if len(step.ElseSteps) > 0 {
			node.Children = append(node.Children, buildSubGraph(step.ID, "else", step.ElseSteps, results, true))
		}
	case schema.StepTypeLoop:
		if len(step.NestedSteps) > 0 {
			node.Children = append(node.Children, buildSubGraph(step.ID, "body", step.NestedSteps, results, true))
		}
	case schema.StepTypeParallel:
		if len(step.NestedSteps) > 0 {
			node.Children = append(node.Children, buildSubGraph(step.ID, "branches", step.NestedSteps, results, false))
		}
	}
}

// buildSubGraph creates one subgraph. Sub-node ids are qualified
// parentID.label.subID so the rendered id stays unique even against an
// unvalidated definition; the status lookup uses the bare id, which is how
// the engine records nested results.
func buildSubGraph(parentID, label string, steps []schema.WorkflowStep, results map[string]schema.StepResult, chain bool) *SubGraph {
	sg := &SubGraph{Label: label}
	prev := ""
	for i := range steps {
		sub := &steps[i]
		qualified := fmt.Sprintf("%s.%s.%s", parentID, label, sub.ID)
		sg.Nodes = append(sg.Nodes, &Node{
			ID:     qualified,
			Label:  nodeLabel(sub),
			Kind:   stepKind(sub.Type),
			Status: overlay(results, sub.ID),
		})
		if chain && prev != "" {
			sg.Edges = append(sg.Edges, Edge{From: prev, To: qualified})
		}
		prev = qualified
	}
	return sg
}

// title prefers the workflow name over its id.
func title(def *schema.WorkflowDefinition) string {
	if def.Name != "" {
		return def.Name
	}
	return def.ID
}
