package diagram

import (
	"testing"

	"github.com/rendis/baton/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Must start with graph TD; title rendered as a comment.
	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% ETL Pipeline")

	// Task nodes use square brackets, start/end double parens (circle).
	assert.Contains(t, output, `fetch["fetch (git fetch origin)"]`)
	assert.Contains(t, output, "start((")
	assert.Contains(t, output, "end_((")

	// Edges follow the dependency chain. The final step's id collides
	// with the Mermaid keyword and is rewritten.
	assert.Contains(t, output, "start --> fetch")
	assert.Contains(t, output, "store --> end_")

	// Class definitions.
	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef failed")
	assert.Contains(t, output, "classDef running")
	assert.Contains(t, output, "classDef pending")
	assert.Contains(t, output, "classDef skipped")
}

func TestRenderMermaidCondition(t *testing.T) {
	model, err := Build(conditionWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Condition node uses diamond shape.
	assert.Contains(t, output, "decide{")

	// Both branches render as subgraphs with qualified sub-node ids.
	assert.Contains(t, output, `subgraph decide_then["decide: then"]`)
	assert.Contains(t, output, `subgraph decide_else["decide: else"]`)
	assert.Contains(t, output, "decide_then_deploy[")
	assert.Contains(t, output, "decide_else_notify[")
	assert.Contains(t, output, "    end\n")
}

func TestRenderMermaidParallel(t *testing.T) {
	model, err := Build(parallelWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Parallel node uses double brackets.
	assert.Contains(t, output, "fan_out[[")
	assert.Contains(t, output, `subgraph fan_out_branches["fan-out: branches"]`)

	// Concurrent branches carry no internal arrows.
	assert.NotContains(t, output, "fan_out_branches_lint -->")
	assert.NotContains(t, output, "fan_out_branches_vet -->")
}

func TestRenderMermaidLoop(t *testing.T) {
	model, err := Build(loopWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	// Loop node uses double brackets; the body chains in listed order.
	assert.Contains(t, output, "iterate[[")
	assert.Contains(t, output, "iterate_body_clone --> iterate_body_scan")
}

func TestRenderMermaidWithStatus(t *testing.T) {
	results := map[string]schema.StepResult{
		"fetch":     {StepID: "fetch", Status: schema.StepStatusCompleted},
		"transform": {StepID: "transform", Status: schema.StepStatusRunning},
		"store":     {StepID: "store", Status: schema.StepStatusPending},
	}

	model, err := Build(linearWorkflow(), results)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform running")
	assert.Contains(t, output, "class store pending")
}

func TestRenderMermaidNestedStatus(t *testing.T) {
	results := map[string]schema.StepResult{
		"clone": {StepID: "clone", Status: schema.StepStatusCompleted},
		"scan":  {StepID: "scan", Status: schema.StepStatusSkipped},
	}

	model, err := Build(loopWorkflow(), results)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "class iterate_body_clone completed")
	assert.Contains(t, output, "class iterate_body_scan skipped")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "a_b_c", mermaidSafeID("a.b.c"))
	assert.Equal(t, "my_step", mermaidSafeID("my-step"))
	assert.Equal(t, "fan_out", mermaidSafeID("fan out"))
	assert.Equal(t, "simple", mermaidSafeID("simple"))
	assert.Equal(t, "end_", mermaidSafeID("end"))
}
