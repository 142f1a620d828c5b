package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
id: wf-lint
name: lint-and-fix
steps:
  - id: start
    type: start
  - id: lint
    type: task
    command: "run linter"
    depends_on: [start]
    parameters:
      repository_path: /repo
  - id: done
    type: end
    depends_on: [lint]
variables:
  branch:
    type: string
    default: main
`

func TestLoadDefinition_YAML(t *testing.T) {
	def, err := LoadDefinition([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "lint-and-fix", def.Name)
	require.Len(t, def.Steps, 3)
	assert.Equal(t, StepTypeTask, def.Steps[1].Type)
	assert.Equal(t, []string{"start"}, def.Steps[1].DependsOn)
	assert.Equal(t, "/repo", def.Steps[1].Parameters["repository_path"])
	assert.Equal(t, "main", def.Variables["branch"].Default)
}

func TestLoadDefinition_JSON(t *testing.T) {
	raw := `{"id":"wf-1","name":"single","steps":[{"id":"only","type":"task","command":"echo hi"}]}`
	def, err := LoadDefinition([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "single", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "echo hi", def.Steps[0].Command)
}

func TestLoadDefinition_Empty(t *testing.T) {
	_, err := LoadDefinition([]byte("   \n"))
	require.Error(t, err)
	be, ok := err.(*BatonError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, be.Code)
}

func TestLoadDefinition_MissingName(t *testing.T) {
	_, err := LoadDefinition([]byte(`{"steps":[]}`))
	require.Error(t, err)
}

func TestLoadDefinitionDir_SkipsBroken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "good.yaml"), []byte(sampleYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("steps: ["), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	defs, errs := LoadDefinitionDir(dir)
	require.Len(t, defs, 1)
	assert.Equal(t, "lint-and-fix", defs[0].Name)
	assert.Len(t, errs, 1)
}

func TestWorkflowDefinition_StepLookup(t *testing.T) {
	def, err := LoadDefinition([]byte(sampleYAML))
	require.NoError(t, err)

	step := def.Step("lint")
	require.NotNil(t, step)
	assert.Equal(t, "run linter", step.Command)
	assert.Nil(t, def.Step("nope"))
}
