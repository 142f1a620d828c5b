package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScopeResolve_VariablesBeforeStepResults(t *testing.T) {
	scope := NewScope(map[string]any{"target": "from-vars"})
	scope.StepResults = map[string]any{"target": "from-steps"}

	assert.Equal(t, "from-vars", scope.Resolve("target"))
}

func TestScopeResolve_FallsBackToStepResults(t *testing.T) {
	scope := NewScope(nil)
	scope.StepResults = map[string]any{"build": map[string]any{"exit": 0}}

	assert.Equal(t, 0, scope.Resolve("build.exit"))
}

func TestScopeResolve_NestedMaps(t *testing.T) {
	scope := NewScope(map[string]any{
		"repo": map[string]any{
			"remote": map[string]any{"url": "git@host:x.git"},
		},
	})

	assert.Equal(t, "git@host:x.git", scope.Resolve("repo.remote.url"))
	assert.Nil(t, scope.Resolve("repo.remote.missing"))
	assert.Nil(t, scope.Resolve("repo.missing.url"))
}

func TestScopeResolve_StringMaps(t *testing.T) {
	scope := NewScope(map[string]any{
		"labels": map[string]string{"env": "prod"},
	})
	assert.Equal(t, "prod", scope.Resolve("labels.env"))
}

func TestScopeResolve_StructFields(t *testing.T) {
	type result struct {
		Status string
		Exit   int
	}
	scope := NewScope(map[string]any{
		"last": result{Status: "ok", Exit: 0},
		"ptr":  &result{Status: "ptr-ok"},
	})

	assert.Equal(t, "ok", scope.Resolve("last.Status"))
	// Lowercase segments reach exported fields through the fold match.
	assert.Equal(t, "ok", scope.Resolve("last.status"))
	assert.Equal(t, "ptr-ok", scope.Resolve("ptr.status"))
	assert.Nil(t, scope.Resolve("last.missing"))
}

func TestScopeResolve_NilAndMissing(t *testing.T) {
	scope := NewScope(map[string]any{"x": nil})

	assert.Nil(t, scope.Resolve(""))
	assert.Nil(t, scope.Resolve("missing"))
	assert.Nil(t, scope.Resolve("x"))
	assert.Nil(t, scope.Resolve("x.deeper"))

	var nilScope *Scope
	assert.Nil(t, nilScope.Resolve("anything"))
}

func TestScopeResolve_ScalarStopsDescent(t *testing.T) {
	scope := NewScope(map[string]any{"count": 3})
	assert.Nil(t, scope.Resolve("count.anything"))
}

func TestScopeClone_IsolatesMutations(t *testing.T) {
	scope := NewScope(map[string]any{
		"list": []any{1, 2},
		"meta": map[string]any{"owner": "ci"},
	})
	scope.StepResults = map[string]any{"lint": map[string]any{"warnings": 0}}

	clone := scope.Clone()
	clone.Set("extra", true)
	clone.Variables["meta"].(map[string]any)["owner"] = "changed"
	clone.Variables["list"].([]any)[0] = 99
	clone.StepResults["lint"].(map[string]any)["warnings"] = 7

	assert.Nil(t, scope.Resolve("extra"))
	assert.Equal(t, "ci", scope.Resolve("meta.owner"))
	assert.Equal(t, 1, scope.Resolve("list").([]any)[0])
	assert.Equal(t, 0, scope.Resolve("lint.warnings"))
}

func TestCloneValue_PassesThroughScalars(t *testing.T) {
	assert.Equal(t, 5, CloneValue(5))
	assert.Equal(t, "s", CloneValue("s"))
	assert.Nil(t, CloneValue(nil))

	src := []string{"a", "b"}
	cp := CloneValue(src).([]string)
	cp[0] = "z"
	assert.Equal(t, "a", src[0])
}
