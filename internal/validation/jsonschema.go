package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rendis/baton/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://baton.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1
    },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "variables": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/variable" }
    },
    "metadata": {
      "type": "object",
      "additionalProperties": { "type": "string" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["start", "task", "condition", "loop", "parallel", "end"]
        },
        "command": { "type": "string" },
        "parameters": { "type": "object" },
        "result_query": { "type": "string" },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "condition": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" },
        "loop": { "$ref": "#/$defs/loop" },
        "retry": { "$ref": "#/$defs/retry" },
        "nested_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        },
        "else_steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "loop": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["for_each", "while", "retry"]
        },
        "collection": { "type": "string" },
        "condition": { "type": "string" },
        "continue_condition": { "type": "string" },
        "break_condition": { "type": "string" },
        "iterator_variable": { "type": "string" },
        "index_variable": { "type": "string" },
        "max_iterations": {
          "type": "integer",
          "minimum": 0
        }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": {
          "type": "integer",
          "minimum": 0
        },
        "strategy": {
          "type": "string",
          "enum": ["exponential", "fixed", "linear", "none"]
        },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" },
        "multiplier": {
          "type": "number",
          "minimum": 0
        },
        "jitter_factor": {
          "type": "number",
          "minimum": 0
        },
        "retryable_errors": {
          "type": "array",
          "items": { "type": "string" }
        },
        "retry_condition": { "type": "string" }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "properties": {
        "type": {
          "type": "string",
          "enum": ["string", "number", "integer", "boolean", "array", "object"]
        },
        "default": {},
        "required": { "type": "boolean" },
        "description": { "type": "string" }
      },
      "additionalProperties": false
    },
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    }
  }
}`

// JSONSchemaValidator implements the Validator interface using JSON Schema
// Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache of compiled variable schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newSchemaCompiler()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://baton.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://baton.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow
// JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toBatonError(err)
	}

	// A check the schema cannot express: step IDs must be unique across the
	// whole tree. Nested bodies record results into the same namespace as
	// top-level steps, so a collision silently overwrites results.
	if dup := duplicateStepID(def.Steps, make(map[string]struct{})); dup != "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", dup)
	}

	return nil
}

// ValidateVariables checks run variables against the definition's declared
// variables. The schema is built from the declarations and cached, so
// repeated runs of the same workflow reuse the compiled form. A declared
// default satisfies required; undeclared extra variables pass through.
func (v *JSONSchemaValidator) ValidateVariables(def *schema.WorkflowDefinition, vars map[string]any) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if len(def.Variables) == 0 {
		return nil // nothing declared means nothing to check
	}

	schemaBytes, err := variableSchema(def.Variables)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to build variable schema").WithCause(err)
	}
	compiled, err := v.getOrCompile(schemaBytes)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid variable schema").WithCause(err)
	}

	if vars == nil {
		vars = map[string]any{}
	}
	doc, err := toJSONValue(vars)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize variables").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toBatonError(err)
	}
	return nil
}

// duplicateStepID walks steps and their nested bodies, returning the first
// step ID that appears twice, or "".
func duplicateStepID(steps []schema.WorkflowStep, seen map[string]struct{}) string {
	for i := range steps {
		id := steps[i].ID
		if _, exists := seen[id]; exists {
			return id
		}
		seen[id] = struct{}{}
		if dup := duplicateStepID(steps[i].NestedSteps, seen); dup != "" {
			return dup
		}
		if dup := duplicateStepID(steps[i].ElseSteps, seen); dup != "" {
			return dup
		}
	}
	return ""
}

// variableSchema builds a JSON Schema document from variable declarations.
// Untyped variables accept any value. Required variables with a default are
// not listed as required since the default fills them at run start.
// json.Marshal sorts map keys, so the same declarations always produce the
// same bytes and hit the same cache entry.
func variableSchema(decls map[string]schema.VariableDefinition) ([]byte, error) {
	props := make(map[string]any, len(decls))
	var required []string
	for name, decl := range decls {
		prop := map[string]any{}
		if decl.Type != "" {
			prop["type"] = decl.Type
		}
		props[name] = prop
		if decl.Required && decl.Default == nil {
			required = append(required, name)
		}
	}
	sort.Strings(required)

	doc := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		doc["required"] = required
	}
	return json.Marshal(doc)
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL and a fresh compiler to avoid
	// resource collisions.
	url := fmt.Sprintf("baton://variable-schema/%d", len(v.cache))
	c := newSchemaCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// newSchemaCompiler creates a Compiler with format assertions enabled.
func newSchemaCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toBatonError converts a jsonschema.ValidationError into a BatonError with
// the individual violations collected into details.
func toBatonError(err error) *schema.BatonError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
