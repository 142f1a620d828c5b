package validation

import "github.com/rendis/baton/pkg/schema"

// Validator checks workflow definitions before they are stored or executed.
// The structural stage uses JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateVariables(def *schema.WorkflowDefinition, vars map[string]any) error
}
