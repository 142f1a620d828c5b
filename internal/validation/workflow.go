package validation

import "github.com/rendis/baton/pkg/schema"

// SemanticChecker applies the engine-level rules: graph construction,
// required fields per step type, expression and duration parsing. The
// workflow executor satisfies it.
type SemanticChecker interface {
	Validate(def *schema.WorkflowDefinition) *schema.ValidationReport
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
//  1. Structural (JSON Schema, duplicate step IDs)
//  2. Semantic (engine rules)
//  3. Blocked-step analysis (chains through unknown dependencies)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   SemanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// semantic may be nil to run the structural stages only.
func NewWorkflowValidator(semantic SemanticChecker) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic:   semantic,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated report.
// Structural errors short-circuit: later stages assume a well-formed
// document.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationReport {
	if def == nil {
		report := &schema.ValidationReport{}
		report.AddError("", "definition", "workflow definition is nil")
		return report
	}

	report := validateStructural(wv.jsonSchema, def)
	if !report.Valid() {
		return report
	}

	if wv.semantic != nil {
		report.Merge(wv.semantic.Validate(def))
	}

	// The blocked-step analysis needs an acyclic graph, so it is skipped
	// when the semantic stage found errors.
	if report.Valid() {
		report.Merge(validateBlocked(def))
	}

	return report
}

// ValidateDocument parses a raw YAML or JSON workflow document and runs the
// full pipeline on it. Parse failures land in the report like any other
// error, so callers render a single shape.
func (wv *WorkflowValidator) ValidateDocument(data []byte) (*schema.WorkflowDefinition, *schema.ValidationReport) {
	def, err := schema.LoadDefinition(data)
	if err != nil {
		report := &schema.ValidationReport{}
		report.AddError("", "parse", err.Error())
		return nil, report
	}
	return def, wv.Validate(def)
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).Err()
}

// ValidateVariables delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateVariables(def *schema.WorkflowDefinition, vars map[string]any) error {
	return wv.jsonSchema.ValidateVariables(def, vars)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition,
// converting its error output into report entries, one per violation.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationReport {
	report := &schema.ValidationReport{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return report
	}

	batonErr, ok := err.(*schema.BatonError)
	if !ok {
		report.AddError("", "schema", err.Error())
		return report
	}

	if batonErr.Details != nil {
		if violations, ok := batonErr.Details["violations"].([]string); ok {
			for _, violation := range violations {
				report.AddError("", "schema", violation)
			}
			return report
		}
	}
	report.AddError("", "schema", batonErr.Message)
	return report
}
